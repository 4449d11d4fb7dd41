// Package fuzzy implements the fuzzy-hash storage service (§4.5): wire
// protocol framing, Check/Write/Del command dispatch, shingle
// majority-vote fallback, write queue with jittered sync, peer rotation,
// and TTL expiration reporting.
package fuzzy

import (
	"encoding/binary"
	"errors"
	"math"
	"strconv"

	"github.com/contentguard/scanner/core/domain"
)

// Command is the fuzzy protocol's request verb.
type Command uint8

const (
	CmdCheck Command = iota
	CmdWrite
	CmdDel
)

// ErrInvalidFrame is returned when a datagram's byte length does not
// match any recognized frame layout. Per §4.5 such frames are dropped
// without reply at the transport layer (server.go), not raised as an error.
var ErrInvalidFrame = errors.New("fuzzy: invalid frame length")

const (
	// legacyHashSize is the fixed hash length ("hash[20]") in a v1 request.
	legacyHashSize = 20
	// legacyFrameSize is {cmd:u8, flag:u8, value:i32, hash[20]} = 1+1+4+20.
	legacyFrameSize = 1 + 1 + 4 + legacyHashSize

	// baseFrameSize is {version:u8, cmd:u8, shingles_count:u8, flag:u8,
	// value:i32, tag:u32, digest[64]}.
	baseFrameSize = 1 + 1 + 1 + 1 + 4 + 4 + domain.DigestSize
	// shingleFrameSize adds sgl.hashes[32] (32 x u64) to the base frame.
	shingleFrameSize = baseFrameSize + domain.ShingleCount*8

	// replyFrameSize is {value:i32, flag:u8, prob:f32, tag:u32}.
	replyFrameSize = 4 + 1 + 4 + 4
)

// LegacyRequest is the fixed v1 frame.
type LegacyRequest struct {
	Cmd   Command
	Flag  uint8
	Value int32
	Hash  [legacyHashSize]byte
}

// Request is the current (v2+) frame, optionally carrying shingles.
type Request struct {
	Version        uint8
	Cmd            Command
	ShinglesCount  uint8
	Flag           uint8
	Value          int32
	Tag            uint32
	Digest         [domain.DigestSize]byte
	Shingles       [domain.ShingleCount]uint64
	HasShingles    bool
	Legacy         bool
	LegacyRequest  LegacyRequest
}

// Reply is the v2+ wire reply.
type Reply struct {
	Value int32
	Flag  uint8
	Prob  float32
	Tag   uint32
}

// ParseRequest dispatches a raw datagram by byte count alone; the
// version byte is copied into Request.Version but is not checked, so a
// frame is never rejected for its version. A frame whose length matches
// neither the legacy, base, nor shingle layout is ErrInvalidFrame. When shingles_count > 0, the frame
// must equal the shingle-sized layout or it is rejected.
func ParseRequest(b []byte) (*Request, error) {
	switch len(b) {
	case legacyFrameSize:
		return parseLegacy(b)
	case baseFrameSize:
		req, err := parseBase(b)
		if err != nil {
			return nil, err
		}
		if req.ShinglesCount > 0 {
			return nil, ErrInvalidFrame
		}
		return req, nil
	case shingleFrameSize:
		req, err := parseBase(b[:baseFrameSize])
		if err != nil {
			return nil, err
		}
		if req.ShinglesCount == 0 {
			return nil, ErrInvalidFrame
		}
		for i := 0; i < domain.ShingleCount; i++ {
			off := baseFrameSize + i*8
			req.Shingles[i] = binary.LittleEndian.Uint64(b[off : off+8])
		}
		req.HasShingles = true
		return req, nil
	default:
		return nil, ErrInvalidFrame
	}
}

func parseLegacy(b []byte) (*Request, error) {
	var lr LegacyRequest
	lr.Cmd = Command(b[0])
	lr.Flag = b[1]
	lr.Value = int32(binary.LittleEndian.Uint32(b[2:6]))
	copy(lr.Hash[:], b[6:6+legacyHashSize])

	return &Request{
		Legacy:        true,
		LegacyRequest: lr,
		Cmd:           lr.Cmd,
		Flag:          lr.Flag,
		Value:         lr.Value,
	}, nil
}

func parseBase(b []byte) (*Request, error) {
	req := &Request{
		Version:       b[0],
		Cmd:           Command(b[1]),
		ShinglesCount: b[2],
		Flag:          b[3],
		Value:         int32(binary.LittleEndian.Uint32(b[4:8])),
		Tag:           binary.LittleEndian.Uint32(b[8:12]),
	}
	copy(req.Digest[:], b[12:12+domain.DigestSize])
	return req, nil
}

// EncodeReply serializes a v2+ reply to its wire form.
func EncodeReply(r Reply) []byte {
	b := make([]byte, replyFrameSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(r.Value))
	b[4] = r.Flag
	binary.LittleEndian.PutUint32(b[5:9], math.Float32bits(r.Prob))
	binary.LittleEndian.PutUint32(b[9:13], r.Tag)
	return b
}

// EncodeLegacyReply formats the ASCII legacy reply line, only emitted
// when the originating request was legacy.
func EncodeLegacyReply(ok bool, value int32, flag uint8) []byte {
	status := "OK"
	if !ok {
		status = "ERR"
	}
	return []byte(status + " " + strconv.Itoa(int(value)) + " " + strconv.Itoa(int(flag)))
}

// ErrInvalidReply is returned by DecodeReply for a frame that is not
// exactly replyFrameSize bytes.
var ErrInvalidReply = errors.New("fuzzy: invalid reply frame length")

// DecodeReply parses a v2+ reply frame, the client-side counterpart to
// EncodeReply; used by tests and by the (out of core-scope) CLI client.
func DecodeReply(b []byte) (Reply, error) {
	if len(b) != replyFrameSize {
		return Reply{}, ErrInvalidReply
	}
	return Reply{
		Value: int32(binary.LittleEndian.Uint32(b[0:4])),
		Flag:  b[4],
		Prob:  math.Float32frombits(binary.LittleEndian.Uint32(b[5:9])),
		Tag:   binary.LittleEndian.Uint32(b[9:13]),
	}, nil
}
