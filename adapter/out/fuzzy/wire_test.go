package fuzzy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/adapter/out/fuzzy"
	"github.com/contentguard/scanner/core/domain"
)

func TestParseRequestLegacyFrame(t *testing.T) {
	b := make([]byte, 0, 26)
	b = append(b, byte(fuzzy.CmdCheck), 0x05)
	b = append(b, 1, 0, 0, 0) // value = 1 (little endian)
	b = append(b, make([]byte, 20)...)

	req, err := fuzzy.ParseRequest(b)
	require.NoError(t, err)
	require.True(t, req.Legacy)
	require.Equal(t, fuzzy.CmdCheck, req.Cmd)
	require.EqualValues(t, 0x05, req.Flag)
}

// Boundary behavior from spec.md §8: a fuzzy request of exactly the
// legacy size is classified by byte length as legacy regardless of any
// version field it might coincidentally carry, since the legacy layout
// has no version byte at all to disagree with.
func TestParseRequestDispatchesPurelyByByteLength(t *testing.T) {
	b := make([]byte, 26)
	b[0] = byte(fuzzy.CmdWrite)
	req, err := fuzzy.ParseRequest(b)
	require.NoError(t, err)
	require.True(t, req.Legacy)
}

func TestParseRequestBaseFrame(t *testing.T) {
	b := make([]byte, 12+domain.DigestSize)
	b[0] = 2 // version
	b[1] = byte(fuzzy.CmdWrite)
	b[2] = 0 // shingles_count

	req, err := fuzzy.ParseRequest(b)
	require.NoError(t, err)
	require.False(t, req.Legacy)
	require.False(t, req.HasShingles)
	require.Equal(t, fuzzy.CmdWrite, req.Cmd)
}

func TestParseRequestBaseFrameWithShinglesCountButNoShingleBlockIsInvalid(t *testing.T) {
	b := make([]byte, 12+domain.DigestSize)
	b[2] = 1 // shingles_count > 0 but frame is base-sized
	_, err := fuzzy.ParseRequest(b)
	require.ErrorIs(t, err, fuzzy.ErrInvalidFrame)
}

func TestParseRequestShingleFrame(t *testing.T) {
	b := make([]byte, 12+domain.DigestSize+domain.ShingleCount*8)
	b[2] = domain.ShingleCount
	req, err := fuzzy.ParseRequest(b)
	require.NoError(t, err)
	require.True(t, req.HasShingles)
}

func TestParseRequestShingleFrameWithZeroCountIsInvalid(t *testing.T) {
	b := make([]byte, 12+domain.DigestSize+domain.ShingleCount*8)
	_, err := fuzzy.ParseRequest(b)
	require.ErrorIs(t, err, fuzzy.ErrInvalidFrame)
}

func TestParseRequestRejectsArbitraryLength(t *testing.T) {
	_, err := fuzzy.ParseRequest(make([]byte, 7))
	require.ErrorIs(t, err, fuzzy.ErrInvalidFrame)
}

func TestEncodeDecodeReplyRoundTrips(t *testing.T) {
	r := fuzzy.Reply{Value: 403, Flag: 9, Prob: 0.5, Tag: 7}
	decoded, err := fuzzy.DecodeReply(fuzzy.EncodeReply(r))
	require.NoError(t, err)
	require.Equal(t, r, decoded)
}

func TestEncodeLegacyReply(t *testing.T) {
	require.Equal(t, "OK 1 7", string(fuzzy.EncodeLegacyReply(true, 1, 7)))
	require.Equal(t, "ERR 0 0", string(fuzzy.EncodeLegacyReply(false, 0, 0)))
}
