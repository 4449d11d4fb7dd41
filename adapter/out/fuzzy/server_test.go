package fuzzy_test

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/adapter/out/fuzzy"
	"github.com/contentguard/scanner/core/domain"
)

func digestOf(b byte) [domain.DigestSize]byte {
	var d [domain.DigestSize]byte
	for i := range d {
		d[i] = b
	}
	return d
}

func encodeRequest(r fuzzy.Request) []byte {
	// Mirrors parseBase's byte layout so tests can build frames without
	// a client implementation.
	buf := make([]byte, 0, 12+domain.DigestSize+domain.ShingleCount*8)
	buf = append(buf, r.Version, byte(r.Cmd), r.ShinglesCount, r.Flag)
	valueBytes := make([]byte, 4)
	putLE32(valueBytes, uint32(r.Value))
	buf = append(buf, valueBytes...)
	tagBytes := make([]byte, 4)
	putLE32(tagBytes, r.Tag)
	buf = append(buf, tagBytes...)
	buf = append(buf, r.Digest[:]...)
	if r.ShinglesCount > 0 {
		for _, sh := range r.Shingles {
			shb := make([]byte, 8)
			putLE64(shb, sh)
			buf = append(buf, shb...)
		}
	}
	return buf
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

var localhost = netip.MustParseAddr("127.0.0.1")
var outsider = netip.MustParseAddr("203.0.113.9")

func allowLocalhost(t *testing.T) []netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix("127.0.0.1/32")
	require.NoError(t, err)
	return []netip.Prefix{p}
}

// Scenario 4 (spec.md §8): Write{digest=D, flag=7, value=+1} (authorized)
// then Check{digest=D} returns {value >= 1, flag=7, prob=1.0}; repeating
// the write increases the value by 1.
func TestServerWriteThenCheckRoundTrips(t *testing.T) {
	backend := fuzzy.NewMemStore()
	srv := fuzzy.NewServer(backend, allowLocalhost(t), 3600)
	ctx := context.Background()
	d := digestOf(0xAA)

	writeReq := encodeRequest(fuzzy.Request{Version: 2, Cmd: fuzzy.CmdWrite, Flag: 7, Value: 1, Tag: 42, Digest: d})
	reply := srv.Handle(ctx, writeReq, localhost)
	require.NotNil(t, reply)

	checkReq := encodeRequest(fuzzy.Request{Version: 2, Cmd: fuzzy.CmdCheck, Digest: d})
	checkReply := srv.Handle(ctx, checkReq, localhost)
	require.NotNil(t, checkReply)

	entry, found, err := backend.Check(ctx, d)
	require.NoError(t, err)
	require.True(t, found)
	require.GreaterOrEqual(t, entry.Value, int32(1))
	require.EqualValues(t, 7, entry.Flag)

	srv.Handle(ctx, writeReq, localhost)
	entry2, _, err := backend.Check(ctx, d)
	require.NoError(t, err)
	require.Equal(t, entry.Value+1, entry2.Value)
}

// Scenario 5: Write with shingles for D1, then Check with a different
// digest D2 but the same shingles falls back to the majority vote and
// returns D1's value/flag with prob ~= 1.0.
func TestServerShingleFallbackMajorityVote(t *testing.T) {
	backend := fuzzy.NewMemStore()
	srv := fuzzy.NewServer(backend, allowLocalhost(t), 3600)
	ctx := context.Background()

	d1 := digestOf(0x11)
	d2 := digestOf(0x22)
	var shingles [domain.ShingleCount]uint64
	for i := range shingles {
		shingles[i] = uint64(i + 1)
	}

	writeReq := encodeRequest(fuzzy.Request{
		Version: 2, Cmd: fuzzy.CmdWrite, ShinglesCount: domain.ShingleCount,
		Flag: 9, Value: 5, Digest: d1, Shingles: shingles,
	})
	require.NotNil(t, srv.Handle(ctx, writeReq, localhost))

	checkReq := encodeRequest(fuzzy.Request{
		Version: 2, Cmd: fuzzy.CmdCheck, ShinglesCount: domain.ShingleCount,
		Digest: d2, Shingles: shingles,
	})
	reply := srv.Handle(ctx, checkReq, localhost)
	require.NotNil(t, reply)

	winner, votes, err := backend.CheckShingles(ctx, shingles)
	require.NoError(t, err)
	require.Equal(t, domain.ShingleCount, votes)
	require.Equal(t, d1, winner.Digest)
	require.EqualValues(t, 9, winner.Flag)
}

func TestServerRejectsWriteFromOutsideAllowList(t *testing.T) {
	backend := fuzzy.NewMemStore()
	srv := fuzzy.NewServer(backend, allowLocalhost(t), 3600)
	ctx := context.Background()
	d := digestOf(0x33)

	writeReq := encodeRequest(fuzzy.Request{Version: 2, Cmd: fuzzy.CmdWrite, Flag: 1, Value: 1, Digest: d})
	reply := srv.Handle(ctx, writeReq, outsider)
	require.NotNil(t, reply)

	decoded, err := fuzzy.DecodeReply(reply)
	require.NoError(t, err)
	require.EqualValues(t, 403, decoded.Value)

	_, found, err := backend.Check(ctx, d)
	require.NoError(t, err)
	require.False(t, found)
}

func TestServerDeleteThenCheckMisses(t *testing.T) {
	backend := fuzzy.NewMemStore()
	srv := fuzzy.NewServer(backend, allowLocalhost(t), 3600)
	ctx := context.Background()
	d := digestOf(0x44)

	require.NoError(t, backend.Write(ctx, domain.FuzzyDigest{Digest: d}, 1, 1, 0))

	delReq := encodeRequest(fuzzy.Request{Version: 2, Cmd: fuzzy.CmdDel, Digest: d})
	require.NotNil(t, srv.Handle(ctx, delReq, localhost))

	_, found, err := backend.Check(ctx, d)
	require.NoError(t, err)
	require.False(t, found)
}

func TestServerDropsInvalidFrameSilently(t *testing.T) {
	backend := fuzzy.NewMemStore()
	srv := fuzzy.NewServer(backend, allowLocalhost(t), 3600)
	reply := srv.Handle(context.Background(), []byte{0x01, 0x02, 0x03}, localhost)
	require.Nil(t, reply)
}
