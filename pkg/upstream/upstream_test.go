package upstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/contentguard/scanner/core/port/out"
)

type fakeKV struct {
	addr string
}

func (f *fakeKV) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeKV) Set(ctx context.Context, key, value string) error    { return nil }
func (f *fakeKV) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	return nil
}
func (f *fakeKV) Del(ctx context.Context, keys ...string) (int64, error) { return 0, nil }
func (f *fakeKV) Incr(ctx context.Context, key string) (int64, error)    { return 0, nil }
func (f *fakeKV) Decr(ctx context.Context, key string) (int64, error)    { return 0, nil }
func (f *fakeKV) HSet(ctx context.Context, key string, values map[string]any) error {
	return nil
}
func (f *fakeKV) HMGet(ctx context.Context, key string, fields ...string) ([]any, error) {
	return nil, nil
}
func (f *fakeKV) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return 0, nil
}
func (f *fakeKV) Expire(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (f *fakeKV) MGet(ctx context.Context, keys ...string) ([]any, error)         { return nil, nil }
func (f *fakeKV) Multi(ctx context.Context, fn func(out.Pipeliner) error) error   { return nil }

func dialFake(addr string) (out.KV, error) {
	return &fakeKV{addr: addr}, nil
}

func TestRoundRobinCyclesThroughUpstreams(t *testing.T) {
	p := NewPool(StrategyRoundRobin, []Config{{Addr: "a:1"}, {Addr: "a:2"}}, dialFake)

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		u, err := p.Get(context.Background(), "")
		require.NoError(t, err)
		seen[u.Addr] = true
	}
	require.Len(t, seen, 2)
}

func TestMasterSlavePrefersSlave(t *testing.T) {
	p := NewPool(StrategyMasterSlave, []Config{
		{Addr: "master:1", IsSlave: false},
		{Addr: "slave:1", IsSlave: true},
	}, dialFake)

	u, err := p.Get(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "slave:1", u.Addr)
}

func TestMasterSlaveFallsBackToMasterWhenSlaveDead(t *testing.T) {
	p := NewPool(StrategyMasterSlave, []Config{
		{Addr: "master:1", IsSlave: false, MaxErrors: 1},
		{Addr: "slave:1", IsSlave: true, MaxErrors: 1},
	}, dialFake)

	slave, err := p.Get(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "slave:1", slave.Addr)
	slave.Fail()

	u, err := p.Get(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "master:1", u.Addr)
}

func TestConsistentHashIsStableForSameKey(t *testing.T) {
	p := NewPool(StrategyConsistentHash, []Config{
		{Addr: "a:1"}, {Addr: "a:2"}, {Addr: "a:3"},
	}, dialFake)

	first, err := p.Get(context.Background(), "user@example.com")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		u, err := p.Get(context.Background(), "user@example.com")
		require.NoError(t, err)
		require.Equal(t, first.Addr, u.Addr)
	}
}

func TestNeverReturnsDeadUnlessAllDead(t *testing.T) {
	p := NewPool(StrategyRoundRobin, []Config{
		{Addr: "a:1", MaxErrors: 1}, {Addr: "a:2", MaxErrors: 1},
	}, dialFake)

	u1, _ := p.Get(context.Background(), "")
	u1.Fail()

	for i := 0; i < 10; i++ {
		u, err := p.Get(context.Background(), "")
		require.NoError(t, err)
		require.Equal(t, "a:2", u.Addr)
	}
}

func TestAllDeadReturnsErrButStillYieldsAnUpstream(t *testing.T) {
	p := NewPool(StrategyRoundRobin, []Config{{Addr: "a:1", MaxErrors: 1}}, dialFake)
	u, _ := p.Get(context.Background(), "")
	u.Fail()

	got, err := p.Get(context.Background(), "")
	require.ErrorIs(t, err, ErrNoLiveUpstream)
	require.Equal(t, "a:1", got.Addr)
}

func TestAcquireReturnsKVForSelectedUpstream(t *testing.T) {
	p := NewPool(StrategyRoundRobin, []Config{{Addr: "a:1"}}, dialFake)

	kv, u, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "a:1", u.Addr)
	require.IsType(t, &fakeKV{}, kv)
}

func TestAcquireCachesDialedConnection(t *testing.T) {
	calls := 0
	dial := func(addr string) (out.KV, error) {
		calls++
		return &fakeKV{addr: addr}, nil
	}
	p := NewPool(StrategyRoundRobin, []Config{{Addr: "a:1"}}, dial)

	_, _, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	_, _, err = p.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestAcquirePropagatesDialError(t *testing.T) {
	dialErr := errors.New("connection refused")
	dial := func(addr string) (out.KV, error) { return nil, dialErr }
	p := NewPool(StrategyRoundRobin, []Config{{Addr: "a:1"}}, dial)

	_, u, err := p.Acquire(context.Background(), "")
	require.ErrorIs(t, err, dialErr)
	require.NotNil(t, u)
}

func TestRotatePeerFailsUpstreamAndReturnsAnother(t *testing.T) {
	p := NewPool(StrategyRoundRobin, []Config{
		{Addr: "a:1", MaxErrors: 1}, {Addr: "a:2", MaxErrors: 1},
	}, dialFake)

	u1, err := p.Get(context.Background(), "")
	require.NoError(t, err)

	next, err := p.RotatePeer(u1)
	require.NoError(t, err)
	require.NotEqual(t, u1.Addr, next.Addr)
	require.True(t, u1.Dead())
}
