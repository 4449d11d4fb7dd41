package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	ip, password string
	db           int
	closed       bool
	closes       *int
	dead         bool
}

func (c *fakeConn) Auth(ctx context.Context, password string) error {
	c.password = password
	return nil
}

func (c *fakeConn) Select(ctx context.Context, db int) error {
	c.db = db
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.dead {
		return errDead
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	if c.closes != nil {
		*c.closes++
	}
	return nil
}

var errDead = errDeadT{}

type errDeadT struct{}

func (errDeadT) Error() string { return "conn dead" }

func TestConnectRunsAuthAndSelectOnFreshConnection(t *testing.T) {
	var made []*fakeConn
	dial := func(ctx context.Context, ip string, port int) (Conn, error) {
		c := &fakeConn{ip: ip}
		made = append(made, c)
		return c, nil
	}
	p := New(dial, time.Minute, 10)

	h, err := p.Connect(context.Background(), 3, "secret", "127.0.0.1", 6379)
	require.NoError(t, err)
	require.Len(t, made, 1)
	require.Equal(t, "secret", made[0].password)
	require.Equal(t, 3, made[0].db)
	require.False(t, made[0].closed)
	_ = h
}

func TestReleaseThenConnectReusesIdleConnection(t *testing.T) {
	dialCount := 0
	dial := func(ctx context.Context, ip string, port int) (Conn, error) {
		dialCount++
		return &fakeConn{ip: ip}, nil
	}
	p := New(dial, time.Minute, 10)

	h1, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	p.Release(h1, false)

	h2, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, 1, dialCount)
}

func TestFatalReleaseClosesConnectionInsteadOfPooling(t *testing.T) {
	closes := 0
	dial := func(ctx context.Context, ip string, port int) (Conn, error) {
		return &fakeConn{ip: ip, closes: &closes}, nil
	}
	p := New(dial, time.Minute, 10)

	h, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	p.Release(h, true)
	require.Equal(t, 1, closes)

	h2, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	require.NotSame(t, h, h2)
}

func TestUnhealthyIdleConnectionIsDiscardedAndReplaced(t *testing.T) {
	dialCount := 0
	var last *fakeConn
	dial := func(ctx context.Context, ip string, port int) (Conn, error) {
		dialCount++
		last = &fakeConn{ip: ip}
		return last, nil
	}
	p := New(dial, time.Minute, 10)

	h1, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	p.Release(h1, false)
	last.dead = true

	h2, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	require.NotSame(t, h1, h2)
	require.Equal(t, 2, dialCount)
	require.True(t, h1.Conn.(*fakeConn).closed)
}

func TestCloseDrainsEveryConnectionExactlyOnce(t *testing.T) {
	closes := 0
	dial := func(ctx context.Context, ip string, port int) (Conn, error) {
		return &fakeConn{ip: ip, closes: &closes}, nil
	}
	p := New(dial, time.Minute, 10)

	active, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.NoError(t, err)
	idle, err := p.Connect(context.Background(), 0, "", "127.0.0.1", 6380)
	require.NoError(t, err)
	p.Release(idle, false)

	p.Close()
	require.Equal(t, 2, closes)

	_, err = p.Connect(context.Background(), 0, "", "127.0.0.1", 6379)
	require.Error(t, err)

	p.Release(active, false)
	require.Equal(t, 2, closes)
}
