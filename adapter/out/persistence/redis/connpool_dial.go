package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
	"github.com/contentguard/scanner/pkg/connpool"
)

// ClientConn adapts a go-redis client to pkg/connpool.Conn, letting the
// generic idle/active connection pool (component H) own the lifecycle of
// the physical connections component G's upstream pool hands out.
type ClientConn struct {
	Client *goredis.Client
}

var _ connpool.Conn = (*ClientConn)(nil)

func (c *ClientConn) Auth(ctx context.Context, password string) error {
	return wrapErr("auth", c.Client.Do(ctx, "AUTH", password).Err())
}

func (c *ClientConn) Select(ctx context.Context, db int) error {
	return wrapErr("select", c.Client.Do(ctx, "SELECT", db).Err())
}

func (c *ClientConn) Ping(ctx context.Context) error {
	return wrapErr("ping", c.Client.Ping(ctx).Err())
}

func (c *ClientConn) Close() error {
	return c.Client.Close()
}

// ConnPoolDial opens a fresh go-redis client for pkg/connpool.Pool.
// Matches pkg/connpool.Dial's signature exactly.
func ConnPoolDial(ctx context.Context, ip string, port int) (connpool.Conn, error) {
	client := goredis.NewClient(&goredis.Options{Addr: net.JoinHostPort(ip, strconv.Itoa(port))})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperr.BackendTransient("redis:dial", err)
	}
	return &ClientConn{Client: client}, nil
}

// UpstreamDialer builds a pkg/upstream.Dial closure backed by cp, the
// shared idle/active connection pool (component H). The upstream pool
// (component G) still dials an address at most once and caches the
// resulting out.KV forever (its connFor), so the handle connpool hands
// back here is never released back to cp's idle list — only its
// AUTH/SELECT handshake and active-connection bookkeeping are reused.
func UpstreamDialer(cp *connpool.Pool, db int, password string) func(addr string) (out.KV, error) {
	return func(addr string) (out.KV, error) {
		ip, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("upstream dial: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("upstream dial: %w", err)
		}
		handle, err := cp.Connect(context.Background(), db, password, ip, port)
		if err != nil {
			return nil, err
		}
		cc, ok := handle.Conn.(*ClientConn)
		if !ok {
			return nil, fmt.Errorf("upstream dial: unexpected connpool.Conn implementation %T", handle.Conn)
		}
		return NewKV(cc.Client), nil
	}
}
