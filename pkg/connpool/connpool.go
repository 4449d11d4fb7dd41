// Package connpool implements the downstream connection pool (§4.7):
// idle/active connection lists keyed by (db, password, ip, port), a
// jittered idle-timeout reaper, and an AUTH/SELECT handshake on fresh
// connect. Grounded on the teacher's pkg/ratelimit Debouncer, which pairs
// a keyed map with a background cleanup goroutine; this pool generalizes
// that idiom with a per-connection timer instead of a single periodic
// sweep, since idle lifetimes here are jittered per-connection.
package connpool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Conn is one physical connection a Dial func hands back. Auth/Select
// implement the handshake §4.7 requires before a freshly opened
// connection is usable; Ping is used to judge whether a pooled idle
// connection is still healthy before handing it back out.
type Conn interface {
	Auth(ctx context.Context, password string) error
	Select(ctx context.Context, db int) error
	Ping(ctx context.Context) error
	Close() error
}

// Dial opens a new physical connection to ip:port.
type Dial func(ctx context.Context, ip string, port int) (Conn, error)

// Key identifies one pool bucket.
type Key struct {
	DB       int
	Password string
	IP       string
	Port     int
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d/%d", k.IP, k.Port, k.DB)
}

// Handle is a checked-out connection context (spec.md's "ctx").
type Handle struct {
	Conn Conn
	key  Key

	closeOnce sync.Once
}

func (h *Handle) close() {
	h.closeOnce.Do(func() { h.Conn.Close() })
}

type idleEntry struct {
	handle *Handle
	timer  *time.Timer
}

type bucket struct {
	active map[*Handle]struct{}
	idle   []*idleEntry
}

// Pool manages connections grouped by Key, enforcing an idle timeout.
// The per-key maxConn only shortens idle lifetimes; it does not cap how
// many connections Connect opens.
type Pool struct {
	mu      sync.Mutex
	dial    Dial
	timeout time.Duration
	maxConn int
	buckets map[Key]*bucket
	closed  bool
}

// New builds a Pool. timeout is the idle lifetime before a connection is
// reaped; maxConn is the per-key active-connection ceiling used to
// shorten that lifetime under pressure.
func New(dial Dial, timeout time.Duration, maxConn int) *Pool {
	return &Pool{
		dial:    dial,
		timeout: timeout,
		maxConn: maxConn,
		buckets: make(map[Key]*bucket),
	}
}

func (p *Pool) bucketFor(k Key) *bucket {
	b, ok := p.buckets[k]
	if !ok {
		b = &bucket{active: make(map[*Handle]struct{})}
		p.buckets[k] = b
	}
	return b
}

// Connect pops a healthy idle connection for (db, password, ip, port) or
// opens a new one, running AUTH/SELECT on the fresh connection before
// returning it (§4.7).
func (p *Pool) Connect(ctx context.Context, db int, password, ip string, port int) (*Handle, error) {
	key := Key{DB: db, Password: password, IP: ip, Port: port}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("connpool: pool closed")
	}
	b := p.bucketFor(key)

	for len(b.idle) > 0 {
		n := len(b.idle) - 1
		entry := b.idle[n]
		b.idle = b.idle[:n]
		entry.timer.Stop()
		p.mu.Unlock()

		if err := entry.handle.Conn.Ping(ctx); err == nil {
			p.mu.Lock()
			b.active[entry.handle] = struct{}{}
			p.mu.Unlock()
			return entry.handle, nil
		}
		entry.handle.close()
		p.mu.Lock()
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, ip, port)
	if err != nil {
		return nil, err
	}
	if password != "" {
		if err := conn.Auth(ctx, password); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err := conn.Select(ctx, db); err != nil {
		conn.Close()
		return nil, err
	}

	h := &Handle{Conn: conn, key: key}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.close()
		return nil, fmt.Errorf("connpool: pool closed")
	}
	p.bucketFor(key).active[h] = struct{}{}
	p.mu.Unlock()
	return h, nil
}

// Release returns h to the pool. If fatal is set, or the pool has been
// closed, the connection is closed immediately instead of going idle.
func (p *Pool) Release(h *Handle, fatal bool) {
	p.mu.Lock()
	b, ok := p.buckets[h.key]
	if ok {
		delete(b.active, h)
	}
	closeNow := fatal || p.closed
	var wait time.Duration
	if !closeNow {
		active := 0
		if ok {
			active = len(b.active)
		}
		wait = p.idleWait(active)
	}
	p.mu.Unlock()

	if closeNow {
		h.close()
		return
	}

	entry := &idleEntry{handle: h}
	entry.timer = time.AfterFunc(wait, func() { p.reap(h) })

	p.mu.Lock()
	if ok && !p.closed {
		b.idle = append(b.idle, entry)
	} else {
		p.mu.Unlock()
		entry.timer.Stop()
		h.close()
		return
	}
	p.mu.Unlock()
}

// idleWait returns a jittered idle lifetime in [timeout/2*0.75,
// timeout*1.5), shortened toward the lower end once active connections
// on the key exceed maxConn.
func (p *Pool) idleWait(active int) time.Duration {
	lo := float64(p.timeout) * 0.375 // timeout/2 * 0.75
	hi := float64(p.timeout) * 1.5
	if p.maxConn > 0 && active > p.maxConn {
		hi = lo + (hi-lo)*0.25
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

func (p *Pool) reap(h *Handle) {
	p.mu.Lock()
	b, ok := p.buckets[h.key]
	if ok {
		for i, e := range b.idle {
			if e.handle == h {
				b.idle = append(b.idle[:i], b.idle[i+1:]...)
				break
			}
		}
	}
	p.mu.Unlock()
	h.close()
}

// Close drains every bucket, running each connection's Close exactly
// once (idle or active), per §4.7's "pool drains cleanly on shutdown".
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	buckets := p.buckets
	p.buckets = make(map[Key]*bucket)
	p.mu.Unlock()

	for _, b := range buckets {
		for _, e := range b.idle {
			e.timer.Stop()
			e.handle.close()
		}
		for h := range b.active {
			h.close()
		}
	}
}
