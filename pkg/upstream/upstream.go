// Package upstream implements the upstream pool (§4.7): selects a live
// peer for a logical endpoint, records success/failure, and supports
// round-robin, master-slave, and consistent-hash-by-key strategies.
package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/resilience"
)

// Strategy selects which live Upstream Get returns for a key.
type Strategy int

const (
	StrategyRoundRobin Strategy = iota
	StrategyMasterSlave
	StrategyConsistentHash
)

// ErrNoLiveUpstream is returned when every upstream in the pool is dead.
var ErrNoLiveUpstream = errors.New("upstream: no live upstream available")

// Upstream is one physical peer address behind a logical endpoint. Its
// health is tracked by a dedicated circuit breaker instead of a bespoke
// error counter: upstream_fail/upstream_ok map onto the breaker's
// failure/success recording, and "dead" maps onto StateOpen.
type Upstream struct {
	Addr    string
	IsSlave bool

	breaker *resilience.CircuitBreaker
}

// Fail records a failed operation against this upstream.
func (u *Upstream) Fail() {
	u.breaker.Execute(func() error { return errors.New("upstream: recorded failure") })
}

// Ok records a successful operation against this upstream.
func (u *Upstream) Ok() {
	u.breaker.Execute(func() error { return nil })
}

// Dead reports whether the upstream is currently circuit-open.
func (u *Upstream) Dead() bool {
	return u.breaker.State() == resilience.StateOpen
}

// Dial opens a KV connection to a physical upstream address. Pool calls
// it lazily, once per address, and caches the result.
type Dial func(addr string) (out.KV, error)

// Pool holds every physical Upstream for one logical endpoint plus the
// selection strategy.
type Pool struct {
	mu        sync.RWMutex
	upstreams []*Upstream
	strategy  Strategy
	dial      Dial
	conns     map[string]out.KV

	rrCounter uint64
	hasher    *rendezvous.Rendezvous
}

// Config describes one upstream address for NewPool.
type Config struct {
	Addr        string
	IsSlave     bool
	MaxErrors   int
	ErrorWindow time.Duration
	DeadTime    time.Duration
}

// NewPool builds a Pool from a list of upstream configs (§4.7
// "upstreams_from_config(list) -> pool"). dial supplies the KV
// connection for a given address; it is invoked lazily on first Acquire.
func NewPool(strategy Strategy, configs []Config, dial Dial) *Pool {
	p := &Pool{strategy: strategy, dial: dial, conns: make(map[string]out.KV)}
	addrs := make([]string, 0, len(configs))
	for _, c := range configs {
		maxErrors := c.MaxErrors
		if maxErrors <= 0 {
			maxErrors = 5
		}
		deadTime := c.DeadTime
		if deadTime <= 0 {
			deadTime = 30 * time.Second
		}
		breaker := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:               c.Addr,
			FailureThreshold:   maxErrors,
			SuccessThreshold:   2,
			Timeout:            deadTime,
			MaxHalfOpenRequest: 1,
		})
		p.upstreams = append(p.upstreams, &Upstream{Addr: c.Addr, IsSlave: c.IsSlave, breaker: breaker})
		addrs = append(addrs, c.Addr)
	}
	p.hasher = rendezvous.New(addrs, xxhashString)
	return p
}

func xxhashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// Get selects a live upstream for key using the pool's strategy. Get
// never returns a dead upstream unless every one is dead, in which case
// it returns ErrNoLiveUpstream.
func (p *Pool) Get(ctx context.Context, key string) (*Upstream, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.upstreams) == 0 {
		return nil, ErrNoLiveUpstream
	}

	switch p.strategy {
	case StrategyMasterSlave:
		return p.getMasterSlave()
	case StrategyConsistentHash:
		return p.getConsistentHash(key)
	default:
		return p.getRoundRobin()
	}
}

func (p *Pool) getRoundRobin() (*Upstream, error) {
	n := uint64(len(p.upstreams))
	for i := uint64(0); i < n; i++ {
		idx := atomic.AddUint64(&p.rrCounter, 1) % n
		if u := p.upstreams[idx]; !u.Dead() {
			return u, nil
		}
	}
	return p.anyUpstream()
}

func (p *Pool) getMasterSlave() (*Upstream, error) {
	for _, u := range p.upstreams {
		if u.IsSlave && !u.Dead() {
			return u, nil
		}
	}
	for _, u := range p.upstreams {
		if !u.IsSlave && !u.Dead() {
			return u, nil
		}
	}
	return p.anyUpstream()
}

func (p *Pool) getConsistentHash(key string) (*Upstream, error) {
	addr := p.hasher.Lookup(key)
	for _, u := range p.upstreams {
		if u.Addr == addr && !u.Dead() {
			return u, nil
		}
	}
	return p.anyUpstream()
}

// anyUpstream is the "every one is dead" fallback: return whichever
// upstream comes first rather than fail a caller outright when nothing
// is healthy, unless the pool is truly empty.
func (p *Pool) anyUpstream() (*Upstream, error) {
	for _, u := range p.upstreams {
		if !u.Dead() {
			return u, nil
		}
	}
	if len(p.upstreams) > 0 {
		return p.upstreams[0], ErrNoLiveUpstream
	}
	return nil, ErrNoLiveUpstream
}

// Acquire selects a live upstream for key and returns its KV connection
// alongside the Upstream handle, so the caller can report Fail/Ok back
// against the exact peer it used.
func (p *Pool) Acquire(ctx context.Context, key string) (out.KV, *Upstream, error) {
	u, err := p.Get(ctx, key)
	if u == nil {
		return nil, nil, err
	}
	kv, dialErr := p.connFor(u.Addr)
	if dialErr != nil {
		return nil, u, dialErr
	}
	return kv, u, err
}

func (p *Pool) connFor(addr string) (out.KV, error) {
	p.mu.RLock()
	kv, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok {
		return kv, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if kv, ok := p.conns[addr]; ok {
		return kv, nil
	}
	kv, err := p.dial(addr)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = kv
	return kv, nil
}

// RotatePeer marks u failed and returns the next healthy upstream for
// retry, used by the fuzzy write queue on a failed sync batch.
func (p *Pool) RotatePeer(u *Upstream) (*Upstream, error) {
	u.Fail()
	return p.Get(context.Background(), "")
}
