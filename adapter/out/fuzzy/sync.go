package fuzzy

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
	"github.com/contentguard/scanner/pkg/logger"
	"github.com/contentguard/scanner/pkg/upstream"
)

// pendingWrite is one queued mutation awaiting the next sync tick.
type pendingWrite struct {
	digest   domain.FuzzyDigest
	del      bool
	flag     uint16
	value    int32
	ttl      int64
	callback func(error)
}

// WriteQueue buffers fuzzy mutations and drains them transactionally
// against an out-of-process KV backend on a jittered timer (§4.5).
type WriteQueue struct {
	mu      sync.Mutex
	pending []pendingWrite

	kvPool      *upstream.Pool
	syncTimeout time.Duration
	countPrefix string
	expireTTL   time.Duration

	publisher     out.Publisher // peer-replication channel, may be nil
	publishTopic  string

	stop chan struct{}
}

func NewWriteQueue(kvPool *upstream.Pool, syncTimeout time.Duration, countPrefix string) *WriteQueue {
	return &WriteQueue{
		kvPool:      kvPool,
		syncTimeout: syncTimeout,
		countPrefix: countPrefix,
		stop:        make(chan struct{}),
	}
}

// WithPeerReplication configures the Pub/Sub channel every successfully
// committed batch is announced on, so other fuzzy workers watching the
// same topic can warm their local MemStore ahead of the next KV read
// instead of waiting for a cache miss. Optional; a WriteQueue with no
// publisher configured just skips the announcement.
func (q *WriteQueue) WithPeerReplication(p out.Publisher, topic string) *WriteQueue {
	q.publisher = p
	q.publishTopic = topic
	return q
}

// Enqueue adds a write/delete and returns once it has been queued; cb
// fires when the batch containing it is committed (or fails).
func (q *WriteQueue) Enqueue(d domain.FuzzyDigest, del bool, flag uint16, value int32, ttl int64, cb func(error)) {
	q.mu.Lock()
	q.pending = append(q.pending, pendingWrite{digest: d, del: del, flag: flag, value: value, ttl: ttl, callback: cb})
	q.mu.Unlock()
}

// Run drives the background sync timer until ctx is canceled. The
// interval is jittered ±25% around syncTimeout, per §4.5.
func (q *WriteQueue) Run(ctx context.Context) {
	for {
		wait := jitter(q.syncTimeout, 0.25)
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-time.After(wait):
			q.drain(ctx)
		}
	}
}

func (q *WriteQueue) Stop() { close(q.stop) }

func jitter(base time.Duration, frac float64) time.Duration {
	delta := float64(base) * frac
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

// drain flushes the queue as a single atomic transaction:
// MULTI -> per-hash {HSET flag, HINCRBY value, EXPIRE, INCR count} or
// {DEL, DECR count} -> per-shingle {SETEX} or {DEL} -> INCR
// <prefix||src> -> EXEC. On failure the upstream is marked failed, the
// peer is rotated, and the same batch is retried on the next tick.
func (q *WriteQueue) drain(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	kv, u, err := q.kvPool.Acquire(ctx, "")
	if err != nil {
		q.requeue(batch, err)
		return
	}

	txErr := kv.Multi(ctx, func(pipe out.Pipeliner) error {
		for _, w := range batch {
			key := digestKey(w.digest.Digest)
			if w.del {
				pipe.Del(key)
				pipe.Decr(q.countPrefix + "count")
				for _, sh := range w.digest.Shingles {
					pipe.Del(shingleKey(sh))
				}
				continue
			}
			pipe.HSet(key, map[string]any{"F": w.flag})
			pipe.HIncrBy(key, "V", int64(w.value))
			if w.ttl > 0 {
				pipe.Expire(key, time.Duration(w.ttl)*time.Second)
			}
			pipe.Incr(q.countPrefix + "count")
			if w.digest.HasShingles {
				for _, sh := range w.digest.Shingles {
					pipe.SetEX(shingleKey(sh), digestKey(w.digest.Digest), time.Duration(w.ttl)*time.Second)
				}
			}
		}
		pipe.Incr(q.countPrefix + "src")
		return nil
	})

	if txErr != nil {
		u.Fail()
		q.kvPool.RotatePeer(u)
		q.requeue(batch, txErr)
		return
	}

	u.Ok()
	for _, w := range batch {
		if w.callback != nil {
			w.callback(nil)
		}
	}
	q.announce(ctx, batch)
}

// announce publishes one event per committed digest onto the configured
// peer-replication channel. Publish failures are logged, not retried:
// the KV backend itself is already the source of truth peers converge
// on, so a dropped notification only delays that convergence by one
// sync interval rather than losing data.
func (q *WriteQueue) announce(ctx context.Context, batch []pendingWrite) {
	if q.publisher == nil {
		return
	}
	for _, w := range batch {
		payload := append([]byte{}, w.digest.Digest[:]...)
		if err := q.publisher.Publish(ctx, q.publishTopic, payload); err != nil {
			logger.WithError(err).Debug("fuzzy: peer replication announce failed")
		}
	}
}

func (q *WriteQueue) requeue(batch []pendingWrite, err error) {
	logger.WithError(err).Warn("fuzzy: sync batch failed, will retry next tick")
	q.mu.Lock()
	q.pending = append(batch, q.pending...)
	q.mu.Unlock()

	wrapped := apperr.BackendTransient("fuzzy-kv", err)
	for _, w := range batch {
		if w.callback != nil {
			w.callback(wrapped)
		}
	}
}

func digestKey(d [domain.DigestSize]byte) string {
	return "fz:" + hexDigest(d)
}

func hexDigest(d [domain.DigestSize]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 2*len(d))
	for i, b := range d {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}

func shingleKey(sh uint64) string {
	return "fzsgl:" + strconv.FormatUint(sh, 16)
}
