package fuzzy

import (
	"context"
	"time"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/logger"
)

// ReplicatedStore is the fuzzy worker's authoritative backend: reads and
// the local write go straight to an in-process MemStore so Check never
// waits on the network, while every mutation is also enqueued onto a
// WriteQueue that replicates it to the shared KV backend on its own
// jittered timer (§4.5's "owned by a dedicated fuzzy worker" model, where
// peer workers converge by reading that same KV backend).
type ReplicatedStore struct {
	local *MemStore
	queue *WriteQueue
}

func NewReplicatedStore(local *MemStore, queue *WriteQueue) *ReplicatedStore {
	return &ReplicatedStore{local: local, queue: queue}
}

var _ out.FuzzyBackend = (*ReplicatedStore)(nil)

func (r *ReplicatedStore) Check(ctx context.Context, digest [domain.DigestSize]byte) (*domain.FuzzyEntry, bool, error) {
	return r.local.Check(ctx, digest)
}

func (r *ReplicatedStore) CheckShingles(ctx context.Context, shingles [domain.ShingleCount]uint64) (*domain.FuzzyEntry, int, error) {
	return r.local.CheckShingles(ctx, shingles)
}

func (r *ReplicatedStore) Write(ctx context.Context, d domain.FuzzyDigest, flag uint16, value int32, ttl int64) error {
	if err := r.local.Write(ctx, d, flag, value, ttl); err != nil {
		return err
	}
	r.queue.Enqueue(d, false, flag, value, ttl, r.logReplicationFailure(d))
	return nil
}

func (r *ReplicatedStore) Delete(ctx context.Context, d domain.FuzzyDigest) error {
	if err := r.local.Delete(ctx, d); err != nil {
		return err
	}
	r.queue.Enqueue(d, true, 0, 0, 0, r.logReplicationFailure(d))
	return nil
}

func (r *ReplicatedStore) ExpireScan(ctx context.Context) (int, error) {
	return r.local.ExpireScan(ctx)
}

func (r *ReplicatedStore) logReplicationFailure(d domain.FuzzyDigest) func(error) {
	return func(err error) {
		if err != nil {
			logger.WithField("digest", hexDigest(d.Digest)).WithError(err).Warn("fuzzy: replication failed, entry stays local-only until the next sync tick")
		}
	}
}

// RunExpiry periodically scans local for expired entries until ctx is
// canceled, the local-store half of the fuzzy worker's TTL expiry duty.
func (r *ReplicatedStore) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.local.ExpireScan(ctx)
			if err != nil {
				logger.WithError(err).Warn("fuzzy: expire scan failed")
				continue
			}
			if removed > 0 {
				logger.WithField("removed", removed).Debug("fuzzy: expired entries reaped")
			}
		}
	}
}
