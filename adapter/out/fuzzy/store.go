package fuzzy

import (
	"context"
	"sync"
	"time"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
)

// MajorityThreshold is the minimum number (out of 32) of shingles that
// must agree on the same candidate digest for the shingle fallback to
// report a hit (§4.5: "if more than 16 agree").
const MajorityThreshold = domain.ShingleCount/2 + 1

// MemStore is an in-process fuzzy store, used to back tests and as the
// local store inside the fuzzy worker's ReplicatedStore. It satisfies
// core/port/out.FuzzyBackend directly.
type MemStore struct {
	mu sync.RWMutex

	entries  map[[domain.DigestSize]byte]*domain.FuzzyEntry
	shingles map[uint64][domain.DigestSize]byte // shingle hash -> owning digest
}

func NewMemStore() *MemStore {
	return &MemStore{
		entries:  make(map[[domain.DigestSize]byte]*domain.FuzzyEntry),
		shingles: make(map[uint64][domain.DigestSize]byte),
	}
}

var _ out.FuzzyBackend = (*MemStore)(nil)

func (m *MemStore) Check(ctx context.Context, digest [domain.DigestSize]byte) (*domain.FuzzyEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[digest]
	if !ok || e.Expired(time.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

// CheckShingles retrieves the 32 candidate digests owning each shingle
// and majority-votes: if more than MajorityThreshold-1 agree on the same
// digest, it is re-checked and returned with the agreement count.
func (m *MemStore) CheckShingles(ctx context.Context, shingles [domain.ShingleCount]uint64) (*domain.FuzzyEntry, int, error) {
	m.mu.RLock()
	votes := make(map[[domain.DigestSize]byte]int)
	for _, sh := range shingles {
		if d, ok := m.shingles[sh]; ok {
			votes[d]++
		}
	}
	m.mu.RUnlock()

	var winner [domain.DigestSize]byte
	best := 0
	for d, count := range votes {
		if count > best {
			best, winner = count, d
		}
	}
	if best < MajorityThreshold {
		return nil, best, nil
	}
	entry, found, err := m.Check(ctx, winner)
	if err != nil || !found {
		return nil, best, err
	}
	return entry, best, nil
}

func (m *MemStore) Write(ctx context.Context, d domain.FuzzyDigest, flag uint16, value int32, ttl int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	e, ok := m.entries[d.Digest]
	if !ok {
		e = &domain.FuzzyEntry{Digest: d.Digest, InsertedAt: now}
		m.entries[d.Digest] = e
	}
	e.Value += value
	e.Flag = flag
	if ttl > 0 {
		e.ExpireAt = now.Add(time.Duration(ttl) * time.Second)
	}

	if d.HasShingles {
		for _, sh := range d.Shingles {
			m.shingles[sh] = d.Digest
		}
	}
	return nil
}

func (m *MemStore) Delete(ctx context.Context, d domain.FuzzyDigest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, d.Digest)
	if d.HasShingles {
		for _, sh := range d.Shingles {
			if owner, ok := m.shingles[sh]; ok && owner == d.Digest {
				delete(m.shingles, sh)
			}
		}
	}
	return nil
}

// ExpireScan removes entries past their expiry and reports the count
// removed, feeding the `fuzzy_hashes_expired` counter.
func (m *MemStore) ExpireScan(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	removed := 0
	for digest, e := range m.entries {
		if e.Expired(now) {
			delete(m.entries, digest)
			removed++
		}
	}
	return removed, nil
}
