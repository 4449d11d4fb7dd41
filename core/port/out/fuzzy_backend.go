package out

import (
	"context"

	"github.com/contentguard/scanner/core/domain"
)

// FuzzyBackend is satisfied by both the embedded statfile-style store and
// the out-of-process KV store (§4.5: "two interchangeable back ends
// satisfy the same interface").
type FuzzyBackend interface {
	// Check looks up digest, returning the stored entry and true on hit.
	Check(ctx context.Context, digest [domain.DigestSize]byte) (*domain.FuzzyEntry, bool, error)
	// CheckShingles performs the majority-vote fallback lookup used when
	// the primary digest misses; it returns the winning entry and the
	// number of the 32 shingles that agreed on it.
	CheckShingles(ctx context.Context, shingles [domain.ShingleCount]uint64) (*domain.FuzzyEntry, int, error)
	// Write atomically increments value, sets flag, and refreshes expiry
	// for digest, and for each shingle (if any).
	Write(ctx context.Context, d domain.FuzzyDigest, flag uint16, value int32, ttl int64) error
	// Delete removes digest and its shingle index entries.
	Delete(ctx context.Context, d domain.FuzzyDigest) error
	// ExpireScan removes entries past their expiry and returns the count removed.
	ExpireScan(ctx context.Context) (int, error)
}
