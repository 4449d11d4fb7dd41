package domain

import "time"

// DigestSize is the byte length of a fuzzy digest (spec.md §3: "a 64-byte
// binary digest").
const DigestSize = 64

// ShingleCount is the number of auxiliary hashes carried by a shingle
// frame, used for near-duplicate retrieval when the primary digest misses.
const ShingleCount = 32

// FuzzyDigest identifies content for near-duplicate retrieval. The same
// normalized input must yield the same Digest bit-for-bit; Shingles is an
// unordered lattice, order carries no meaning.
type FuzzyDigest struct {
	Version  uint8
	Digest   [DigestSize]byte
	Shingles [ShingleCount]uint64
	HasShingles bool
}

// FuzzyEntry is the stored record behind one digest.
type FuzzyEntry struct {
	Digest     [DigestSize]byte
	Value      int32 // cumulative weight, signed
	Flag       uint16
	InsertedAt time.Time
	ExpireAt   time.Time
}

// Expired reports whether the entry should be reaped as of now.
func (e *FuzzyEntry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && now.After(e.ExpireAt)
}
