// Package statfile implements the embedded, file-backed persistence
// option for the fuzzy store (§4.5 "two interchangeable back ends...an
// embedded key-value file", §6.5 "Fuzzy store file: binary file with a
// versioned header, content-addressed by digest"). It satisfies the same
// core/port/out.FuzzyBackend interface as the out-of-process Redis-backed
// store so the fuzzy worker can be pointed at either one.
//
// The on-disk layout is a versioned header followed by an append-only
// log of write/delete records; Open replays the log into an in-memory
// index so reads never touch the disk. Once compactThreshold records have
// been appended, maybeCompactLocked rewrites the log to just the current
// entries. The lifecycle is grounded on the teacher's
// infra/database connection-lifecycle convention of open/ping/close with
// errors classified through pkg/apperr rather than returned raw.
package statfile

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/contentguard/scanner/core/domain"
	"github.com/contentguard/scanner/core/port/out"
	"github.com/contentguard/scanner/pkg/apperr"
)

var (
	errBadMagic           = errors.New("statfile: bad magic header")
	errUnsupportedVersion = errors.New("statfile: unsupported format version")
	errBadRecord          = errors.New("statfile: unrecognized record opcode")
	errUnhealthy          = errors.New("statfile: store marked unhealthy after a prior write failure")
)

// magic identifies the file format; version is bumped if the record
// layout ever changes.
var magic = [7]byte{'F', 'Z', 'S', 'T', 'O', 'R', 'E'}

const formatVersion = uint8(1)

const (
	opWrite byte = 'W'
	opDelete byte = 'D'
)

// compactThreshold is the number of appended records after which Store
// rewrites the log to hold only live entries, bounding replay time on
// the next Open.
const compactThreshold = 4096

// Store is a single-writer, file-backed out.FuzzyBackend. It is safe
// for concurrent readers once Open has returned; only one process may
// hold the file open for writing at a time (no file locking is
// attempted here, matching the single-dedicated-fuzzy-worker ownership
// model of spec.md §5).
type Store struct {
	mu   sync.RWMutex
	path string
	f    *os.File
	w    *bufio.Writer

	entries  map[[domain.DigestSize]byte]*domain.FuzzyEntry
	shingles map[uint64][domain.DigestSize]byte

	sinceCompact int
	healthy      bool
}

var _ out.FuzzyBackend = (*Store)(nil)

// Open opens (creating if absent) the store file at path and replays
// its log into memory. A corrupted header is a fatal-backend condition
// per §7: Open refuses to proceed rather than silently starting empty.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, apperr.BackendFatal("statfile", err)
	}

	s := &Store{
		path:     path,
		f:        f,
		entries:  make(map[[domain.DigestSize]byte]*domain.FuzzyEntry),
		shingles: make(map[uint64][domain.DigestSize]byte),
		healthy:  true,
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, apperr.BackendFatal("statfile", err)
	}
	if size == 0 {
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, apperr.BackendFatal("statfile", err)
		}
		if err := s.replay(f); err != nil {
			f.Close()
			return nil, err
		}
	}

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, apperr.BackendFatal("statfile", err)
	}
	s.w = bufio.NewWriter(f)
	return s, nil
}

func (s *Store) writeHeader() error {
	hdr := make([]byte, 0, len(magic)+1)
	hdr = append(hdr, magic[:]...)
	hdr = append(hdr, formatVersion)
	if _, err := s.f.Write(hdr); err != nil {
		return apperr.BackendFatal("statfile", err)
	}
	return nil
}

// replay reads the header and every record, reconstructing the
// in-memory index. A short or garbled header or record makes replay
// return a BackendFatal error (a bad magic or version also marks the
// store unhealthy); Open then closes the file and returns no store, so
// nothing parsed before the damage is kept.
func (s *Store) replay(r io.Reader) error {
	hdr := make([]byte, len(magic)+1)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return apperr.BackendFatal("statfile", err)
	}
	for i := range magic {
		if hdr[i] != magic[i] {
			s.healthy = false
			return apperr.BackendFatal("statfile", errBadMagic)
		}
	}
	if hdr[len(magic)] != formatVersion {
		s.healthy = false
		return apperr.BackendFatal("statfile", errUnsupportedVersion)
	}

	br := bufio.NewReader(r)
	for {
		op, err := br.ReadByte()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperr.BackendFatal("statfile", err)
		}
		switch op {
		case opWrite:
			var d [domain.DigestSize]byte
			if _, err := io.ReadFull(br, d[:]); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			var flag uint16
			var value int32
			var expireUnix int64
			var hasShingles uint8
			if err := binary.Read(br, binary.LittleEndian, &flag); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			if err := binary.Read(br, binary.LittleEndian, &value); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			if err := binary.Read(br, binary.LittleEndian, &expireUnix); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			if err := binary.Read(br, binary.LittleEndian, &hasShingles); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			var shingles [domain.ShingleCount]uint64
			if hasShingles != 0 {
				if err := binary.Read(br, binary.LittleEndian, &shingles); err != nil {
					return apperr.BackendFatal("statfile", err)
				}
			}
			e := &domain.FuzzyEntry{Digest: d, Value: value, Flag: flag}
			if expireUnix != 0 {
				e.ExpireAt = time.Unix(expireUnix, 0)
			}
			s.entries[d] = e
			if hasShingles != 0 {
				for _, sh := range shingles {
					s.shingles[sh] = d
				}
			}
		case opDelete:
			var d [domain.DigestSize]byte
			if _, err := io.ReadFull(br, d[:]); err != nil {
				return apperr.BackendFatal("statfile", err)
			}
			delete(s.entries, d)
			for sh, owner := range s.shingles {
				if owner == d {
					delete(s.shingles, sh)
				}
			}
		default:
			s.healthy = false
			return apperr.BackendFatal("statfile", errBadRecord)
		}
	}
}

func (s *Store) Check(ctx context.Context, digest [domain.DigestSize]byte) (*domain.FuzzyEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[digest]
	if !ok || e.Expired(time.Now()) {
		return nil, false, nil
	}
	return e, true, nil
}

func (s *Store) CheckShingles(ctx context.Context, shingles [domain.ShingleCount]uint64) (*domain.FuzzyEntry, int, error) {
	s.mu.RLock()
	votes := make(map[[domain.DigestSize]byte]int)
	for _, sh := range shingles {
		if d, ok := s.shingles[sh]; ok {
			votes[d]++
		}
	}
	s.mu.RUnlock()

	var winner [domain.DigestSize]byte
	best := 0
	for d, count := range votes {
		if count > best {
			best, winner = count, d
		}
	}
	const majority = domain.ShingleCount/2 + 1
	if best < majority {
		return nil, best, nil
	}
	entry, found, err := s.Check(ctx, winner)
	if err != nil || !found {
		return nil, best, err
	}
	return entry, best, nil
}

func (s *Store) Write(ctx context.Context, d domain.FuzzyDigest, flag uint16, value int32, ttl int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return apperr.BackendFatal("statfile", errUnhealthy)
	}

	now := time.Now()
	e, ok := s.entries[d.Digest]
	if !ok {
		e = &domain.FuzzyEntry{Digest: d.Digest, InsertedAt: now}
		s.entries[d.Digest] = e
	}
	e.Value += value
	e.Flag = flag
	if ttl > 0 {
		e.ExpireAt = now.Add(time.Duration(ttl) * time.Second)
	}
	if d.HasShingles {
		for _, sh := range d.Shingles {
			s.shingles[sh] = d.Digest
		}
	}

	var expireUnix int64
	if !e.ExpireAt.IsZero() {
		expireUnix = e.ExpireAt.Unix()
	}
	if err := s.appendWrite(d.Digest, e.Flag, e.Value, expireUnix, d); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

func (s *Store) Delete(ctx context.Context, d domain.FuzzyDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy {
		return apperr.BackendFatal("statfile", errUnhealthy)
	}
	delete(s.entries, d.Digest)
	for sh, owner := range s.shingles {
		if owner == d.Digest {
			delete(s.shingles, sh)
		}
	}
	if err := s.appendDelete(d.Digest); err != nil {
		return err
	}
	return s.maybeCompactLocked()
}

func (s *Store) ExpireScan(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	removed := 0
	for digest, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, digest)
			for sh, owner := range s.shingles {
				if owner == digest {
					delete(s.shingles, sh)
				}
			}
			if err := s.appendDelete(digest); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		if err := s.maybeCompactLocked(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Close flushes and closes the underlying file. Safe to call once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return apperr.BackendFatal("statfile", err)
	}
	return s.f.Close()
}

func (s *Store) appendWrite(digest [domain.DigestSize]byte, flag uint16, value int32, expireUnix int64, d domain.FuzzyDigest) error {
	if _, err := s.w.Write([]byte{opWrite}); err != nil {
		return s.fail(err)
	}
	if _, err := s.w.Write(digest[:]); err != nil {
		return s.fail(err)
	}
	if err := binary.Write(s.w, binary.LittleEndian, flag); err != nil {
		return s.fail(err)
	}
	if err := binary.Write(s.w, binary.LittleEndian, value); err != nil {
		return s.fail(err)
	}
	if err := binary.Write(s.w, binary.LittleEndian, expireUnix); err != nil {
		return s.fail(err)
	}
	hasShingles := uint8(0)
	if d.HasShingles {
		hasShingles = 1
	}
	if err := binary.Write(s.w, binary.LittleEndian, hasShingles); err != nil {
		return s.fail(err)
	}
	if d.HasShingles {
		if err := binary.Write(s.w, binary.LittleEndian, d.Shingles); err != nil {
			return s.fail(err)
		}
	}
	if err := s.w.Flush(); err != nil {
		return s.fail(err)
	}
	s.sinceCompact++
	return nil
}

func (s *Store) appendDelete(digest [domain.DigestSize]byte) error {
	if _, err := s.w.Write([]byte{opDelete}); err != nil {
		return s.fail(err)
	}
	if _, err := s.w.Write(digest[:]); err != nil {
		return s.fail(err)
	}
	if err := s.w.Flush(); err != nil {
		return s.fail(err)
	}
	s.sinceCompact++
	return nil
}

func (s *Store) fail(err error) error {
	s.healthy = false
	return apperr.BackendFatal("statfile", err)
}

// maybeCompactLocked rewrites the log to hold only the current entries
// once enough records have accumulated since the last compaction,
// bounding replay time. Caller holds s.mu.
func (s *Store) maybeCompactLocked() error {
	if s.sinceCompact < compactThreshold {
		return nil
	}

	tmpPath := s.path + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return apperr.BackendFatal("statfile", err)
	}

	bw := bufio.NewWriter(tmp)
	hdr := append(append([]byte{}, magic[:]...), formatVersion)
	if _, err := bw.Write(hdr); err != nil {
		tmp.Close()
		return apperr.BackendFatal("statfile", err)
	}

	shinglesByDigest := make(map[[domain.DigestSize]byte][]uint64)
	for sh, d := range s.shingles {
		shinglesByDigest[d] = append(shinglesByDigest[d], sh)
	}

	for digest, e := range s.entries {
		if _, err := bw.Write([]byte{opWrite}); err != nil {
			tmp.Close()
			return apperr.BackendFatal("statfile", err)
		}
		if _, err := bw.Write(digest[:]); err != nil {
			tmp.Close()
			return apperr.BackendFatal("statfile", err)
		}
		var expireUnix int64
		if !e.ExpireAt.IsZero() {
			expireUnix = e.ExpireAt.Unix()
		}
		binary.Write(bw, binary.LittleEndian, e.Flag)
		binary.Write(bw, binary.LittleEndian, e.Value)
		binary.Write(bw, binary.LittleEndian, expireUnix)
		shs := shinglesByDigest[digest]
		if len(shs) > 0 {
			var arr [domain.ShingleCount]uint64
			copy(arr[:], shs)
			binary.Write(bw, binary.LittleEndian, uint8(1))
			binary.Write(bw, binary.LittleEndian, arr)
		} else {
			binary.Write(bw, binary.LittleEndian, uint8(0))
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return apperr.BackendFatal("statfile", err)
	}
	tmp.Close()

	if err := s.w.Flush(); err != nil {
		return apperr.BackendFatal("statfile", err)
	}
	s.f.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return apperr.BackendFatal("statfile", err)
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0o600)
	if err != nil {
		return apperr.BackendFatal("statfile", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return apperr.BackendFatal("statfile", err)
	}
	s.f = f
	s.w = bufio.NewWriter(f)
	s.sinceCompact = 0
	return nil
}
