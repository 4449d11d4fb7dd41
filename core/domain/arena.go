package domain

import "sync"

// arenaSlabSize is the size of each []byte slab handed out by an Arena.
// Rule scratch space rarely needs more than a few hundred bytes; slabs
// are pooled rather than individually garbage-collected.
const arenaSlabSize = 4096

var slabPool = sync.Pool{
	New: func() any {
		b := make([]byte, arenaSlabSize)
		return &b
	},
}

// Arena is the task's per-task allocator. Every []byte handed out by
// Alloc is owned by the task; Release returns every slab to the shared
// pool. A task's invariant ("a task owns all allocations made for it;
// destroying the task releases them") is enforced by always routing
// rule scratch space through a task's Arena instead of ad hoc make([]byte).
type Arena struct {
	mu    sync.Mutex
	slabs [][]byte
}

// Alloc returns an n-byte scratch slice. For n larger than a slab it
// allocates directly (not pooled); callers needing many small
// allocations should batch through a single Alloc call.
func (a *Arena) Alloc(n int) []byte {
	if n > arenaSlabSize {
		return make([]byte, n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	slabPtr := slabPool.Get().(*[]byte)
	slab := (*slabPtr)[:n]
	a.slabs = append(a.slabs, *slabPtr)
	return slab
}

// Release returns every pooled slab acquired via Alloc back to the pool.
// Call exactly once, when the owning task is destroyed.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.slabs {
		s := s[:cap(s)]
		slabPool.Put(&s)
	}
	a.slabs = nil
}
