package classifier

import (
	"container/list"
	"context"
	"sync"

	"github.com/contentguard/scanner/core/port/out"
)

// learnEntry is one cached learn verdict for a message digest.
type learnEntry struct {
	digest string
	isSpam bool
}

// LRUCache is a fixed-capacity, O(1) get/record in-process learn cache
// keyed by message digest, generalized from a plain response cache
// ("was this request already served") to "was this message already
// learned as X".
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewLRUCache builds a cache holding at most capacity entries.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 4096
	}
	return &LRUCache{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

var _ out.LearnCache = (*LRUCache)(nil)

// Check reports LearnCacheIgnore if digest was already learned as
// isSpam, LearnCacheUnlearn if it was learned as the opposite class,
// or LearnCacheMiss if it has never been learned.
func (c *LRUCache) Check(ctx context.Context, digest string, isSpam bool) (out.LearnCacheVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[digest]
	if !ok {
		return out.LearnCacheMiss, nil
	}
	c.order.MoveToFront(el)

	entry := el.Value.(*learnEntry)
	if entry.isSpam == isSpam {
		return out.LearnCacheIgnore, nil
	}
	return out.LearnCacheUnlearn, nil
}

// Record stores digest's verdict, evicting the least-recently-used
// entry if the cache is at capacity.
func (c *LRUCache) Record(ctx context.Context, digest string, isSpam bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[digest]; ok {
		el.Value.(*learnEntry).isSpam = isSpam
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&learnEntry{digest: digest, isSpam: isSpam})
	c.index[digest] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*learnEntry).digest)
	}
	return nil
}
