package checkpoint

import (
	"sync"
	"time"

	"github.com/archon72/ledger/pkg/merkle"
)

type treeEntry struct {
	tree      *merkle.Tree
	expiresAt time.Time
}

func (e *treeEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// treeCache keeps rebuilt Merkle trees keyed by checkpoint number. Anchored
// ranges never change, so entries only leave the cache by expiry.
type treeCache struct {
	mu      sync.RWMutex
	entries map[uint64]*treeEntry
	ttl     time.Duration
	now     func() time.Time
}

func newTreeCache(ttl time.Duration) *treeCache {
	return &treeCache{
		entries: make(map[uint64]*treeEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *treeCache) get(number uint64) (*merkle.Tree, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[number]
	if !ok || e.expired(c.now()) {
		return nil, false
	}
	return e.tree, true
}

func (c *treeCache) set(number uint64, t *merkle.Tree) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[number] = &treeEntry{tree: t, expiresAt: c.now().Add(c.ttl)}
}

// evict removes expired entries and returns how many were dropped.
func (c *treeCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *treeCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
