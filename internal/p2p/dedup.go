package p2p

import (
	"container/list"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// expectedMsgsPerPeriod estimates how many distinct gossip messages one
// peer forwards per heartbeat period, sizing the dedup cache at
// 4 * max_peers * expectedMsgsPerPeriod.
const expectedMsgsPerPeriod = 32

// dedupCache is a TTL-bounded LRU keyed by gossip message id: seen
// inserts the id if new, evicting the oldest entry once over capacity or
// whose TTL has lapsed on the next prune. A gossip message already in the
// cache is dropped rather than re-broadcast, bounding flood amplification.
type dedupCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	clock    clock.Clock

	order *list.List
	index map[string]*list.Element
}

type dedupEntry struct {
	id   string
	seen time.Time
}

func newDedupCache(maxPeers int, ttl time.Duration, clk clock.Clock) *dedupCache {
	capacity := 4 * maxPeers * expectedMsgsPerPeriod
	if capacity < 64 {
		capacity = 64
	}
	return &dedupCache{
		ttl:      ttl,
		capacity: capacity,
		clock:    clk,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// seen reports whether id has already been recorded; if not, it records
// it and returns false. Call this once per inbound gossip message before
// deciding whether to re-broadcast it.
func (c *dedupCache) seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.pruneLocked(now)

	if el, ok := c.index[id]; ok {
		c.order.MoveToFront(el)
		el.Value.(*dedupEntry).seen = now
		return true
	}

	el := c.order.PushFront(&dedupEntry{id: id, seen: now})
	c.index[id] = el
	for c.order.Len() > c.capacity {
		c.evictOldestLocked()
	}
	return false
}

func (c *dedupCache) pruneLocked(now time.Time) {
	for {
		back := c.order.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*dedupEntry)
		if now.Sub(entry.seen) < c.ttl {
			return
		}
		c.order.Remove(back)
		delete(c.index, entry.id)
	}
}

func (c *dedupCache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	c.order.Remove(back)
	delete(c.index, back.Value.(*dedupEntry).id)
}
