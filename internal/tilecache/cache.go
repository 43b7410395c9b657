// Package tilecache implements the bounded, hard-byte-cap tile cache
// that sits in front of the vfs package. It generalizes the mutex+map
// idiom of the ancestor's pkg/auth.NonceCache: instead of TTL-based
// eviction it evicts least-recently-used entries whenever an insert
// would push the cache over its byte budget.
package tilecache

import (
	"container/list"
	"sync"

	"github.com/i5heu/gridstore/pkg/types"
)

type entry struct {
	key   types.TileKey
	bytes []byte
}

// Cache is a strict byte-budget LRU keyed by tile identity. It never
// exceeds capacityBytes; a single tile larger than the whole budget is
// simply not cached rather than blowing the cap.
type Cache struct {
	mu       sync.Mutex
	ll       *list.List
	index    map[types.TileKey]*list.Element
	capacity int64
	used     int64

	hits   uint64
	misses uint64
}

// New builds a Cache with the given byte budget. A capacity of 0
// disables caching: every Read is a miss and every Insert is a no-op.
func New(capacityBytes int64) *Cache {
	return &Cache{
		ll:       list.New(),
		index:    make(map[types.TileKey]*list.Element),
		capacity: capacityBytes,
	}
}

// Read returns the cached bytes for key, promoting it to
// most-recently-used on a hit.
func (c *Cache) Read(key types.TileKey) (buf []byte, hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	e := el.Value.(*entry)
	out := make([]byte, len(e.bytes))
	copy(out, e.bytes)
	return out, true
}

// Insert stores buf under key, evicting least-recently-used entries
// until the cache fits within its byte budget. If buf alone exceeds
// the budget it is not stored; this is not an error, matching spec
// invariant that the cache never grows past its configured cap.
func (c *Cache) Insert(key types.TileKey, buf []byte) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		old := el.Value.(*entry)
		c.used -= int64(len(old.bytes))
		c.ll.Remove(el)
		delete(c.index, key)
	}

	size := int64(len(buf))
	if size > c.capacity {
		return
	}

	for c.used+size > c.capacity && c.ll.Len() > 0 {
		back := c.ll.Back()
		be := back.Value.(*entry)
		c.used -= int64(len(be.bytes))
		c.ll.Remove(back)
		delete(c.index, be.key)
	}

	stored := make([]byte, len(buf))
	copy(stored, buf)
	el := c.ll.PushFront(&entry{key: key, bytes: stored})
	c.index[key] = el
	c.used += size
}

// Invalidate drops key from the cache if present, used when a fragment
// is retired by the consolidator and its tiles must not be served
// stale from cache.
func (c *Cache) Invalidate(key types.TileKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		e := el.Value.(*entry)
		c.used -= int64(len(e.bytes))
		c.ll.Remove(el)
		delete(c.index, key)
	}
}

// InvalidatePrefix drops every cached tile whose URI starts with uri,
// used when an entire fragment is removed.
func (c *Cache) InvalidatePrefix(uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		if hasPrefix(e.key.URI, uri) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		e := el.Value.(*entry)
		c.used -= int64(len(e.bytes))
		c.ll.Remove(el)
		delete(c.index, e.key)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Stats reports current cache occupancy and hit/miss counters, exposed
// through the Storage Manager's stats surface.
type Stats struct {
	UsedBytes     int64
	CapacityBytes int64
	Entries       int
	Hits          uint64
	Misses        uint64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		UsedBytes:     c.used,
		CapacityBytes: c.capacity,
		Entries:       c.ll.Len(),
		Hits:          c.hits,
		Misses:        c.misses,
	}
}
