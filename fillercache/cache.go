package fillercache

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the number of cached renderings process-wide.
const DefaultCapacity = 64

// DefaultTTL is how long a rendering stays usable before it is re-rendered.
const DefaultTTL = 30 * time.Minute

type key struct {
	voiceID  string
	language string
}

type entry struct {
	audio    []byte
	storedAt time.Time
}

// Cache holds pre-rendered "thinking" filler audio keyed by voice+language,
// shared read-only across sessions. Capacity is bounded with oldest-entry
// eviction; entries expire after a TTL. Concurrent writers for the same key
// race benignly — last writer wins, which is fine because every rendering of
// the same phrase set is interchangeable.
//
// Sessions retain the voice they use; retained voices are evicted only once
// no session references them.
type Cache struct {
	mu       sync.Mutex
	entries  map[key]entry
	refs     map[string]int // voiceID -> live session count
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		entries:  make(map[key]entry),
		refs:     make(map[string]int),
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Get returns the cached rendering for a voice+language, if present and
// fresh. Expired entries are removed on access.
func (c *Cache) Get(voiceID, language string) ([]byte, bool) {
	k := key{voiceID: voiceID, language: language}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, k)
		return nil, false
	}
	return e.audio, true
}

// Put stores a rendering, evicting the oldest entry for an unreferenced
// voice once capacity is reached. When every cached voice is still in use
// the cache is allowed to exceed capacity rather than drop live audio.
func (c *Cache) Put(voiceID, language string, audio []byte) {
	k := key{voiceID: voiceID, language: language}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[k] = entry{audio: audio, storedAt: c.now()}
}

func (c *Cache) evictOldestLocked() {
	var (
		oldestKey key
		oldestAt  time.Time
		found     bool
	)
	for k, e := range c.entries {
		if c.refs[k.voiceID] > 0 {
			continue
		}
		if !found || e.storedAt.Before(oldestAt) {
			oldestKey, oldestAt, found = k, e.storedAt, true
		}
	}
	if found {
		delete(c.entries, oldestKey)
	}
}

// Retain records that a session is using a voice, protecting its renderings
// from eviction.
func (c *Cache) Retain(voiceID string) {
	c.mu.Lock()
	c.refs[voiceID]++
	c.mu.Unlock()
}

// Release drops a session's reference to a voice. Once the count reaches
// zero the voice's renderings become evictable again.
func (c *Cache) Release(voiceID string) {
	c.mu.Lock()
	if c.refs[voiceID] > 0 {
		c.refs[voiceID]--
	}
	if c.refs[voiceID] == 0 {
		delete(c.refs, voiceID)
	}
	c.mu.Unlock()
}

// Len returns the number of cached renderings.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
