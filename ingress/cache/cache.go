// Package cache implements the decision cache: a TTL-bounded, sharded store
// of prior policy decisions keyed by client IP (optionally plus requested
// host), used to avoid a boundary round trip for repeat connections.
package cache

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// Granularity selects whether cache keys include the requested host.
type Granularity int

const (
	GranularityIP Granularity = iota
	GranularityIPHost
)

const shardCount = 16

// Entry is a cached decision: either opaque decision data to replay, or a
// rejection recorded so the next connection from the same key is refused
// without a boundary round trip at all.
type Entry struct {
	Data         json.RawMessage
	IsRejection  bool
	RejectReason string
	expiresAt    time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Cache is a sharded, TTL-expiring decision cache.
type Cache struct {
	shards [shardCount]*shard
}

// New builds an empty Cache.
func New() *Cache {
	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]Entry)}
	}
	return c
}

func key(ip string, host string, granularity Granularity) string {
	if granularity == GranularityIP {
		return "ip:" + ip
	}
	if host == "" {
		host = "default"
	}
	return "ip:" + ip + ":host:" + host
}

func (c *Cache) shardFor(k string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached entry for (ip, host) under granularity, if present
// and not expired. An expired entry is lazily evicted: the read lock is
// released before the write lock is taken to remove it (an RWMutex cannot
// be upgraded in place), and the entry is checked again under the write
// lock so a fresh Set that raced the eviction is not deleted.
func (c *Cache) Get(ip, host string, granularity Granularity) (Entry, bool) {
	k := key(ip, host, granularity)
	sh := c.shardFor(k)

	sh.mu.RLock()
	entry, ok := sh.entries[k]
	sh.mu.RUnlock()

	if !ok {
		return Entry{}, false
	}
	if time.Now().Before(entry.expiresAt) {
		return entry, true
	}

	sh.mu.Lock()
	if current, stillThere := sh.entries[k]; stillThere && !current.expiresAt.After(time.Now()) {
		delete(sh.entries, k)
	}
	sh.mu.Unlock()
	return Entry{}, false
}

// Set stores a decision under (ip, host, granularity) with the given TTL.
func (c *Cache) Set(ip, host string, granularity Granularity, ttl time.Duration, data json.RawMessage) {
	c.store(ip, host, granularity, ttl, Entry{Data: data})
}

// SetRejection stores a rejection decision under (ip, host, granularity).
func (c *Cache) SetRejection(ip, host string, granularity Granularity, ttl time.Duration, reason string) {
	c.store(ip, host, granularity, ttl, Entry{IsRejection: true, RejectReason: reason})
}

func (c *Cache) store(ip, host string, granularity Granularity, ttl time.Duration, entry Entry) {
	entry.expiresAt = time.Now().Add(ttl)
	k := key(ip, host, granularity)
	sh := c.shardFor(k)

	sh.mu.Lock()
	sh.entries[k] = entry
	sh.mu.Unlock()
}

// Clear removes the entry for (ip, host, granularity), if any.
func (c *Cache) Clear(ip, host string, granularity Granularity) {
	k := key(ip, host, granularity)
	sh := c.shardFor(k)

	sh.mu.Lock()
	delete(sh.entries, k)
	sh.mu.Unlock()
}

// Cleanup sweeps every shard and removes all expired entries, returning the
// number removed. This backs the boundary's explicit cleanup-cache operation
// in addition to the lazy per-Get expiry.
func (c *Cache) Cleanup() int {
	now := time.Now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, entry := range sh.entries {
			if !entry.expiresAt.After(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	TotalEntries   int `json:"total_entries"`
	ExpiredEntries int `json:"expired_entries"`
}

// Stats reports the current entry count and how many are already expired
// but not yet swept.
func (c *Cache) Stats() Stats {
	var stats Stats
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.RLock()
		stats.TotalEntries += len(sh.entries)
		for _, entry := range sh.entries {
			if !entry.expiresAt.After(now) {
				stats.ExpiredEntries++
			}
		}
		sh.mu.RUnlock()
	}
	return stats
}
