package kixdns

import (
	"hash/fnv"
	"time"

	"github.com/miekg/dns"
)

const numCacheShards = 16

// Cache is the fingerprint-keyed response cache: a sharded approximate-LRU
// store plus a single-flight in-flight registry, grounded on the teacher's
// Cache/lruCache pairing generalized from a per-resolver dns.Msg cache to a
// pipeline-wide wire-bytes cache keyed by Fingerprint.
type Cache struct {
	shards  [numCacheShards]*cacheShard
	flights *inFlightRegistry
	metrics *metrics
}

// NewCache builds a Cache with the given total capacity spread evenly
// across shards.
func NewCache(capacity uint64, m *metrics) *Cache {
	c := &Cache{flights: newInFlightRegistry(), metrics: m}
	perShard := int(capacity) / numCacheShards
	if perShard <= 0 && capacity > 0 {
		perShard = 1
	}
	for i := range c.shards {
		c.shards[i] = newCacheShard(perShard)
	}
	return c
}

func (c *Cache) shardFor(key Fingerprint) *cacheShard {
	h := fnv.New32a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(key >> (8 * i))
	}
	_, _ = h.Write(b[:])
	return c.shards[h.Sum32()%numCacheShards]
}

// Lookup returns Hit(entry)/Miss per §4.3. Expired entries are evicted and
// reported as a miss, never returned.
func (c *Cache) Lookup(key Fingerprint) (*CacheEntry, bool) {
	entry := c.shardFor(key).get(key, time.Now())
	if entry == nil {
		if c.metrics != nil {
			c.metrics.cacheMisses.Add(1)
		}
		return nil, false
	}
	if c.metrics != nil {
		c.metrics.cacheHits.Add(1)
	}
	return entry, true
}

// GetOrBeginInFlight implements the leader/follower single-flight protocol.
// The leader must eventually call Complete with the same key.
func (c *Cache) GetOrBeginInFlight(key Fingerprint) (entry *CacheEntry, flight *inFlight, isLeader bool) {
	if e, ok := c.Lookup(key); ok {
		return e, nil, false
	}
	f, leader := c.flights.leaderOrFollower(key)
	return nil, f, leader
}

// Complete resolves the in-flight registration for key, delivering entry to
// every waiting follower. store controls whether entry is also persisted
// into the cache shard: a non-cacheable rcode (SERVFAIL, REFUSED, a
// truncated UDP reply) still needs to reach followers so they don't each
// redo the upstream call, but must not outlive this one round (§4.3,
// testable property 7).
func (c *Cache) Complete(key Fingerprint, entry *CacheEntry, err error, store bool) {
	f, _ := c.flights.leaderOrFollower(key)
	if entry != nil && store {
		c.shardFor(key).put(key, entry)
	}
	f.complete(entry, err)
	c.flights.release(key)
}

// Size returns the total number of cached entries across all shards.
func (c *Cache) Size() int {
	total := 0
	for _, s := range c.shards {
		total += s.size()
	}
	return total
}

const (
	negativeTTL = 60
)

// cacheableRcode reports whether a response rcode may be cached at all, per
// §4.3: only NOERROR and NXDOMAIN are cacheable; everything else (including
// SERVFAIL, REFUSED) is excluded from the cache even though the error kinds
// for those are handled separately at the transport layer.
func cacheableRcode(rcode int) bool {
	return rcode == dns.RcodeSuccess || rcode == dns.RcodeNameError
}

// effectiveTTL clamps the response's minimum TTL to [minTTLGlobal, upperBound],
// falling back to negativeTTL when the response carries no TTL-bearing
// record (e.g. a bare NXDOMAIN with no SOA).
func effectiveTTL(minTTLFromResponse uint32, foundTTL bool, minTTLGlobal uint32, upperBound uint32) uint32 {
	ttl := minTTLFromResponse
	if !foundTTL {
		ttl = negativeTTL
	}
	if ttl < minTTLGlobal {
		ttl = minTTLGlobal
	}
	if upperBound > 0 && ttl > upperBound {
		ttl = upperBound
	}
	return ttl
}
