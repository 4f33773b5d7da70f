package kixdns

import (
	"sync"
	"time"
)

// CacheEntry is the immutable record stored under a fingerprint. Once
// inserted it is never mutated; consumers patch the TXID into a copy (or
// the shared send buffer, which is safe since TXID is the first two bytes
// and every consumer overwrites the same two bytes with its own value).
type CacheEntry struct {
	Wire       []byte
	RCode      int
	Source     string // upstream identity that produced this entry
	QName      string
	QType      uint16
	PipelineID string
	Expiry     time.Time
}

func (e *CacheEntry) expired(now time.Time) bool {
	return !now.Before(e.Expiry)
}

// cacheItem is one node of the shard's intrusive doubly-linked LRU list,
// the same structure as the teacher's lru-cache.go generalized from a
// dns.Msg payload to a CacheEntry.
type cacheItem struct {
	key        Fingerprint
	entry      *CacheEntry
	prev, next *cacheItem
}

// cacheShard is one approximate-LRU partition of the overall cache. Sharding
// lets concurrent requests for different fingerprints proceed without
// contending on a single mutex.
type cacheShard struct {
	mu         sync.Mutex
	maxItems   int
	items      map[Fingerprint]*cacheItem
	head, tail *cacheItem
}

func newCacheShard(maxItems int) *cacheShard {
	head := new(cacheItem)
	tail := new(cacheItem)
	head.next = tail
	tail.prev = head
	return &cacheShard{
		maxItems: maxItems,
		items:    make(map[Fingerprint]*cacheItem),
		head:     head,
		tail:     tail,
	}
}

func (s *cacheShard) touch(key Fingerprint) *cacheItem {
	item := s.items[key]
	if item == nil {
		return nil
	}
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = s.head.next
	item.prev = s.head
	s.head.next.prev = item
	s.head.next = item
	return item
}

func (s *cacheShard) get(key Fingerprint, now time.Time) *CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.touch(key)
	if item == nil {
		return nil
	}
	if item.entry.expired(now) {
		s.removeLocked(item)
		return nil
	}
	return item.entry
}

func (s *cacheShard) put(key Fingerprint, entry *CacheEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item := s.touch(key); item != nil {
		item.entry = entry
		return
	}
	item := &cacheItem{key: key, entry: entry, next: s.head.next, prev: s.head}
	s.head.next.prev = item
	s.head.next = item
	s.items[key] = item
	s.resizeLocked()
}

func (s *cacheShard) removeLocked(item *cacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(s.items, item.key)
}

func (s *cacheShard) resizeLocked() {
	if s.maxItems <= 0 {
		return
	}
	for len(s.items) > s.maxItems {
		item := s.tail.prev
		if item == s.head {
			break
		}
		s.removeLocked(item)
	}
}

func (s *cacheShard) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
