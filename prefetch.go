package kixdns

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// PrefetchEntry records access statistics for a fingerprint, grounded on
// the original implementation's PrefetchEntry/PrefetchManager (prefetch.rs)
// generalized from a single global hash map with a dropped receiver into a
// real job-dispatching manager, in the spirit of the teacher's
// CachePrefetch poll loop.
type PrefetchEntry struct {
	QName       string
	QType       uint16
	Upstream    string
	AccessCount uint64
	FirstAccess time.Time
	LastAccess  time.Time
}

// PrefetchConfig mirrors the original implementation's defaults exactly.
type PrefetchConfig struct {
	Enabled      bool
	HotThreshold uint64
	TTLRatio     float64
	Concurrency  int
	MinInterval  time.Duration
}

func defaultPrefetchConfig() PrefetchConfig {
	return PrefetchConfig{
		Enabled:      true,
		HotThreshold: 10,
		TTLRatio:     0.3,
		Concurrency:  5,
		MinInterval:  30 * time.Second,
	}
}

// PrefetchJob is a unit of work dispatched to the prefetch worker pool: a
// cache-refresh of qname/qtype against upstream, run with the cache-write
// side effect but no client response.
type PrefetchJob struct {
	PipelineID string
	QName      string
	QType      uint16
	Upstream   string
}

// PrefetchManager tracks hot fingerprints and CDN relations, and dispatches
// refresh jobs bounded by a concurrency semaphore and a per-fingerprint
// min-interval debounce, per §4.4.
type PrefetchManager struct {
	cfg PrefetchConfig

	mu           sync.Mutex
	hot          map[Fingerprint]*PrefetchEntry
	lastPrefetch map[Fingerprint]time.Time

	relations *cdnRelationCache

	sem  chan struct{}
	hits *metrics
}

func NewPrefetchManager(cfg PrefetchConfig, m *metrics) *PrefetchManager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &PrefetchManager{
		cfg:          cfg,
		hot:          make(map[Fingerprint]*PrefetchEntry),
		lastPrefetch: make(map[Fingerprint]time.Time),
		relations:    newCDNRelationCache(),
		sem:          make(chan struct{}, cfg.Concurrency),
		hits:         m,
	}
}

// RecordAccess increments the access counter for key and reports whether it
// has crossed hot_threshold, mirroring PrefetchManager::record_access.
func (p *PrefetchManager) RecordAccess(key Fingerprint, qname string, qtype uint16, upstream string) (hot bool) {
	if !p.cfg.Enabled {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.hot[key]
	if !ok {
		e = &PrefetchEntry{QName: qname, QType: qtype, Upstream: upstream, FirstAccess: time.Now()}
		p.hot[key] = e
	}
	e.AccessCount++
	e.LastAccess = time.Now()
	return e.AccessCount >= p.cfg.HotThreshold
}

// TryPrepareJob returns true iff prefetch is enabled, the per-key debounce
// interval has elapsed, and a concurrency slot is available. On true, the
// caller owns the slot and must call Release when the job completes.
func (p *PrefetchManager) TryPrepareJob(key Fingerprint) bool {
	if !p.cfg.Enabled {
		return false
	}
	p.mu.Lock()
	last, ok := p.lastPrefetch[key]
	if ok && time.Since(last) < p.cfg.MinInterval {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	default:
		return false
	}

	p.mu.Lock()
	p.lastPrefetch[key] = time.Now()
	p.mu.Unlock()
	return true
}

// Release returns a concurrency slot acquired via TryPrepareJob.
func (p *PrefetchManager) Release() {
	select {
	case <-p.sem:
	default:
	}
}

// PrefetchStats mirrors the original's get_stats.
type PrefetchStats struct {
	TotalDomains  int
	HotDomains    int
	TotalAccesses uint64
}

func (p *PrefetchManager) Stats() PrefetchStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total uint64
	hot := 0
	for _, e := range p.hot {
		total += e.AccessCount
		if e.AccessCount >= p.cfg.HotThreshold {
			hot++
		}
	}
	return PrefetchStats{TotalDomains: len(p.hot), HotDomains: hot, TotalAccesses: total}
}

// RelatedJobs computes the supplementary prefetch jobs to raise on a
// successful slow-path response, per §4.4: an AAAA companion job for A
// queries, plus one job per domain in the learned CDN relation set.
func (p *PrefetchManager) RelatedJobs(pipelineID, qname string, qtype uint16, upstream string, ipv6OnIPv4 bool) []PrefetchJob {
	var jobs []PrefetchJob
	if qtype == dns.TypeA && ipv6OnIPv4 {
		jobs = append(jobs, PrefetchJob{PipelineID: pipelineID, QName: qname, QType: dns.TypeAAAA, Upstream: upstream})
	}
	for _, related := range p.relations.get(pipelineID, upstream, qname) {
		jobs = append(jobs, PrefetchJob{PipelineID: pipelineID, QName: related, QType: qtype, Upstream: upstream})
	}
	return jobs
}

// LearnCNAMEChain updates the CDN relation cache from a successful
// response's CNAME chain, bounded by depth 8 and fan-out 32 (§4.4, §9).
func (p *PrefetchManager) LearnCNAMEChain(pipelineID, upstream, origin string, chain []string) {
	p.relations.learn(pipelineID, upstream, origin, chain)
}
