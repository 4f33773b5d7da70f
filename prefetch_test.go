package kixdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrefetchRecordAccessBecomesHotAtThreshold(t *testing.T) {
	cfg := defaultPrefetchConfig()
	cfg.HotThreshold = 3
	p := NewPrefetchManager(cfg, nil)
	key := Fingerprint(1)

	assert.False(t, p.RecordAccess(key, "a.com", dns.TypeA, "1.1.1.1:53"))
	assert.False(t, p.RecordAccess(key, "a.com", dns.TypeA, "1.1.1.1:53"))
	assert.True(t, p.RecordAccess(key, "a.com", dns.TypeA, "1.1.1.1:53"))
}

func TestPrefetchDisabledNeverReportsHot(t *testing.T) {
	cfg := defaultPrefetchConfig()
	cfg.Enabled = false
	cfg.HotThreshold = 1
	p := NewPrefetchManager(cfg, nil)
	assert.False(t, p.RecordAccess(Fingerprint(1), "a.com", dns.TypeA, "1.1.1.1:53"))
}

func TestPrefetchTryPrepareJobDebouncesPerKey(t *testing.T) {
	cfg := defaultPrefetchConfig()
	cfg.MinInterval = time.Hour
	p := NewPrefetchManager(cfg, nil)
	key := Fingerprint(1)

	require.True(t, p.TryPrepareJob(key))
	p.Release()
	assert.False(t, p.TryPrepareJob(key))
}

func TestPrefetchTryPrepareJobRespectsConcurrencyLimit(t *testing.T) {
	cfg := defaultPrefetchConfig()
	cfg.MinInterval = 0
	cfg.Concurrency = 1
	p := NewPrefetchManager(cfg, nil)

	require.True(t, p.TryPrepareJob(Fingerprint(1)))
	assert.False(t, p.TryPrepareJob(Fingerprint(2)))
	p.Release()
	assert.True(t, p.TryPrepareJob(Fingerprint(2)))
}

func TestPrefetchStats(t *testing.T) {
	cfg := defaultPrefetchConfig()
	cfg.HotThreshold = 2
	p := NewPrefetchManager(cfg, nil)
	p.RecordAccess(Fingerprint(1), "a.com", dns.TypeA, "1.1.1.1:53")
	p.RecordAccess(Fingerprint(1), "a.com", dns.TypeA, "1.1.1.1:53")
	p.RecordAccess(Fingerprint(2), "b.com", dns.TypeA, "1.1.1.1:53")

	stats := p.Stats()
	assert.Equal(t, 2, stats.TotalDomains)
	assert.Equal(t, 1, stats.HotDomains)
	assert.EqualValues(t, 3, stats.TotalAccesses)
}

func TestPrefetchRelatedJobsAddsAAAACompanion(t *testing.T) {
	p := NewPrefetchManager(defaultPrefetchConfig(), nil)
	jobs := p.RelatedJobs("pipe", "a.com", dns.TypeA, "1.1.1.1:53", true)
	require.Len(t, jobs, 1)
	assert.Equal(t, dns.TypeAAAA, jobs[0].QType)
}

func TestPrefetchRelatedJobsIncludesLearnedRelations(t *testing.T) {
	p := NewPrefetchManager(defaultPrefetchConfig(), nil)
	p.LearnCNAMEChain("pipe", "1.1.1.1:53", "a.com", []string{"edge.cdn.net"})

	jobs := p.RelatedJobs("pipe", "a.com", dns.TypeA, "1.1.1.1:53", false)
	require.Len(t, jobs, 1)
	assert.Equal(t, "edge.cdn.net", jobs[0].QName)
	assert.Equal(t, dns.TypeA, jobs[0].QType)
}
