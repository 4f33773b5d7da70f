package kixdns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheLookupMiss(t *testing.T) {
	c := NewCache(100, nil)
	_, hit := c.Lookup(Fingerprint(1))
	assert.False(t, hit)
}

func TestCacheGetOrBeginInFlightLeaderThenComplete(t *testing.T) {
	c := NewCache(100, nil)
	fp := ComputeFingerprint("pipe", "example.com", dns.TypeA)

	entry, flight, isLeader := c.GetOrBeginInFlight(fp)
	assert.Nil(t, entry)
	require.NotNil(t, flight)
	assert.True(t, isLeader)

	want := &CacheEntry{Wire: []byte("resp"), QName: "example.com", Expiry: time.Now().Add(time.Minute)}
	c.Complete(fp, want, nil, true)

	got, hit := c.Lookup(fp)
	require.True(t, hit)
	assert.Equal(t, want.Wire, got.Wire)
}

func TestCacheCompleteWithoutStoreDoesNotPersist(t *testing.T) {
	c := NewCache(100, nil)
	fp := ComputeFingerprint("pipe", "fail.example.com", dns.TypeA)

	_, flight, isLeader := c.GetOrBeginInFlight(fp)
	require.True(t, isLeader)

	entry := &CacheEntry{Wire: []byte("servfail"), Expiry: time.Now().Add(time.Minute)}
	c.Complete(fp, entry, nil, false)
	_ = flight

	_, hit := c.Lookup(fp)
	assert.False(t, hit)
}

func TestCacheFollowerSeesLeaderResult(t *testing.T) {
	c := NewCache(100, nil)
	fp := ComputeFingerprint("pipe", "example.com", dns.TypeA)

	_, flight, isLeader := c.GetOrBeginInFlight(fp)
	require.True(t, isLeader)

	followerEntry, followerFlight, followerIsLeader := c.GetOrBeginInFlight(fp)
	assert.Nil(t, followerEntry)
	require.False(t, followerIsLeader)

	want := &CacheEntry{Wire: []byte("resp"), Expiry: time.Now().Add(time.Minute)}
	c.Complete(fp, want, nil, true)

	got, err := followerFlight.wait()
	require.NoError(t, err)
	assert.Equal(t, want.Wire, got.Wire)
	_ = flight
}

func TestCacheableRcode(t *testing.T) {
	assert.True(t, cacheableRcode(dns.RcodeSuccess))
	assert.True(t, cacheableRcode(dns.RcodeNameError))
	assert.False(t, cacheableRcode(dns.RcodeServerFailure))
	assert.False(t, cacheableRcode(dns.RcodeRefused))
}

func TestEffectiveTTLClampsToGlobalMinimum(t *testing.T) {
	ttl := effectiveTTL(10, true, 30, 0)
	assert.Equal(t, uint32(30), ttl)
}

func TestEffectiveTTLClampsToUpperBound(t *testing.T) {
	ttl := effectiveTTL(500, true, 0, 60)
	assert.Equal(t, uint32(60), ttl)
}

func TestEffectiveTTLFallsBackToNegativeTTLWhenNoRecordFound(t *testing.T) {
	ttl := effectiveTTL(0, false, 0, 0)
	assert.Equal(t, uint32(negativeTTL), ttl)
}

func TestCacheSizeAcrossShards(t *testing.T) {
	c := NewCache(1600, nil)
	for i := 0; i < 50; i++ {
		fp := ComputeFingerprint("pipe", string(rune('a'+i)), dns.TypeA)
		c.Complete(fp, &CacheEntry{Wire: []byte("x"), Expiry: time.Now().Add(time.Minute)}, nil, true)
	}
	assert.Equal(t, 50, c.Size())
}
