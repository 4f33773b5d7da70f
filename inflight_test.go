package kixdns

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInFlightRegistryFirstCallerIsLeader(t *testing.T) {
	r := newInFlightRegistry()
	f1, leader1 := r.leaderOrFollower(Fingerprint(1))
	require.True(t, leader1)

	f2, leader2 := r.leaderOrFollower(Fingerprint(1))
	assert.False(t, leader2)
	assert.Same(t, f1, f2)
}

func TestInFlightFollowerWaitsForLeaderComplete(t *testing.T) {
	r := newInFlightRegistry()
	flight, leader := r.leaderOrFollower(Fingerprint(1))
	require.True(t, leader)

	var wg sync.WaitGroup
	results := make([]*CacheEntry, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		follower, isLeader := r.leaderOrFollower(Fingerprint(1))
		require.False(t, isLeader)
		go func(idx int, f *inFlight) {
			defer wg.Done()
			entry, err := f.wait()
			require.NoError(t, err)
			results[idx] = entry
		}(i, follower)
	}

	want := &CacheEntry{QName: "example.com"}
	flight.complete(want, nil)
	r.release(Fingerprint(1))
	wg.Wait()

	for _, got := range results {
		assert.Same(t, want, got)
	}
}

func TestInFlightRegistryReleaseAllowsNewLeader(t *testing.T) {
	r := newInFlightRegistry()
	_, leader1 := r.leaderOrFollower(Fingerprint(1))
	require.True(t, leader1)
	r.release(Fingerprint(1))

	_, leader2 := r.leaderOrFollower(Fingerprint(1))
	assert.True(t, leader2)
}

func TestInFlightCompletePropagatesError(t *testing.T) {
	f := newInFlight()
	boom := assert.AnError
	go f.complete(nil, boom)

	entry, err := f.wait()
	assert.Nil(t, entry)
	assert.Equal(t, boom, err)
}
