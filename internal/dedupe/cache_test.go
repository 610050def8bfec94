// ABOUTME: Tests for the TTL cache of recently settled keys.
// ABOUTME: Validates outcomes, TTL expiration, size limits, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, maxSize int) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cache := New(ttl, maxSize)
	cache.now = clock.Now
	t.Cleanup(cache.Close)
	return cache, clock
}

func TestCache_LookupNotSeen(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	_, ok := cache.Lookup("never-seen-key")
	assert.False(t, ok)
}

func TestCache_MarkAndLookup(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 100)

	cache.Mark("cmd-1", "resolved")

	got, ok := cache.Lookup("cmd-1")
	require.True(t, ok)
	assert.Equal(t, "resolved", got)

	cache.Mark("cmd-1", "timed_out")
	got, _ = cache.Lookup("cmd-1")
	assert.Equal(t, "timed_out", got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Expired(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Mark("expiring-key", "resolved")
	_, ok := cache.Lookup("expiring-key")
	assert.True(t, ok)

	clock.Advance(2 * time.Minute)

	_, ok = cache.Lookup("expiring-key")
	assert.False(t, ok)
}

func TestCache_MarkOverwrites(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Mark("k", "timed_out")
	clock.Advance(30 * time.Second)
	cache.Mark("k", "resolved")

	got, ok := cache.Lookup("k")
	require.True(t, ok)
	assert.Equal(t, "resolved", got)
	assert.Equal(t, 1, cache.Len())

	// The overwrite refreshed the timestamp.
	clock.Advance(45 * time.Second)
	_, ok = cache.Lookup("k")
	assert.True(t, ok)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 3)

	for i := 1; i <= 4; i++ {
		cache.Mark(fmt.Sprintf("key-%d", i), "resolved")
	}

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Lookup("key-1")
	assert.False(t, ok, "oldest key should be evicted")
	_, ok = cache.Lookup("key-4")
	assert.True(t, ok)
}

func TestCache_RunCleanup(t *testing.T) {
	cache, clock := newTestCache(t, time.Minute, 100)

	cache.Mark("old-1", "resolved")
	cache.Mark("old-2", "resolved")
	clock.Advance(90 * time.Second)
	cache.Mark("fresh", "resolved")

	cache.runCleanup()

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Lookup("fresh")
	assert.True(t, ok)
}

func TestCache_CloseIsIdempotent(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_ConcurrentAccess(t *testing.T) {
	cache, _ := newTestCache(t, 5*time.Minute, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d-%d", i, j)
				cache.Mark(key, "resolved")
				cache.Lookup(key)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1000, cache.Len())
}
