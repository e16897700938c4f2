// ABOUTME: Tests for the expiring dedupe cache
// ABOUTME: Validates deadlines, replay detection, eviction order, sweeping and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

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

func newTestCache(maxSize int) (*Cache, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(Config{MaxSize: maxSize, Now: clock.Now, CleanupInterval: time.Hour}), clock
}

func TestCache_Remember_NewKey(t *testing.T) {
	cache, clock := newTestCache(10)
	defer cache.Close()

	assert.False(t, cache.Remember("sig", clock.Now().Add(time.Minute)))
	assert.True(t, cache.Seen("sig"))
}

func TestCache_Remember_Replay(t *testing.T) {
	cache, clock := newTestCache(10)
	defer cache.Close()

	until := clock.Now().Add(time.Minute)
	cache.Remember("sig", until)
	assert.True(t, cache.Remember("sig", until))

	// The deadline itself is still inside the window.
	clock.Advance(time.Minute)
	assert.True(t, cache.Remember("sig", until))
}

func TestCache_Remember_AfterDeadline(t *testing.T) {
	cache, clock := newTestCache(10)
	defer cache.Close()

	cache.Remember("sig", clock.Now().Add(time.Minute))
	clock.Advance(time.Minute + time.Nanosecond)

	assert.False(t, cache.Seen("sig"))
	assert.False(t, cache.Remember("sig", clock.Now().Add(time.Minute)), "expired entries can be reused")
	assert.Equal(t, 1, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache, clock := newTestCache(3)
	defer cache.Close()

	until := clock.Now().Add(time.Hour)
	for i := range 4 {
		cache.Remember(fmt.Sprintf("k%d", i), until)
	}

	assert.Equal(t, 3, cache.Len())
	assert.False(t, cache.Seen("k0"), "oldest entry is evicted first")
	assert.True(t, cache.Seen("k1"))
	assert.True(t, cache.Seen("k3"))
}

func TestCache_EvictionIgnoresDeadlines(t *testing.T) {
	cache, clock := newTestCache(2)
	defer cache.Close()

	now := clock.Now()
	cache.Remember("first", now.Add(time.Hour))
	cache.Remember("second", now.Add(time.Minute))
	cache.Remember("third", now.Add(time.Second))

	assert.False(t, cache.Seen("first"), "the earliest inserted entry goes, whatever its deadline")
	assert.True(t, cache.Seen("second"))
	assert.True(t, cache.Seen("third"))
}

func TestCache_RemoveExpired(t *testing.T) {
	cache, clock := newTestCache(10)
	defer cache.Close()

	cache.Remember("short", clock.Now().Add(time.Second))
	cache.Remember("long", clock.Now().Add(time.Hour))
	clock.Advance(time.Minute)

	cache.removeExpired()
	assert.Equal(t, 1, cache.Len())
	assert.True(t, cache.Seen("long"))
}

func TestCache_Concurrent(t *testing.T) {
	cache, clock := newTestCache(1000)
	defer cache.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	until := clock.Now().Add(time.Minute)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.Remember("same-signature", until) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one caller may use a signature")
}

func TestCache_Close(t *testing.T) {
	cache := New(Config{})
	cache.Close()
	cache.Close()
}

func TestCache_Defaults(t *testing.T) {
	cache := New(Config{})
	defer cache.Close()
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}
