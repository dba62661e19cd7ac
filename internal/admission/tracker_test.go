package admission

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerCap(t *testing.T) {
	tr := NewTracker(3)

	for i := 0; i < 3; i++ {
		require.True(t, tr.Acquire("1.2.3.4"), "acquire %d", i)
	}
	assert.False(t, tr.Acquire("1.2.3.4"))
	assert.Equal(t, int64(3), tr.Count("1.2.3.4"))

	// Another IP is unaffected.
	assert.True(t, tr.Acquire("5.6.7.8"))

	// Releasing frees a slot for the capped IP.
	tr.Release("1.2.3.4")
	assert.True(t, tr.Acquire("1.2.3.4"))
}

func TestTrackerDeleteOnZero(t *testing.T) {
	tr := NewTracker(5)

	require.True(t, tr.Acquire("1.2.3.4"))
	require.True(t, tr.Acquire("1.2.3.4"))
	assert.Equal(t, 1, tr.Len())

	tr.Release("1.2.3.4")
	assert.Equal(t, 1, tr.Len())
	tr.Release("1.2.3.4")
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, int64(0), tr.Count("1.2.3.4"))
}

func TestTrackerReleaseUnknownIP(t *testing.T) {
	tr := NewTracker(5)
	tr.Release("9.9.9.9") // must not underflow or panic
	assert.Equal(t, int64(0), tr.Count("9.9.9.9"))
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerDisabled(t *testing.T) {
	tr := NewTracker(0)
	for i := 0; i < 1000; i++ {
		require.True(t, tr.Acquire("1.2.3.4"))
	}
}

func TestTrackerSetMax(t *testing.T) {
	tr := NewTracker(1)
	require.True(t, tr.Acquire("1.2.3.4"))
	require.False(t, tr.Acquire("1.2.3.4"))

	tr.SetMax(2)
	assert.Equal(t, int64(2), tr.Max())
	assert.True(t, tr.Acquire("1.2.3.4"))
	assert.False(t, tr.Acquire("1.2.3.4"))
}

func TestTrackerConcurrent(t *testing.T) {
	// Invariant: an IP's count never exceeds the cap, no matter how many
	// goroutines race on it.
	const cap = 10
	tr := NewTracker(cap)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for g := 0; g < 50; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Acquire("10.0.0.1") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, cap, acquired)
	assert.Equal(t, int64(cap), tr.Count("10.0.0.1"))
}

func TestTrackerManyIPsAcrossShards(t *testing.T) {
	tr := NewTracker(2)
	for i := 0; i < 500; i++ {
		ip := fmt.Sprintf("10.0.%d.%d", i/256, i%256)
		require.True(t, tr.Acquire(ip))
	}
	assert.Equal(t, 500, tr.Len())
}
