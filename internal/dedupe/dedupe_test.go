// ABOUTME: Tests for the inbound event dedupe tracker
// ABOUTME: Covers TTL expiry, tenant scoping, eviction order, and atomicity

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTracker_FirstDeliveryWins(t *testing.T) {
	tr := New(5*time.Minute, 100)
	defer tr.Close()

	assert.False(t, tr.Seen("t1", "evt-1"), "first delivery is new")
	assert.True(t, tr.Seen("t1", "evt-1"), "redelivery is a duplicate")
}

func TestTracker_TenantScoped(t *testing.T) {
	tr := New(5*time.Minute, 100)
	defer tr.Close()

	assert.False(t, tr.Seen("t1", "evt-1"))
	assert.False(t, tr.Seen("t2", "evt-1"), "same event id under another tenant is distinct")
}

func TestTracker_ExpiresAfterTTL(t *testing.T) {
	tr := New(10*time.Millisecond, 100)
	defer tr.Close()

	assert.False(t, tr.Seen("t1", "evt-1"))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.Seen("t1", "evt-1"), "expired entry is treated as new")
}

func TestTracker_EvictsOldestAtCapacity(t *testing.T) {
	tr := New(5*time.Minute, 3)
	defer tr.Close()

	tr.Seen("t1", "a")
	tr.Seen("t1", "b")
	tr.Seen("t1", "c")
	tr.Seen("t1", "d")

	assert.False(t, tr.Seen("t1", "a"), "oldest entry evicted")
	assert.True(t, tr.Seen("t1", "c"))
	assert.True(t, tr.Seen("t1", "d"))
}

func TestTracker_ForgetClearsMark(t *testing.T) {
	tr := New(5*time.Minute, 100)
	defer tr.Close()

	assert.False(t, tr.Seen("t1", "evt-1"))
	tr.Forget("t1", "evt-1")
	assert.False(t, tr.Seen("t1", "evt-1"), "forgotten entry is treated as new")

	// Forgetting an unknown key is a no-op.
	tr.Forget("t1", "never-seen")
	tr.Forget("t2", "evt-1")
	assert.True(t, tr.Seen("t1", "evt-1"), "other keys are untouched")
}

func TestTracker_SweepRemovesExpired(t *testing.T) {
	tr := New(10*time.Millisecond, 100)
	defer tr.Close()

	tr.Seen("t1", "a")
	tr.Seen("t1", "b")
	time.Sleep(20 * time.Millisecond)

	tr.sweep()

	tr.mu.Lock()
	remaining := len(tr.seen)
	tr.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestTracker_SeenIsAtomic(t *testing.T) {
	tr := New(5*time.Minute, 100)
	defer tr.Close()

	const goroutines = 100
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			if !tr.Seen("t1", "contested") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one delivery should be treated as new")
}

func TestTracker_Concurrent(t *testing.T) {
	tr := New(5*time.Minute, 1000)
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.Seen(fmt.Sprintf("tenant-%d", n%5), fmt.Sprintf("evt-%d", j))
			}
		}(i)
	}
	wg.Wait()

	tr.Close() // double close is safe
}
