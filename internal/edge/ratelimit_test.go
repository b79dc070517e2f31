package edge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBucketBurstAndDeny(t *testing.T) {
	b := newTokenBucket(1, 3)
	for i := 0; i < 3; i++ {
		assert.True(t, b.allow(), "burst token %d", i)
	}
	assert.False(t, b.allow())
}

func TestTokenBucketRefill(t *testing.T) {
	b := newTokenBucket(1000, 1)
	assert.True(t, b.allow())
	assert.False(t, b.allow())
	time.Sleep(5 * time.Millisecond)
	assert.True(t, b.allow())
}

func TestTokenBucketDefaults(t *testing.T) {
	b := newTokenBucket(0, 0)
	assert.Equal(t, float64(1), b.rate)
	assert.Equal(t, float64(1), b.burst)
}

func TestAuthTrackerCrossesLimit(t *testing.T) {
	tr := newAuthTracker(3, time.Minute)
	assert.False(t, tr.record("1.2.3.4"))
	assert.False(t, tr.record("1.2.3.4"))
	assert.True(t, tr.record("1.2.3.4"))
	// Other addresses are tracked independently.
	assert.False(t, tr.record("5.6.7.8"))
}

func TestAuthTrackerForget(t *testing.T) {
	tr := newAuthTracker(2, time.Minute)
	assert.False(t, tr.record("1.2.3.4"))
	tr.forget("1.2.3.4")
	assert.False(t, tr.record("1.2.3.4"))
}

func TestAuthTrackerWindowExpiry(t *testing.T) {
	tr := newAuthTracker(2, 5*time.Millisecond)
	assert.False(t, tr.record("1.2.3.4"))
	time.Sleep(10 * time.Millisecond)
	// The first attempt aged out of the window.
	assert.False(t, tr.record("1.2.3.4"))
}

func TestAuthTrackerDisabled(t *testing.T) {
	tr := newAuthTracker(0, time.Minute)
	for i := 0; i < 10; i++ {
		assert.False(t, tr.record("1.2.3.4"))
	}
}

func TestAuthTrackerSweep(t *testing.T) {
	tr := newAuthTracker(5, time.Millisecond)
	tr.record("1.2.3.4")
	time.Sleep(5 * time.Millisecond)
	tr.sweep()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.attempts)
}
