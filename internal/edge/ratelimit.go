package edge

import (
	"sync"
	"time"
)

// tokenBucket throttles a single client's control messages. Tokens refill at
// rate per second up to burst; each message spends one.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func newTokenBucket(ratePerSec, burst int) *tokenBucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = ratePerSec
	}
	return &tokenBucket{
		rate:   float64(ratePerSec),
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// allow spends one token if available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// authTracker counts failed authentication attempts per address and decides
// when an address has earned a temporary ban.
type authTracker struct {
	mu        sync.Mutex
	attempts  map[string][]time.Time
	limit     int
	timeframe time.Duration
}

func newAuthTracker(limit int, timeframe time.Duration) *authTracker {
	return &authTracker{
		attempts:  make(map[string][]time.Time),
		limit:     limit,
		timeframe: timeframe,
	}
}

// record notes one failed attempt and reports whether the address crossed
// the limit within the timeframe.
func (t *authTracker) record(addr string) bool {
	if t.limit <= 0 {
		return false
	}
	now := time.Now()
	cutoff := now.Add(-t.timeframe)

	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.attempts[addr][:0]
	for _, at := range t.attempts[addr] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	kept = append(kept, now)
	t.attempts[addr] = kept
	return len(kept) >= t.limit
}

// forget clears an address, called after a successful login.
func (t *authTracker) forget(addr string) {
	t.mu.Lock()
	delete(t.attempts, addr)
	t.mu.Unlock()
}

// sweep drops addresses whose attempts all expired.
func (t *authTracker) sweep() {
	cutoff := time.Now().Add(-t.timeframe)
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, times := range t.attempts {
		live := false
		for _, at := range times {
			if at.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(t.attempts, addr)
		}
	}
}
