// Package hub implements the cluster control plane: the authoritative
// channel/ACL/ban state, the global session table, the edge registry with
// its per-edge broadcast replay cache, and the control service terminating
// the Edge↔Hub RPC channel.
package hub

import (
	"sync"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// cachedBroadcast is one queued broadcast awaiting replay.
type cachedBroadcast struct {
	env      *rpc.Envelope
	queuedAt time.Time
}

// replayRing buffers broadcasts for an offline edge, FIFO with a size cap
// and a TTL. When full, the oldest entry is dropped first.
type replayRing struct {
	mu    sync.Mutex
	items []cachedBroadcast
	max   int
	ttl   time.Duration
}

func newReplayRing(max int, ttl time.Duration) *replayRing {
	return &replayRing{max: max, ttl: ttl}
}

// push queues one broadcast.
func (r *replayRing) push(env *rpc.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.max {
		r.items = r.items[1:]
	}
	r.items = append(r.items, cachedBroadcast{env: env, queuedAt: time.Now()})
}

// drain returns the still-fresh queued broadcasts in FIFO order and empties
// the ring. Expired entries are discarded.
func (r *replayRing) drain() []*rpc.Envelope {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rpc.Envelope, 0, len(r.items))
	for _, item := range r.items {
		if now.Sub(item.queuedAt) > r.ttl {
			continue
		}
		out = append(out, item.env)
	}
	r.items = nil
	return out
}

// len reports the queued count.
func (r *replayRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
