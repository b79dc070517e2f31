package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/metrics"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

var ErrRegistryFull = errors.New("hub: edge registry full")

// edgeLink is the registry record for one edge, online or not. The ring
// buffers broadcasts while the edge is away and is replayed on reattach.
type edgeLink struct {
	info core.EdgeInfo
	conn *rpc.Conn
	ring *replayRing
}

// Registry tracks the cluster's edges and fans broadcasts out to them.
// Broadcasts carry a hub-wide monotonic sequence; per-edge delivery order
// matches emission order, including replays.
type Registry struct {
	log        *slog.Logger
	maxEdges   int
	maxPerEdge int
	cacheTTL   time.Duration

	mu    sync.Mutex
	seq   uint64
	edges map[string]*edgeLink

	met *metrics.Metrics
}

func NewRegistry(maxEdges, maxPerEdge int, cacheTTL time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:        log,
		maxEdges:   maxEdges,
		maxPerEdge: maxPerEdge,
		cacheTTL:   cacheTTL,
		edges:      make(map[string]*edgeLink),
	}
}

// Attach registers an edge connection. Any broadcasts cached while the edge
// was away are replayed over conn, in order, before live broadcasts can
// interleave. Returns the number replayed.
func (r *Registry) Attach(info core.EdgeInfo, conn *rpc.Conn) (int, error) {
	var stale *rpc.Conn
	// Conn.Close runs the OnClose hook, which re-enters the registry;
	// never call it under the lock.
	defer func() {
		if stale != nil {
			stale.Close()
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	link := r.edges[info.EdgeID]
	if link == nil {
		if len(r.edges) >= r.maxEdges {
			return 0, fmt.Errorf("%w: %d edges", ErrRegistryFull, len(r.edges))
		}
		link = &edgeLink{ring: newReplayRing(r.maxPerEdge, r.cacheTTL)}
		r.edges[info.EdgeID] = link
	}
	if link.conn != nil && link.conn != conn {
		stale = link.conn
	}
	info.Online = true
	info.LastSeen = time.Now()
	link.info = info
	link.conn = conn

	replayed := link.ring.drain()
	for _, env := range replayed {
		if err := conn.Send(env); err != nil {
			r.log.Warn("replay send failed", "edge", info.EdgeID, "error", err)
			break
		}
	}
	return len(replayed), nil
}

// Detach marks the edge offline, keeping its replay cache. The conn pointer
// is compared so a stale pump death cannot knock out a fresh attachment.
func (r *Registry) Detach(edgeID string, conn *rpc.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.edges[edgeID]
	if link == nil || (conn != nil && link.conn != conn) {
		return false
	}
	link.conn = nil
	link.info.Online = false
	return true
}

// Remove drops the edge and its cache entirely.
func (r *Registry) Remove(edgeID string) {
	r.mu.Lock()
	var stale *rpc.Conn
	if link := r.edges[edgeID]; link != nil {
		stale = link.conn
	}
	delete(r.edges, edgeID)
	r.mu.Unlock()
	if stale != nil {
		stale.Close()
	}
}

// Heartbeat refreshes the edge's liveness and load.
func (r *Registry) Heartbeat(edgeID string, sessions int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.edges[edgeID]
	if link == nil {
		return false
	}
	link.info.LastSeen = time.Now()
	link.info.CurrentLoad = sessions
	return true
}

// Broadcast sends a sequenced notification to every edge. Offline edges get
// it queued in their replay cache.
func (r *Registry) Broadcast(method string, params interface{}) (uint64, error) {
	env, err := rpc.NewNotification(method, params)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	env.Sequence = r.seq
	for id, link := range r.edges {
		r.deliverLocked(id, link, env)
	}
	return env.Sequence, nil
}

// BroadcastExcept is Broadcast minus one edge, used when the originating
// edge has already applied the change locally.
func (r *Registry) BroadcastExcept(exceptEdge, method string, params interface{}) (uint64, error) {
	env, err := rpc.NewNotification(method, params)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	env.Sequence = r.seq
	for id, link := range r.edges {
		if id == exceptEdge {
			continue
		}
		r.deliverLocked(id, link, env)
	}
	return env.Sequence, nil
}

// Send delivers a sequenced notification to a single edge, caching it when
// the edge is offline.
func (r *Registry) Send(edgeID, method string, params interface{}) error {
	env, err := rpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.edges[edgeID]
	if link == nil {
		return fmt.Errorf("hub: unknown edge %q", edgeID)
	}
	r.seq++
	env.Sequence = r.seq
	r.deliverLocked(edgeID, link, env)
	return nil
}

// SetMetrics attaches the process instruments; nil leaves delivery uncounted.
func (r *Registry) SetMetrics(m *metrics.Metrics) {
	r.mu.Lock()
	r.met = m
	r.mu.Unlock()
}

func (r *Registry) deliverLocked(id string, link *edgeLink, env *rpc.Envelope) {
	if link.conn == nil || link.conn.Closed() {
		r.cacheLocked(link, env)
		return
	}
	if err := link.conn.Send(env); err != nil {
		r.log.Warn("broadcast send failed, caching", "edge", id, "error", err)
		r.cacheLocked(link, env)
		return
	}
	if r.met != nil {
		r.met.BroadcastsSent.Inc()
	}
}

func (r *Registry) cacheLocked(link *edgeLink, env *rpc.Envelope) {
	link.ring.push(env)
	if r.met != nil {
		r.met.BroadcastsCached.Inc()
	}
}

// Sequence returns the last emitted broadcast sequence.
func (r *Registry) Sequence() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Edges snapshots the registry records.
func (r *Registry) Edges() []core.EdgeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.EdgeInfo, 0, len(r.edges))
	for _, link := range r.edges {
		out = append(out, link.info)
	}
	return out
}

// OnlinePeers snapshots the online edges, excluding one.
func (r *Registry) OnlinePeers(exceptEdge string) []core.EdgeInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []core.EdgeInfo
	for id, link := range r.edges {
		if id != exceptEdge && link.info.Online {
			out = append(out, link.info)
		}
	}
	return out
}

// Info returns the registry record for one edge.
func (r *Registry) Info(edgeID string) (core.EdgeInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	link := r.edges[edgeID]
	if link == nil {
		return core.EdgeInfo{}, false
	}
	return link.info, true
}

// SweepStale marks edges offline whose last heartbeat predates now-timeout
// and returns them, so the caller can broadcast peerLeft and drop sessions.
func (r *Registry) SweepStale(timeout time.Duration) []core.EdgeInfo {
	cutoff := time.Now().Add(-timeout)
	r.mu.Lock()
	var stale []core.EdgeInfo
	var conns []*rpc.Conn
	for _, link := range r.edges {
		if link.info.Online && link.info.LastSeen.Before(cutoff) {
			link.info.Online = false
			if link.conn != nil {
				conns = append(conns, link.conn)
				link.conn = nil
			}
			stale = append(stale, link.info)
		}
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return stale
}
