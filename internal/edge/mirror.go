// Package edge implements a voice-plane node of the cluster: it terminates
// client TLS and UDP, mirrors the hub's authoritative state, and routes
// voice between local clients and peer edges.
package edge

import (
	"sync"

	"github.com/murmurgrid/murmurgrid/internal/ban"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// Mirror is the edge's read-mostly copy of hub state. It is rebuilt from a
// full sync on every (re)connect and advanced by sequenced broadcasts in
// between. All lookups return copies or pointers that must be treated as
// read-only.
type Mirror struct {
	mu       sync.RWMutex
	channels map[uint32]*core.Channel
	sessions map[uint32]*core.Session
	peers    map[string]core.EdgeInfo
	sequence uint64

	bans *ban.Cache
}

func NewMirror() *Mirror {
	return &Mirror{
		channels: make(map[uint32]*core.Channel),
		sessions: make(map[uint32]*core.Session),
		peers:    make(map[string]core.EdgeInfo),
		bans:     ban.NewCache(),
	}
}

// Load replaces the whole mirror with a snapshot.
func (m *Mirror) Load(snap *rpc.FullSyncResult) {
	m.mu.Lock()
	m.channels = make(map[uint32]*core.Channel, len(snap.Channels))
	for i := range snap.Channels {
		ch := snap.Channels[i]
		m.channels[ch.ID] = &ch
	}
	m.sessions = make(map[uint32]*core.Session, len(snap.Sessions))
	for i := range snap.Sessions {
		s := snap.Sessions[i]
		m.sessions[s.SessionID] = &s
	}
	m.peers = make(map[string]core.EdgeInfo, len(snap.Peers))
	for _, p := range snap.Peers {
		m.peers[p.EdgeID] = p
	}
	m.sequence = snap.Sequence
	m.mu.Unlock()

	m.bans.Replace(snap.Bans)
}

// Advance records a broadcast sequence number. It reports false on a gap,
// which means the edge missed a broadcast and must resync.
func (m *Mirror) Advance(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == 0 || seq == m.sequence+1 || m.sequence == 0 {
		if seq > m.sequence {
			m.sequence = seq
		}
		return true
	}
	if seq <= m.sequence {
		// Replay overlap after reconnect; already applied.
		return true
	}
	m.sequence = seq
	return false
}

// Sequence returns the last applied broadcast sequence.
func (m *Mirror) Sequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sequence
}

// Channel implements acl.Tree for advisory permission checks.
func (m *Mirror) Channel(id uint32) *core.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[id]
}

// Channels returns every mirrored channel.
func (m *Mirror) Channels() []*core.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	return out
}

// Children returns the direct children of a channel.
func (m *Mirror) Children(id uint32) []*core.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Channel
	for _, ch := range m.channels {
		if ch.ParentID >= 0 && uint32(ch.ParentID) == id {
			out = append(out, ch)
		}
	}
	return out
}

// Subtree returns id and every descendant, breadth first.
func (m *Mirror) Subtree(id uint32) []*core.Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	root := m.channels[id]
	if root == nil {
		return nil
	}
	out := []*core.Channel{root}
	for i := 0; i < len(out); i++ {
		for _, ch := range m.channels {
			if ch.ParentID >= 0 && uint32(ch.ParentID) == out[i].ID {
				out = append(out, ch)
			}
		}
	}
	return out
}

// UpsertChannel installs or replaces a channel record.
func (m *Mirror) UpsertChannel(ch core.Channel) {
	m.mu.Lock()
	m.channels[ch.ID] = &ch
	m.mu.Unlock()
}

// RemoveChannels drops a set of channel ids.
func (m *Mirror) RemoveChannels(ids []uint32) {
	m.mu.Lock()
	for _, id := range ids {
		delete(m.channels, id)
	}
	m.mu.Unlock()
}

// Session returns a mirrored session, or nil.
func (m *Mirror) Session(id uint32) *core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// Sessions returns every mirrored session.
func (m *Mirror) Sessions() []*core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*core.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsInChannel returns the sessions whose home channel is id.
func (m *Mirror) SessionsInChannel(id uint32) []*core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Session
	for _, s := range m.sessions {
		if s.ChannelID == id {
			out = append(out, s)
		}
	}
	return out
}

// ListenersOf returns the sessions with id in their listener set.
func (m *Mirror) ListenersOf(id uint32) []*core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Session
	for _, s := range m.sessions {
		if s.ListensTo(id) {
			out = append(out, s)
		}
	}
	return out
}

// UpsertSession installs or replaces a session record.
func (m *Mirror) UpsertSession(s core.Session) {
	m.mu.Lock()
	m.sessions[s.SessionID] = &s
	m.mu.Unlock()
}

// RemoveSession drops a session record.
func (m *Mirror) RemoveSession(id uint32) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// SessionCount returns the number of mirrored sessions.
func (m *Mirror) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Peer returns a peer edge record.
func (m *Mirror) Peer(edgeID string) (core.EdgeInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.peers[edgeID]
	return p, ok
}

// Peers returns every known peer edge.
func (m *Mirror) Peers() []core.EdgeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.EdgeInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// UpsertPeer installs or refreshes a peer edge record.
func (m *Mirror) UpsertPeer(p core.EdgeInfo) {
	m.mu.Lock()
	m.peers[p.EdgeID] = p
	m.mu.Unlock()
}

// RemovePeer drops a peer edge and every session it owned.
func (m *Mirror) RemovePeer(edgeID string) []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, edgeID)
	var dropped []uint32
	for id, s := range m.sessions {
		if s.EdgeID == edgeID {
			delete(m.sessions, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// Bans exposes the mirrored ban cache.
func (m *Mirror) Bans() *ban.Cache { return m.bans }
