package hub

import (
	"sync"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// SessionTable is the hub's in-memory global session store. Session ids are
// allocated monotonically and never reused within a hub lifetime, so a stale
// edge can never resurrect a departed user under a recycled id.
type SessionTable struct {
	mu        sync.RWMutex
	nextID    uint32
	sessions  map[uint32]*core.Session
	byChannel map[uint32]map[uint32]*core.Session
	byEdge    map[string]map[uint32]*core.Session
	byName    map[string]*core.Session
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		nextID:    1,
		sessions:  make(map[uint32]*core.Session),
		byChannel: make(map[uint32]map[uint32]*core.Session),
		byEdge:    make(map[string]map[uint32]*core.Session),
		byName:    make(map[string]*core.Session),
	}
}

// Allocate reserves the next session id without creating a record; the edge
// completes authentication first and then reports the full session.
func (t *SessionTable) Allocate() uint32 {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.mu.Unlock()
	return id
}

// Add inserts or replaces a session record. The table keeps its own copy so
// the caller's struct stays free to reuse.
func (t *SessionTable) Add(s *core.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.sessions[s.SessionID]; old != nil {
		t.unindexLocked(old)
	}
	own := s.Clone()
	t.sessions[own.SessionID] = own
	t.indexLocked(own)
}

// Remove deletes a session and returns it, or nil.
func (t *SessionTable) Remove(id uint32) *core.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[id]
	if s == nil {
		return nil
	}
	delete(t.sessions, id)
	t.unindexLocked(s)
	return s
}

// Get returns a copy of the session, or nil. Lookups always copy so callers
// never observe a record mid-mutation; writes go through Update and Move.
func (t *SessionTable) Get(id uint32) *core.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.sessions[id]
	if s == nil {
		return nil
	}
	return s.Clone()
}

// ByName returns a copy of the session with the given username, or nil.
func (t *SessionTable) ByName(name string) *core.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.byName[name]
	if s == nil {
		return nil
	}
	return s.Clone()
}

// InChannel snapshots the sessions currently in a channel.
func (t *SessionTable) InChannel(channel uint32) []*core.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Session, 0, len(t.byChannel[channel]))
	for _, s := range t.byChannel[channel] {
		out = append(out, s.Clone())
	}
	return out
}

// OnEdge snapshots the sessions owned by an edge.
func (t *SessionTable) OnEdge(edgeID string) []*core.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Session, 0, len(t.byEdge[edgeID]))
	for _, s := range t.byEdge[edgeID] {
		out = append(out, s.Clone())
	}
	return out
}

// All snapshots every session.
func (t *SessionTable) All() []*core.Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.Clone())
	}
	return out
}

// Len returns the live session count.
func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// Move updates a session's channel and reindexes it.
func (t *SessionTable) Move(id, channel uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[id]
	if s == nil {
		return false
	}
	t.unindexLocked(s)
	s.ChannelID = channel
	s.LastActive = time.Now()
	t.indexLocked(s)
	return true
}

// Update mutates a session under the table lock.
func (t *SessionTable) Update(id uint32, f func(*core.Session)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[id]
	if s == nil {
		return false
	}
	t.unindexLocked(s)
	f(s)
	s.LastActive = time.Now()
	t.indexLocked(s)
	return true
}

// DropEdge removes every session owned by the edge and returns them.
func (t *SessionTable) DropEdge(edgeID string) []*core.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*core.Session
	for id, s := range t.byEdge[edgeID] {
		out = append(out, s)
		delete(t.sessions, id)
		t.unindexLocked(s)
	}
	return out
}

func (t *SessionTable) indexLocked(s *core.Session) {
	if t.byChannel[s.ChannelID] == nil {
		t.byChannel[s.ChannelID] = make(map[uint32]*core.Session)
	}
	t.byChannel[s.ChannelID][s.SessionID] = s
	if t.byEdge[s.EdgeID] == nil {
		t.byEdge[s.EdgeID] = make(map[uint32]*core.Session)
	}
	t.byEdge[s.EdgeID][s.SessionID] = s
	t.byName[s.Username] = s
}

func (t *SessionTable) unindexLocked(s *core.Session) {
	delete(t.byChannel[s.ChannelID], s.SessionID)
	if len(t.byChannel[s.ChannelID]) == 0 {
		delete(t.byChannel, s.ChannelID)
	}
	delete(t.byEdge[s.EdgeID], s.SessionID)
	if len(t.byEdge[s.EdgeID]) == 0 {
		delete(t.byEdge, s.EdgeID)
	}
	if t.byName[s.Username] == s {
		delete(t.byName, s.Username)
	}
}
