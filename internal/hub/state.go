package hub

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/hub/store"
)

var (
	ErrChannelNotFound = errors.New("hub: channel not found")
	ErrDuplicateName   = errors.New("hub: sibling channel with that name exists")
	ErrCycle           = errors.New("hub: move would create a cycle")
	ErrRootImmutable   = errors.New("hub: the root channel cannot be removed or moved")
	ErrNestingLimit    = errors.New("hub: channel nesting limit reached")
	ErrChannelLimit    = errors.New("hub: channel count limit reached")
	ErrEmptyName       = errors.New("hub: channel name must not be empty")
)

// State is the hub's authoritative channel tree. Mutations are serialized
// under the write lock and persisted through the store before the in-memory
// swap; channels are copy-on-write so readers holding a *Channel never see a
// half-applied edit.
type State struct {
	db store.Store

	mu       sync.RWMutex
	channels map[uint32]*core.Channel

	NestingLimit int
	CountLimit   int
}

// NewState loads the tree from the store.
func NewState(db store.Store) (*State, error) {
	channels, err := db.LoadChannels()
	if err != nil {
		return nil, err
	}
	s := &State{
		db:           db,
		channels:     make(map[uint32]*core.Channel, len(channels)),
		NestingLimit: 10,
		CountLimit:   1000,
	}
	for i := range channels {
		ch := channels[i]
		s.channels[ch.ID] = &ch
	}
	if s.channels[core.RootChannelID] == nil {
		root := store.RootChannel()
		s.channels[root.ID] = &root
	}
	return s, nil
}

// Channel returns the channel with the given id, or nil. Satisfies the ACL
// evaluator's tree view.
func (s *State) Channel(id uint32) *core.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

// Snapshot returns a deep copy of every channel.
func (s *State) Snapshot() []core.Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch.Clone())
	}
	return out
}

// Len returns the channel count.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels)
}

// Children returns the ids of the channel's direct children.
func (s *State) Children(id uint32) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.childrenLocked(id)
}

func (s *State) childrenLocked(id uint32) []uint32 {
	var out []uint32
	for _, ch := range s.channels {
		if ch.ParentID >= 0 && uint32(ch.ParentID) == id {
			out = append(out, ch.ID)
		}
	}
	return out
}

// Subtree returns id plus every descendant, depth-first.
func (s *State) Subtree(id uint32) []uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []uint32
	var walk func(uint32)
	walk = func(cur uint32) {
		out = append(out, cur)
		for _, child := range s.childrenLocked(cur) {
			walk(child)
		}
	}
	walk(id)
	return out
}

// depthLocked counts ancestors between id and the root.
func (s *State) depthLocked(id uint32) int {
	depth := 0
	for {
		ch := s.channels[id]
		if ch == nil || ch.ParentID < 0 {
			return depth
		}
		depth++
		id = uint32(ch.ParentID)
		if depth > len(s.channels) {
			return depth // corrupt chain; caller validates separately
		}
	}
}

func (s *State) siblingNameTakenLocked(parent uint32, name string, exclude uint32) bool {
	for _, ch := range s.channels {
		if ch.ID == exclude || ch.ParentID < 0 || uint32(ch.ParentID) != parent {
			continue
		}
		if strings.EqualFold(ch.Name, name) {
			return true
		}
	}
	return false
}

// CreateChannel validates, persists, and installs a new channel under
// parent. The allocated channel is returned.
func (s *State) CreateChannel(parent uint32, name string, position int32, temporary bool, maxUsers uint32) (*core.Channel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channels[parent] == nil {
		return nil, fmt.Errorf("%w: parent %d", ErrChannelNotFound, parent)
	}
	if len(s.channels) >= s.CountLimit {
		return nil, ErrChannelLimit
	}
	if s.depthLocked(parent)+1 >= s.NestingLimit {
		return nil, ErrNestingLimit
	}
	if s.siblingNameTakenLocked(parent, name, 0) {
		return nil, fmt.Errorf("%w: %q under %d", ErrDuplicateName, name, parent)
	}

	ch := &core.Channel{
		ParentID:   int64(parent),
		Name:       name,
		Position:   position,
		MaxUsers:   maxUsers,
		InheritACL: true,
		Temporary:  temporary,
	}
	id, err := s.db.SaveChannel(ch)
	if err != nil {
		return nil, err
	}
	ch.ID = id
	s.channels[id] = ch
	return ch.Clone(), nil
}

// ChannelEdit carries the optional fields of a channel update.
type ChannelEdit struct {
	Name        *string
	Parent      *uint32
	Position    *int32
	Description *string
	DescHash    *string
	MaxUsers    *uint32
	LinksAdd    []uint32
	LinksRemove []uint32
}

// UpdateChannel validates and applies an edit, returning the new channel
// value. Link changes are applied symmetrically.
func (s *State) UpdateChannel(id uint32, edit ChannelEdit) (*core.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.channels[id]
	if old == nil {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	ch := old.Clone()

	if edit.Parent != nil && uint32(ch.ParentID) != *edit.Parent {
		if id == core.RootChannelID {
			return nil, ErrRootImmutable
		}
		newParent := *edit.Parent
		if s.channels[newParent] == nil {
			return nil, fmt.Errorf("%w: parent %d", ErrChannelNotFound, newParent)
		}
		// Walk from the new parent toward the root; meeting the moved
		// channel means the move would orphan a subtree into a loop.
		for cur := newParent; ; {
			if cur == id {
				return nil, ErrCycle
			}
			p := s.channels[cur]
			if p == nil || p.ParentID < 0 {
				break
			}
			cur = uint32(p.ParentID)
		}
		if s.depthLocked(newParent)+1 >= s.NestingLimit {
			return nil, ErrNestingLimit
		}
		ch.ParentID = int64(newParent)
	}

	if edit.Name != nil && !strings.EqualFold(*edit.Name, ch.Name) {
		if strings.TrimSpace(*edit.Name) == "" {
			return nil, ErrEmptyName
		}
		ch.Name = *edit.Name
	}
	// Collision check covers both rename and reparent.
	if ch.ParentID >= 0 && s.siblingNameTakenLocked(uint32(ch.ParentID), ch.Name, id) {
		return nil, fmt.Errorf("%w: %q under %d", ErrDuplicateName, ch.Name, ch.ParentID)
	}

	if edit.Position != nil {
		ch.Position = *edit.Position
	}
	if edit.Description != nil {
		ch.Description = *edit.Description
	}
	if edit.DescHash != nil {
		ch.DescriptionHash = *edit.DescHash
	}
	if edit.MaxUsers != nil {
		ch.MaxUsers = *edit.MaxUsers
	}

	var touched []*core.Channel
	for _, other := range edit.LinksAdd {
		peer := s.channels[other]
		if peer == nil || other == id {
			continue
		}
		if !ch.Linked(other) {
			ch.Links = append(ch.Links, other)
		}
		if !peer.Linked(id) {
			pc := peer.Clone()
			pc.Links = append(pc.Links, id)
			touched = append(touched, pc)
		}
	}
	for _, other := range edit.LinksRemove {
		ch.Links = removeID(ch.Links, other)
		if peer := s.channels[other]; peer != nil && peer.Linked(id) {
			pc := peer.Clone()
			pc.Links = removeID(pc.Links, id)
			touched = append(touched, pc)
		}
	}

	if _, err := s.db.SaveChannel(ch); err != nil {
		return nil, err
	}
	for _, pc := range touched {
		if _, err := s.db.SaveChannel(pc); err != nil {
			// Partial failure: nothing was swapped in memory yet, so the
			// mirror stays consistent; report and let the client retry.
			return nil, err
		}
	}

	s.channels[id] = ch
	for _, pc := range touched {
		s.channels[pc.ID] = pc
	}
	return ch.Clone(), nil
}

// RemoveChannel deletes the channel and its whole subtree. It returns the
// removed ids (target first) and the surviving parent id occupants must be
// moved to.
func (s *State) RemoveChannel(id uint32) (removed []uint32, parent uint32, err error) {
	if id == core.RootChannelID {
		return nil, 0, ErrRootImmutable
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch := s.channels[id]
	if ch == nil {
		return nil, 0, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	parent = uint32(ch.ParentID)

	var walk func(uint32)
	walk = func(cur uint32) {
		removed = append(removed, cur)
		for _, child := range s.childrenLocked(cur) {
			walk(child)
		}
	}
	walk(id)

	if err := s.db.DeleteChannels(removed); err != nil {
		return nil, 0, err
	}

	doomed := make(map[uint32]bool, len(removed))
	for _, rid := range removed {
		doomed[rid] = true
		delete(s.channels, rid)
	}
	for cid, c := range s.channels {
		var kept []uint32
		changed := false
		for _, l := range c.Links {
			if doomed[l] {
				changed = true
				continue
			}
			kept = append(kept, l)
		}
		if changed {
			cc := c.Clone()
			cc.Links = kept
			s.channels[cid] = cc
		}
	}
	return removed, parent, nil
}

// SetACLs persists and installs a channel's ACL entries and groups.
func (s *State) SetACLs(id uint32, inherit bool, entries []core.ACLEntry, groups []core.Group) (*core.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.channels[id]
	if old == nil {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	if err := s.db.ReplaceACLs(id, entries); err != nil {
		return nil, err
	}
	if err := s.db.ReplaceGroups(id, groups); err != nil {
		return nil, err
	}

	ch := old.Clone()
	ch.InheritACL = inherit
	ch.ACLs = append([]core.ACLEntry(nil), entries...)
	ch.Groups = make(map[string]*core.Group, len(groups))
	for i := range groups {
		g := groups[i]
		g.ChannelID = id
		ch.Groups[g.Name] = &g
	}
	if _, err := s.db.SaveChannel(ch); err != nil {
		return nil, err
	}
	s.channels[id] = ch
	return ch.Clone(), nil
}

func removeID(ids []uint32, id uint32) []uint32 {
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	return kept
}
