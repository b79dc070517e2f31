package store

import (
	"strings"
	"sync"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// Memory is the in-memory Store. It backs tests and deployments without a
// database; contents are lost on restart.
type Memory struct {
	mu       sync.Mutex
	channels map[uint32]*core.Channel
	nextChan uint32
	bans     map[int64]*core.Ban
	nextBan  int64
	users    map[int64]*core.User
	nextUser int64
}

// NewMemory returns an empty store holding only the root channel.
func NewMemory() *Memory {
	root := RootChannel()
	return &Memory{
		channels: map[uint32]*core.Channel{root.ID: &root},
		nextChan: 1,
		bans:     make(map[int64]*core.Ban),
		nextBan:  1,
		users:    make(map[int64]*core.User),
		nextUser: 1,
	}
}

func (m *Memory) LoadChannels() ([]core.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, *ch.Clone())
	}
	return out, nil
}

func (m *Memory) SaveChannel(ch *core.Channel) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch.ID == 0 && ch.ParentID >= 0 {
		for m.channels[m.nextChan] != nil {
			m.nextChan++
		}
		ch.ID = m.nextChan
		m.nextChan++
	}
	m.channels[ch.ID] = ch.Clone()
	return ch.ID, nil
}

func (m *Memory) DeleteChannels(ids []uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.channels, id)
	}
	// Drop dangling links.
	doomed := make(map[uint32]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	for _, ch := range m.channels {
		kept := ch.Links[:0]
		for _, l := range ch.Links {
			if !doomed[l] {
				kept = append(kept, l)
			}
		}
		ch.Links = kept
	}
	return nil
}

func (m *Memory) ReplaceACLs(channelID uint32, entries []core.ACLEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[channelID]
	if ch == nil {
		return ErrNotFound
	}
	ch.ACLs = append([]core.ACLEntry(nil), entries...)
	return nil
}

func (m *Memory) ReplaceGroups(channelID uint32, groups []core.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channels[channelID]
	if ch == nil {
		return ErrNotFound
	}
	ch.Groups = make(map[string]*core.Group, len(groups))
	for i := range groups {
		g := groups[i]
		ch.Groups[g.Name] = &g
	}
	return nil
}

func (m *Memory) LoadBans() ([]core.Ban, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Ban, 0, len(m.bans))
	for _, b := range m.bans {
		out = append(out, *b)
	}
	return out, nil
}

func (m *Memory) SaveBan(b *core.Ban) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		b.ID = m.nextBan
		m.nextBan++
	}
	cp := *b
	m.bans[b.ID] = &cp
	return b.ID, nil
}

func (m *Memory) DeleteBan(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bans, id)
	return nil
}

func (m *Memory) ReplaceBans(bans []core.Ban) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bans = make(map[int64]*core.Ban, len(bans))
	for i := range bans {
		b := bans[i]
		if b.ID == 0 {
			b.ID = m.nextBan
			m.nextBan++
		}
		m.bans[b.ID] = &b
	}
	return nil
}

func (m *Memory) UserByName(name string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Name, name) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UserByID(id int64) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *Memory) SaveUser(u *core.User) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == 0 {
		for _, have := range m.users {
			if strings.EqualFold(have.Name, u.Name) {
				return 0, ErrNameTaken
			}
		}
		u.ID = m.nextUser
		m.nextUser++
	}
	cp := *u
	m.users[u.ID] = &cp
	return u.ID, nil
}

func (m *Memory) DeleteUser(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *Memory) Users() ([]core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, *u)
	}
	return out, nil
}

func (m *Memory) SetUserLastChannel(id int64, channel uint32) error {
	return m.updateUser(id, func(u *core.User) { u.LastChannel = channel })
}

func (m *Memory) SetUserTexture(id int64, hash string) error {
	return m.updateUser(id, func(u *core.User) { u.TextureHash = hash })
}

func (m *Memory) SetUserComment(id int64, hash string) error {
	return m.updateUser(id, func(u *core.User) { u.CommentHash = hash })
}

func (m *Memory) updateUser(id int64, f func(*core.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[id]
	if u == nil {
		return ErrNotFound
	}
	f(u)
	return nil
}

func (m *Memory) Close() error { return nil }
