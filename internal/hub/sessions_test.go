package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

func newSession(id uint32, name, edge string, channel uint32) *core.Session {
	return &core.Session{SessionID: id, Username: name, EdgeID: edge, ChannelID: channel}
}

func TestAllocateIsMonotonic(t *testing.T) {
	tab := NewSessionTable()
	a := tab.Allocate()
	b := tab.Allocate()
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, uint32(2), b)

	// Removing a session never frees its id for reuse.
	tab.Add(newSession(b, "bob", "edge-a", 0))
	tab.Remove(b)
	assert.Equal(t, uint32(3), tab.Allocate())
}

func TestIndexesFollowMoves(t *testing.T) {
	tab := NewSessionTable()
	tab.Add(newSession(1, "alice", "edge-a", 0))
	tab.Add(newSession(2, "bob", "edge-a", 0))
	tab.Add(newSession(3, "carol", "edge-b", 5))

	assert.Len(t, tab.InChannel(0), 2)
	assert.Len(t, tab.OnEdge("edge-a"), 2)
	require.NotNil(t, tab.ByName("carol"))

	require.True(t, tab.Move(2, 5))
	assert.Len(t, tab.InChannel(0), 1)
	assert.Len(t, tab.InChannel(5), 2)
	assert.Equal(t, uint32(5), tab.Get(2).ChannelID)
}

func TestUpdateReindexes(t *testing.T) {
	tab := NewSessionTable()
	tab.Add(newSession(1, "alice", "edge-a", 0))

	require.True(t, tab.Update(1, func(s *core.Session) {
		s.ChannelID = 7
		s.SelfMute = true
	}))
	assert.Empty(t, tab.InChannel(0))
	assert.Len(t, tab.InChannel(7), 1)
	assert.True(t, tab.Get(1).SelfMute)
	assert.False(t, tab.Get(1).LastActive.IsZero())
}

func TestDropEdge(t *testing.T) {
	tab := NewSessionTable()
	for i := uint32(1); i <= 4; i++ {
		edge := "edge-a"
		if i%2 == 0 {
			edge = "edge-b"
		}
		tab.Add(newSession(i, fmt.Sprintf("user%d", i), edge, 0))
	}

	dropped := tab.DropEdge("edge-a")
	assert.Len(t, dropped, 2)
	assert.Equal(t, 2, tab.Len())
	assert.Empty(t, tab.OnEdge("edge-a"))
	assert.Nil(t, tab.Get(1))
	assert.NotNil(t, tab.Get(2))
}

func TestLookupsReturnCopies(t *testing.T) {
	tab := NewSessionTable()
	s := newSession(1, "alice", "edge-a", 0)
	s.Groups = []string{"guest"}
	tab.Add(s)

	before := tab.Get(1)
	require.True(t, tab.Update(1, func(u *core.Session) {
		u.SelfMute = true
		u.Groups = append(u.Groups, "admin")
	}))

	// The earlier snapshot is untouched by the update.
	assert.False(t, before.SelfMute)
	assert.Equal(t, []string{"guest"}, before.Groups)

	// Writing through a snapshot never reaches the table.
	after := tab.Get(1)
	after.Suppress = true
	after.Groups[0] = "mangled"
	assert.False(t, tab.Get(1).Suppress)
	assert.Equal(t, []string{"guest", "admin"}, tab.Get(1).Groups)

	// The caller's struct is equally detached after Add.
	s.Username = "eve"
	assert.Equal(t, "alice", tab.Get(1).Username)
}

func TestConcurrentLookupsAndUpdates(t *testing.T) {
	tab := NewSessionTable()
	tab.Add(newSession(1, "alice", "edge-a", 0))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			tab.Update(1, func(u *core.Session) {
				u.ChannelID++
				u.Tokens = append(u.Tokens[:0], "tok")
			})
		}
	}()
	for i := 0; i < 1000; i++ {
		if s := tab.Get(1); s != nil {
			_ = s.ChannelID
			for _, tok := range s.Tokens {
				assert.Equal(t, "tok", tok)
			}
		}
		for _, s := range tab.InChannel(tab.Get(1).ChannelID) {
			_ = s.Username
		}
	}
	<-done
	assert.Equal(t, uint32(1000), tab.Get(1).ChannelID)
}

func TestAddReplacesExisting(t *testing.T) {
	tab := NewSessionTable()
	tab.Add(newSession(1, "alice", "edge-a", 0))
	tab.Add(newSession(1, "alice", "edge-b", 3))

	assert.Equal(t, 1, tab.Len())
	assert.Empty(t, tab.OnEdge("edge-a"))
	assert.Len(t, tab.OnEdge("edge-b"), 1)
	assert.Empty(t, tab.InChannel(0))
}
