package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/hub/store"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := NewState(store.NewMemory())
	require.NoError(t, err)
	return s
}

func TestCreateChannel(t *testing.T) {
	s := newTestState(t)
	ch, err := s.CreateChannel(0, "Lobby", 10, false, 0)
	require.NoError(t, err)
	assert.NotZero(t, ch.ID)
	assert.Equal(t, int64(0), ch.ParentID)
	assert.Equal(t, int32(10), ch.Position)
	assert.True(t, ch.InheritACL)
}

func TestCreateDuplicateSiblingNameFails(t *testing.T) {
	s := newTestState(t)
	_, err := s.CreateChannel(0, "Foo", 0, false, 0)
	require.NoError(t, err)

	_, err = s.CreateChannel(0, "foo", 0, false, 0)
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestCreateUnderMissingParentFails(t *testing.T) {
	s := newTestState(t)
	_, err := s.CreateChannel(42, "Orphan", 0, false, 0)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestCreateEmptyNameFails(t *testing.T) {
	s := newTestState(t)
	_, err := s.CreateChannel(0, "   ", 0, false, 0)
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestNestingLimit(t *testing.T) {
	s := newTestState(t)
	s.NestingLimit = 3
	a, err := s.CreateChannel(0, "A", 0, false, 0)
	require.NoError(t, err)
	b, err := s.CreateChannel(a.ID, "B", 0, false, 0)
	require.NoError(t, err)
	_, err = s.CreateChannel(b.ID, "C", 0, false, 0)
	assert.ErrorIs(t, err, ErrNestingLimit)
}

func TestChannelCountLimit(t *testing.T) {
	s := newTestState(t)
	s.CountLimit = 2
	_, err := s.CreateChannel(0, "A", 0, false, 0)
	require.NoError(t, err)
	_, err = s.CreateChannel(0, "B", 0, false, 0)
	assert.ErrorIs(t, err, ErrChannelLimit)
}

func TestMoveUnderOwnDescendantFails(t *testing.T) {
	s := newTestState(t)
	a, _ := s.CreateChannel(0, "A", 0, false, 0)
	b, _ := s.CreateChannel(a.ID, "B", 0, false, 0)
	c, _ := s.CreateChannel(b.ID, "C", 0, false, 0)

	_, err := s.UpdateChannel(a.ID, ChannelEdit{Parent: &c.ID})
	assert.ErrorIs(t, err, ErrCycle)

	// Moving into itself is also a cycle.
	_, err = s.UpdateChannel(a.ID, ChannelEdit{Parent: &a.ID})
	assert.ErrorIs(t, err, ErrCycle)
}

func TestRenameCollision(t *testing.T) {
	s := newTestState(t)
	_, err := s.CreateChannel(0, "Foo", 0, false, 0)
	require.NoError(t, err)
	bar, err := s.CreateChannel(0, "Bar", 0, false, 0)
	require.NoError(t, err)

	name := "FOO"
	_, err = s.UpdateChannel(bar.ID, ChannelEdit{Name: &name})
	assert.ErrorIs(t, err, ErrDuplicateName)
}

func TestLinksAreSymmetric(t *testing.T) {
	s := newTestState(t)
	a, _ := s.CreateChannel(0, "A", 0, false, 0)
	b, _ := s.CreateChannel(0, "B", 0, false, 0)

	_, err := s.UpdateChannel(a.ID, ChannelEdit{LinksAdd: []uint32{b.ID}})
	require.NoError(t, err)
	assert.True(t, s.Channel(a.ID).Linked(b.ID))
	assert.True(t, s.Channel(b.ID).Linked(a.ID))

	_, err = s.UpdateChannel(b.ID, ChannelEdit{LinksRemove: []uint32{a.ID}})
	require.NoError(t, err)
	assert.False(t, s.Channel(a.ID).Linked(b.ID))
	assert.False(t, s.Channel(b.ID).Linked(a.ID))
}

func TestRemoveChannelSubtree(t *testing.T) {
	s := newTestState(t)
	a, _ := s.CreateChannel(0, "A", 0, false, 0)
	b, _ := s.CreateChannel(a.ID, "B", 0, false, 0)
	c, _ := s.CreateChannel(b.ID, "C", 0, false, 0)
	other, _ := s.CreateChannel(0, "Other", 0, false, 0)
	_, err := s.UpdateChannel(other.ID, ChannelEdit{LinksAdd: []uint32{c.ID}})
	require.NoError(t, err)

	removed, parent, err := s.RemoveChannel(a.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)
	assert.ElementsMatch(t, []uint32{a.ID, b.ID, c.ID}, removed)
	assert.Equal(t, a.ID, removed[0])

	assert.Nil(t, s.Channel(b.ID))
	assert.False(t, s.Channel(other.ID).Linked(c.ID))
}

func TestRemoveRootFails(t *testing.T) {
	s := newTestState(t)
	_, _, err := s.RemoveChannel(core.RootChannelID)
	assert.ErrorIs(t, err, ErrRootImmutable)
}

func TestSetACLs(t *testing.T) {
	s := newTestState(t)
	a, _ := s.CreateChannel(0, "A", 0, false, 0)

	entries := []core.ACLEntry{{ChannelID: a.ID, Group: "all", ApplyHere: true, Deny: core.PermSpeak}}
	groups := []core.Group{{Name: "friends", Inherit: true, Inheritable: true, Add: []int64{7}}}
	ch, err := s.SetACLs(a.ID, false, entries, groups)
	require.NoError(t, err)
	assert.False(t, ch.InheritACL)
	require.Len(t, ch.ACLs, 1)
	require.Contains(t, ch.Groups, "friends")
	assert.Equal(t, a.ID, ch.Groups["friends"].ChannelID)
}
