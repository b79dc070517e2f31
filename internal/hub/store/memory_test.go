package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

func TestMemoryStartsWithRoot(t *testing.T) {
	m := NewMemory()
	channels, err := m.LoadChannels()
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, core.RootChannelID, channels[0].ID)
	assert.Equal(t, int64(-1), channels[0].ParentID)
}

func TestSaveChannelAllocatesID(t *testing.T) {
	m := NewMemory()
	id, err := m.SaveChannel(&core.Channel{ParentID: 0, Name: "Lobby", InheritACL: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	id2, err := m.SaveChannel(&core.Channel{ParentID: 0, Name: "Games", InheritACL: true})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id2)
}

func TestDeleteChannelsDropsDanglingLinks(t *testing.T) {
	m := NewMemory()
	_, err := m.SaveChannel(&core.Channel{ID: 1, ParentID: 0, Name: "A", Links: []uint32{2}})
	require.NoError(t, err)
	_, err = m.SaveChannel(&core.Channel{ID: 2, ParentID: 0, Name: "B", Links: []uint32{1}})
	require.NoError(t, err)

	require.NoError(t, m.DeleteChannels([]uint32{2}))

	channels, err := m.LoadChannels()
	require.NoError(t, err)
	for _, ch := range channels {
		if ch.ID == 1 {
			assert.Empty(t, ch.Links)
		}
	}
}

func TestReplaceACLs(t *testing.T) {
	m := NewMemory()
	entries := []core.ACLEntry{{ChannelID: 0, Group: "all", ApplyHere: true, Allow: core.PermSpeak}}
	require.NoError(t, m.ReplaceACLs(0, entries))

	channels, _ := m.LoadChannels()
	require.Len(t, channels[0].ACLs, 1)
	assert.Equal(t, "all", channels[0].ACLs[0].Group)

	assert.ErrorIs(t, m.ReplaceACLs(99, entries), ErrNotFound)
}

func TestBanCRUD(t *testing.T) {
	m := NewMemory()
	id, err := m.SaveBan(&core.Ban{IP: "10.0.0.0/8", Reason: "spam", Start: time.Now()})
	require.NoError(t, err)
	require.NotZero(t, id)

	bans, err := m.LoadBans()
	require.NoError(t, err)
	require.Len(t, bans, 1)

	require.NoError(t, m.DeleteBan(id))
	bans, _ = m.LoadBans()
	assert.Empty(t, bans)
}

func TestUserRegistration(t *testing.T) {
	m := NewMemory()
	id, err := m.SaveUser(&core.User{Name: "alice"})
	require.NoError(t, err)

	_, err = m.SaveUser(&core.User{Name: "ALICE"})
	assert.ErrorIs(t, err, ErrNameTaken)

	u, err := m.UserByName("Alice")
	require.NoError(t, err)
	assert.Equal(t, id, u.ID)

	require.NoError(t, m.SetUserLastChannel(id, 5))
	require.NoError(t, m.SetUserTexture(id, "abc123"))
	u, _ = m.UserByID(id)
	assert.Equal(t, uint32(5), u.LastChannel)
	assert.Equal(t, "abc123", u.TextureHash)

	_, err = m.UserByID(9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadChannelsReturnsCopies(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.ReplaceACLs(0, []core.ACLEntry{{Group: "all", Allow: core.PermSpeak}}))

	channels, _ := m.LoadChannels()
	channels[0].ACLs[0].Group = "mutated"

	again, _ := m.LoadChannels()
	assert.Equal(t, "all", again[0].ACLs[0].Group)
}
