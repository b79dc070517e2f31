// Package store persists the hub's durable state: the channel tree with its
// ACLs, groups, and links, the ban list, and registered users. Two
// implementations exist, Postgres for production and an in-memory store for
// tests and single-node setups.
package store

import (
	"errors"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrNameTaken is returned when a user registration collides.
	ErrNameTaken = errors.New("store: name already registered")
)

// Store is the persistence boundary the hub control service writes through.
// Channel rows embed their ACLs, groups, and links; SaveChannel persists the
// whole record. Implementations must keep link rows symmetric.
type Store interface {
	// LoadChannels returns every channel with ACLs, groups, and links
	// attached. An empty database yields just the root channel.
	LoadChannels() ([]core.Channel, error)

	// SaveChannel inserts or updates a channel. A zero ID on a non-root
	// channel allocates a fresh id, returned to the caller.
	SaveChannel(ch *core.Channel) (uint32, error)

	// DeleteChannels removes the given channels and their ACLs, groups,
	// and link rows in one transaction.
	DeleteChannels(ids []uint32) error

	// ReplaceACLs swaps the channel's ACL entries. Old entries are
	// soft-deleted so the history survives for audit.
	ReplaceACLs(channelID uint32, entries []core.ACLEntry) error

	// ReplaceGroups swaps the channel's group definitions.
	ReplaceGroups(channelID uint32, groups []core.Group) error

	LoadBans() ([]core.Ban, error)
	SaveBan(b *core.Ban) (int64, error)
	DeleteBan(id int64) error
	ReplaceBans(bans []core.Ban) error

	UserByName(name string) (*core.User, error)
	UserByID(id int64) (*core.User, error)
	SaveUser(u *core.User) (int64, error)
	DeleteUser(id int64) error
	Users() ([]core.User, error)
	SetUserLastChannel(id int64, channel uint32) error
	SetUserTexture(id int64, hash string) error
	SetUserComment(id int64, hash string) error

	Close() error
}

// RootChannel returns the channel every fresh database starts with.
func RootChannel() core.Channel {
	return core.Channel{
		ID:         core.RootChannelID,
		ParentID:   -1,
		Name:       "Root",
		InheritACL: true,
	}
}
