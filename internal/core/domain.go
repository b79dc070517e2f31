// Package core holds the cluster-wide domain model shared by the hub and the
// edges: channels, ACL entries, channel groups, sessions, bans, and the edge
// registry records. These types cross the Edge↔Hub RPC channel as JSON.
package core

import "time"

// Permission is the Mumble permission bitmask.
type Permission uint32

const (
	PermNone        Permission = 0x0
	PermWrite       Permission = 0x1
	PermTraverse    Permission = 0x2
	PermEnter       Permission = 0x4
	PermSpeak       Permission = 0x8
	PermMuteDeafen  Permission = 0x10
	PermMove        Permission = 0x20
	PermMakeChannel Permission = 0x40
	PermLinkChannel Permission = 0x80
	PermWhisper     Permission = 0x100
	PermTextMessage Permission = 0x200
	PermTempChannel Permission = 0x400
	PermListen      Permission = 0x800

	// Root-channel-only permissions.
	PermKick         Permission = 0x10000
	PermBan          Permission = 0x20000
	PermRegister     Permission = 0x40000
	PermSelfRegister Permission = 0x80000

	PermAll Permission = PermWrite | PermTraverse | PermEnter | PermSpeak |
		PermMuteDeafen | PermMove | PermMakeChannel | PermLinkChannel |
		PermWhisper | PermTextMessage | PermTempChannel | PermListen |
		PermKick | PermBan | PermRegister | PermSelfRegister

	// PermRootOnly are ignored when evaluating at any non-root channel.
	PermRootOnly Permission = PermKick | PermBan | PermRegister | PermSelfRegister

	// PermAllSub is everything a superuser holds below the root.
	PermAllSub Permission = PermAll &^ PermRootOnly

	// PermDefault is the grant a chain resets to at non-inheriting channels.
	PermDefault Permission = PermTraverse | PermEnter | PermSpeak |
		PermWhisper | PermTextMessage
)

// Isset reports whether perm is granted by the mask. Write implies every
// permission except Speak and Whisper, which need their own bit.
func (p Permission) Isset(perm Permission) bool {
	if perm == PermSpeak || perm == PermWhisper {
		return p&perm != 0
	}
	return p&(perm|PermWrite) != 0
}

// RootChannelID is the id of the root channel; its ParentID is -1.
const RootChannelID uint32 = 0

// ACLEntry is one access rule on a channel. UserID < 0 means the rule
// matches by Group instead.
type ACLEntry struct {
	ChannelID uint32     `json:"channel_id"`
	UserID    int64      `json:"user_id"`
	Group     string     `json:"group,omitempty"`
	ApplyHere bool       `json:"apply_here"`
	ApplySubs bool       `json:"apply_subs"`
	Allow     Permission `json:"allow"`
	Deny      Permission `json:"deny"`
}

// Group is a named member set attached to a channel. Effective membership at
// a descendant is (inherited plus Add) minus Remove, provided the ancestor
// group is Inheritable and the descendant group has Inherit set.
type Group struct {
	ChannelID   uint32  `json:"channel_id"`
	Name        string  `json:"name"`
	Inherit     bool    `json:"inherit"`
	Inheritable bool    `json:"inheritable"`
	Add         []int64 `json:"add,omitempty"`
	Remove      []int64 `json:"remove,omitempty"`
}

// Channel is one node of the channel tree.
type Channel struct {
	ID              uint32            `json:"id"`
	ParentID        int64             `json:"parent_id"` // -1 for root
	Name            string            `json:"name"`
	Position        int32             `json:"position"`
	MaxUsers        uint32            `json:"max_users"` // 0 = unlimited
	InheritACL      bool              `json:"inherit_acl"`
	Description     string            `json:"description,omitempty"`
	DescriptionHash string            `json:"description_hash,omitempty"`
	Temporary       bool              `json:"temporary"`
	Links           []uint32          `json:"links,omitempty"`
	ACLs            []ACLEntry        `json:"acls,omitempty"`
	Groups          map[string]*Group `json:"groups,omitempty"`
}

// Clone returns a deep copy, used when handing tree snapshots across
// goroutine boundaries.
func (c *Channel) Clone() *Channel {
	out := *c
	out.Links = append([]uint32(nil), c.Links...)
	out.ACLs = append([]ACLEntry(nil), c.ACLs...)
	if c.Groups != nil {
		out.Groups = make(map[string]*Group, len(c.Groups))
		for name, g := range c.Groups {
			gc := *g
			gc.Add = append([]int64(nil), g.Add...)
			gc.Remove = append([]int64(nil), g.Remove...)
			out.Groups[name] = &gc
		}
	}
	return &out
}

// Linked reports whether other is in the channel's link set.
func (c *Channel) Linked(other uint32) bool {
	for _, id := range c.Links {
		if id == other {
			return true
		}
	}
	return false
}

// Session is one authenticated client connection, cluster-unique.
type Session struct {
	SessionID uint32 `json:"session_id"`
	EdgeID    string `json:"edge_id"`
	UserID    int64  `json:"user_id"` // 0 for guests
	Username  string `json:"username"`
	ChannelID uint32 `json:"channel_id"`
	IPAddress string `json:"ip_address"`
	CertHash  string `json:"cert_hash,omitempty"`

	Mute            bool `json:"mute"`
	Deaf            bool `json:"deaf"`
	SelfMute        bool `json:"self_mute"`
	SelfDeaf        bool `json:"self_deaf"`
	Suppress        bool `json:"suppress"`
	PrioritySpeaker bool `json:"priority_speaker"`
	Recording       bool `json:"recording"`

	Groups            []string `json:"groups,omitempty"` // access group tags
	Tokens            []string `json:"tokens,omitempty"` // temporary access tokens
	ListeningChannels []uint32 `json:"listening_channels,omitempty"`

	Comment     string `json:"comment,omitempty"`
	CommentHash string `json:"comment_hash,omitempty"`
	TextureHash string `json:"texture_hash,omitempty"`

	ConnectedAt time.Time `json:"connected_at"`
	LastActive  time.Time `json:"last_active"`
}

// IsRegistered reports whether the session is backed by a registered user.
func (s *Session) IsRegistered() bool { return s.UserID > 0 }

// Clone returns a copy that shares nothing with the original, so readers can
// hold it while the original keeps mutating under a lock.
func (s *Session) Clone() *Session {
	c := *s
	c.Groups = append([]string(nil), s.Groups...)
	c.Tokens = append([]string(nil), s.Tokens...)
	c.ListeningChannels = append([]uint32(nil), s.ListeningChannels...)
	return &c
}

// IsSuperUser reports whether the session carries an administrative group tag.
func (s *Session) IsSuperUser() bool {
	for _, g := range s.Groups {
		if g == "admin" || g == "superuser" {
			return true
		}
	}
	return false
}

// ListensTo reports whether the session has channel in its listener set.
func (s *Session) ListensTo(channel uint32) bool {
	for _, id := range s.ListeningChannels {
		if id == channel {
			return true
		}
	}
	return false
}

// Ban is one ban-list row. A ban may match by CIDR, by certificate hash, or
// both; Duration 0 is permanent.
type Ban struct {
	ID       int64     `json:"id"`
	IP       string    `json:"ip,omitempty"` // CIDR, e.g. "10.0.0.0/24"
	CertHash string    `json:"cert_hash,omitempty"`
	Username string    `json:"username,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Start    time.Time `json:"start"`
	Duration uint32    `json:"duration"` // seconds, 0 = permanent
}

// Active reports whether the ban still applies at now.
func (b *Ban) Active(now time.Time) bool {
	if b.Duration == 0 {
		return true
	}
	return now.Before(b.Start.Add(time.Duration(b.Duration) * time.Second))
}

// User is a registered account.
type User struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	CertHash    string    `json:"cert_hash,omitempty"`
	TextureHash string    `json:"texture_hash,omitempty"`
	CommentHash string    `json:"comment_hash,omitempty"`
	LastChannel uint32    `json:"last_channel"`
	LastSeen    time.Time `json:"last_seen"`
}

// EdgeInfo is the hub-held registry record for one edge node.
type EdgeInfo struct {
	EdgeID      string    `json:"edge_id"`
	Name        string    `json:"name"`
	Host        string    `json:"host"`
	Port        int       `json:"port"`
	VoicePort   int       `json:"voice_port"`
	Region      string    `json:"region,omitempty"`
	Capacity    int       `json:"capacity"`
	CurrentLoad int       `json:"current_load"`
	LastSeen    time.Time `json:"last_seen"`
	Online      bool      `json:"online"`
}

// VoiceTargetDef is one stored whisper/shout profile entry.
type VoiceTargetDef struct {
	Sessions []uint32                `json:"sessions,omitempty"`
	Channels []VoiceTargetChannelDef `json:"channels,omitempty"`
}

// VoiceTargetChannelDef addresses a channel within a voice target.
type VoiceTargetChannelDef struct {
	ChannelID uint32 `json:"channel_id"`
	Group     string `json:"group,omitempty"`
	Links     bool   `json:"links,omitempty"`
	Children  bool   `json:"children,omitempty"`
}
