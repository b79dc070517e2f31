// Package acl evaluates channel permissions by walking the channel chain
// from the root to the target channel, applying each channel's access rules
// in order. Results are cached per (session, channel) until the tree or any
// ACL changes.
package acl

import (
	"strings"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// Tree is the read-side view of the channel store the evaluator needs.
type Tree interface {
	// Channel returns the channel with the given id, or nil.
	Channel(id uint32) *core.Channel
}

// Chain returns the path from the root down to channel id, inclusive.
// A broken parent pointer yields a nil chain.
func Chain(t Tree, id uint32) []*core.Channel {
	var rev []*core.Channel
	seen := make(map[uint32]bool)
	for {
		ch := t.Channel(id)
		if ch == nil || seen[ch.ID] {
			return nil
		}
		seen[ch.ID] = true
		rev = append(rev, ch)
		if ch.ParentID < 0 {
			break
		}
		id = uint32(ch.ParentID)
	}
	chain := make([]*core.Channel, len(rev))
	for i, ch := range rev {
		chain[len(rev)-1-i] = ch
	}
	return chain
}

// Evaluate computes the permission mask granted to the session at the target
// channel. Superusers bypass the walk entirely.
func Evaluate(t Tree, session *core.Session, channelID uint32) core.Permission {
	target := t.Channel(channelID)
	if target == nil {
		return core.PermNone
	}

	if session.IsSuperUser() {
		if channelID == core.RootChannelID {
			return core.PermAll
		}
		return core.PermAllSub
	}

	chain := Chain(t, channelID)
	if chain == nil {
		return core.PermNone
	}

	granted := core.PermDefault
	traverse := true
	write := false

	for _, ch := range chain {
		if !ch.InheritACL {
			granted = core.PermDefault
		}
		for i := range ch.ACLs {
			entry := &ch.ACLs[i]
			if ch.ID == target.ID && !entry.ApplyHere {
				continue
			}
			if ch.ID != target.ID && !entry.ApplySubs {
				continue
			}
			if !matches(t, entry, ch, target, session) {
				continue
			}

			if entry.Allow.Isset(core.PermTraverse) {
				traverse = true
			}
			if entry.Deny.Isset(core.PermTraverse) {
				traverse = false
			}
			if entry.Allow&core.PermWrite != 0 {
				write = true
			}
			if entry.Deny&core.PermWrite != 0 {
				write = false
			}

			granted |= entry.Allow
			granted &^= entry.Deny
		}
		if !traverse && !write {
			return core.PermNone
		}
	}

	if target.ID != core.RootChannelID {
		granted &^= core.PermRootOnly
	}
	return granted
}

// HasPermission reports whether the session holds perm at the channel.
func HasPermission(t Tree, session *core.Session, channelID uint32, perm core.Permission) bool {
	return Evaluate(t, session, channelID).Isset(perm)
}

// matches decides whether an ACL entry's principal covers the session.
// aclChannel is the channel the entry lives on, target the channel being
// evaluated.
func matches(t Tree, entry *core.ACLEntry, aclChannel, target *core.Channel, session *core.Session) bool {
	if entry.UserID > 0 {
		return session.UserID == entry.UserID
	}
	return GroupMemberCheck(t, aclChannel, target, entry.Group, session)
}

// GroupMemberCheck resolves group membership for the session in the scope of
// aclChannel, against target. The leading modifiers "!" (negate) and "~"
// (evaluate at the ACL's channel instead of the target) follow the Mumble
// group grammar.
func GroupMemberCheck(t Tree, aclChannel, target *core.Channel, group string, session *core.Session) bool {
	name := group
	invert := false
	atACL := false
	for len(name) > 0 {
		switch name[0] {
		case '!':
			invert = !invert
			name = name[1:]
			continue
		case '~':
			atACL = true
			name = name[1:]
			continue
		}
		break
	}

	var ok bool
	switch {
	case name == "all":
		ok = true
	case name == "none":
		ok = false
	case name == "auth":
		ok = session.IsRegistered()
	case name == "in":
		ok = session.ChannelID == target.ID
	case name == "out":
		ok = session.ChannelID != target.ID
	case strings.HasPrefix(name, "$"):
		hash := name[1:]
		ok = hash != "" && strings.EqualFold(session.CertHash, hash)
	case strings.HasPrefix(name, "#"):
		token := name[1:]
		for _, have := range session.Tokens {
			if have == token {
				ok = true
				break
			}
		}
	default:
		at := target
		if atACL {
			at = aclChannel
		}
		members := GroupMembers(t, at, name)
		ok = members[session.UserID]
		if !ok {
			for _, tag := range session.Groups {
				if tag == name {
					ok = true
					break
				}
			}
		}
	}

	if invert {
		return !ok
	}
	return ok
}

// GroupMembers computes the effective member set of the named group at the
// given channel, honoring inherit/inheritable down the parent chain.
func GroupMembers(t Tree, at *core.Channel, name string) map[int64]bool {
	chain := Chain(t, at.ID)
	members := make(map[int64]bool)
	inherited := false
	for _, ch := range chain {
		g := ch.Groups[name]
		if g == nil {
			continue
		}
		if inherited && !g.Inherit {
			// Group does not pull members from ancestors.
			members = make(map[int64]bool)
		}
		for _, id := range g.Add {
			members[id] = true
		}
		for _, id := range g.Remove {
			delete(members, id)
		}
		if !g.Inheritable && ch.ID != at.ID {
			// Members stop here; descendants start fresh.
			members = make(map[int64]bool)
			inherited = false
			continue
		}
		inherited = true
	}
	return members
}
