package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/acl"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// descriptionHashThreshold is the description length above which only the
// hash travels in ChannelState broadcasts.
const descriptionHashThreshold = 128

// inheritedView assembles the full ACL picture for one channel: its own
// entries plus every ancestor entry that still applies here, each flagged
// with its origin.
func (s *Service) inheritedView(ch *core.Channel) *rpc.ACLResult {
	chain := acl.Chain(s.state, ch.ID)
	res := &rpc.ACLResult{ChannelID: ch.ID, InheritACL: ch.InheritACL}
	if chain == nil {
		return res
	}

	// A channel with inherit_acl off cuts the view at itself; everything
	// above it is invisible to this channel.
	start := 0
	for i := 1; i < len(chain); i++ {
		if !chain[i].InheritACL {
			start = i
		}
	}
	last := len(chain) - 1
	for i := start; i < len(chain); i++ {
		for _, e := range chain[i].ACLs {
			if i != last && !e.ApplySubs {
				continue
			}
			entry := e
			entry.ChannelID = chain[i].ID
			res.Entries = append(res.Entries, rpc.InheritedACL{
				ACLEntry:  entry,
				Inherited: i != last,
			})
		}
	}

	// Groups inherit independently of inherit_acl. Own groups list their
	// ancestor members separately so clients can render the distinction.
	var parent *core.Channel
	if last > 0 {
		parent = chain[last-1]
	}
	seen := make(map[string]bool)
	for name, g := range ch.Groups {
		out := rpc.InheritedGroup{
			Name:        name,
			Inherit:     g.Inherit,
			Inheritable: g.Inheritable,
			Add:         g.Add,
			Remove:      g.Remove,
		}
		if parent != nil && g.Inherit {
			for id := range acl.GroupMembers(s.state, parent, name) {
				out.InheritedMembers = append(out.InheritedMembers, id)
			}
		}
		res.Groups = append(res.Groups, out)
		seen[name] = true
	}
	for i := 0; i < last; i++ {
		for name, g := range chain[i].Groups {
			if seen[name] || !g.Inheritable {
				continue
			}
			res.Groups = append(res.Groups, rpc.InheritedGroup{
				Name:        name,
				Inherited:   true,
				Inherit:     g.Inherit,
				Inheritable: g.Inheritable,
			})
			seen[name] = true
		}
	}
	return res
}

// handleACL serves both the query and the update form of the ACL message.
func (s *Service) handleACL(params json.RawMessage) (interface{}, error) {
	var p rpc.ACLParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	actor := s.sessions.Get(p.Session)
	if actor == nil {
		return nil, fmt.Errorf("unknown actor session %d", p.Session)
	}
	ch := s.state.Channel(p.ACL.ChannelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, p.ACL.ChannelID)
	}
	if !s.eval.Check(actor, ch.ID, core.PermWrite) {
		s.deny(p.EdgeID, p.Session, mumble.DenyPermission, core.PermWrite, ch.ID, "")
		return nil, nil
	}
	if p.Query {
		return s.inheritedView(ch), nil
	}

	groups := make([]core.Group, 0, len(p.ACL.Groups))
	for _, g := range p.ACL.Groups {
		groups = append(groups, core.Group{
			ChannelID:   ch.ID,
			Name:        g.Name,
			Inherit:     g.Inherit,
			Inheritable: g.Inheritable,
			Add:         g.Add,
			Remove:      g.Remove,
		})
	}
	entries := make([]core.ACLEntry, 0, len(p.ACL.Entries))
	for _, e := range p.ACL.Entries {
		e.ChannelID = ch.ID
		entries = append(entries, e)
	}
	if _, err := s.state.SetACLs(ch.ID, p.ACL.InheritACL, entries, groups); err != nil {
		return nil, err
	}

	// Ancestor entries reach arbitrary descendants, so the whole cache
	// goes, not just this channel's rows.
	s.eval.Cache.InvalidateAll()
	s.registry.Broadcast(rpc.MethodACLUpdated, &rpc.ACLUpdated{
		ChannelID: ch.ID,
		Timestamp: time.Now().Unix(),
	})
	for _, id := range s.state.Subtree(ch.ID) {
		s.recomputeSuppress(id)
	}
	s.log.Info("acl updated", "channel", ch.ID, "actor", p.Session,
		"entries", len(entries), "groups", len(groups))
	return nil, nil
}

// recomputeSuppress flips Suppress for occupants whose Speak grant changed
// and rebroadcasts the affected sessions.
func (s *Service) recomputeSuppress(channel uint32) {
	for _, sess := range s.sessions.InChannel(channel) {
		speak := s.eval.Granted(sess, channel).Isset(core.PermSpeak)
		if sess.Suppress == !speak {
			continue
		}
		id := sess.SessionID
		s.sessions.Update(id, func(u *core.Session) { u.Suppress = !speak })
		updated := s.sessions.Get(id)
		if updated == nil {
			continue
		}
		us := &mumble.UserState{
			Session:  mumble.Uint32(id),
			Suppress: mumble.Bool(updated.Suppress),
		}
		s.registry.Broadcast(rpc.MethodUserStateBroadcast, &rpc.SessionBroadcast{
			Session: *updated,
			State:   mumble.Encode(us),
		})
	}
}

func (s *Service) handleChannelState(params json.RawMessage) error {
	var p rpc.ChannelStateParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var cs mumble.ChannelState
	if err := cs.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode ChannelState: %w", err)
	}
	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}
	if cs.ChannelID == nil {
		return s.createChannel(p, actor, &cs)
	}
	return s.editChannel(p, actor, &cs)
}

func (s *Service) createChannel(p rpc.ChannelStateParams, actor *core.Session, cs *mumble.ChannelState) error {
	parent := mumble.GetUint32(cs.Parent, core.RootChannelID)
	if s.state.Channel(parent) == nil {
		return fmt.Errorf("%w: parent %d", ErrChannelNotFound, parent)
	}
	temporary := mumble.GetBool(cs.Temporary)
	needed := core.PermMakeChannel
	if temporary {
		needed = core.PermTempChannel
	}
	if !s.eval.Check(actor, parent, needed) {
		s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, needed, parent, "")
		return nil
	}
	name := mumble.GetString(cs.Name)
	if !s.channelNameOK(name) {
		s.deny(p.EdgeID, p.Actor, mumble.DenyChannelName, 0, 0, "")
		return nil
	}

	ch, err := s.state.CreateChannel(parent, name, 0, temporary, mumble.GetUint32(cs.MaxUsers, 0))
	if err != nil {
		s.denyStateError(p.EdgeID, p.Actor, err)
		return nil
	}
	if cs.Position != nil && *cs.Position != 0 {
		pos := *cs.Position
		if upd, uerr := s.state.UpdateChannel(ch.ID, ChannelEdit{Position: &pos}); uerr == nil {
			ch = upd
		}
	}
	if cs.Description != nil && *cs.Description != "" {
		desc := *cs.Description
		edit := ChannelEdit{Description: &desc}
		if len(desc) > descriptionHashThreshold && s.blobs != nil {
			if hash, berr := s.blobs.Put(context.Background(), []byte(desc)); berr == nil {
				edit.DescHash = &hash
			}
		}
		if upd, uerr := s.state.UpdateChannel(ch.ID, edit); uerr == nil {
			ch = upd
		}
	}

	s.registry.Broadcast(rpc.MethodChannelStateBroadcast, &rpc.ChannelBroadcast{
		Channel: *ch,
		State:   channelStatePayload(ch),
	})
	s.log.Info("channel created", "channel", ch.ID, "name", ch.Name,
		"parent", parent, "temporary", temporary, "actor", p.Actor)

	// The creator of a temporary channel owns it and moves into it.
	if temporary {
		id := actor.SessionID
		s.sessions.Move(id, ch.ID)
		s.eval.Cache.InvalidateSession(id)
		s.sessions.Update(id, func(u *core.Session) {
			u.Suppress = !s.eval.Granted(u, ch.ID).Isset(core.PermSpeak)
		})
		if moved := s.sessions.Get(id); moved != nil {
			us := &mumble.UserState{
				Session:   mumble.Uint32(id),
				ChannelID: mumble.Uint32(ch.ID),
				Suppress:  mumble.Bool(moved.Suppress),
			}
			s.registry.Broadcast(rpc.MethodUserStateBroadcast, &rpc.SessionBroadcast{
				Session: *moved,
				State:   mumble.Encode(us),
			})
		}
	}
	return nil
}

func (s *Service) editChannel(p rpc.ChannelStateParams, actor *core.Session, cs *mumble.ChannelState) error {
	id := *cs.ChannelID
	ch := s.state.Channel(id)
	if ch == nil {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}

	edit := ChannelEdit{}
	needsWrite := false
	if cs.Name != nil && *cs.Name != ch.Name {
		if !s.channelNameOK(*cs.Name) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyChannelName, 0, 0, "")
			return nil
		}
		edit.Name = cs.Name
		needsWrite = true
	}
	if cs.Parent != nil && *cs.Parent != uint32(ch.ParentID) {
		// A move needs write on the channel and make-channel on the new parent.
		if !s.eval.Check(actor, *cs.Parent, core.PermMakeChannel) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermMakeChannel, *cs.Parent, "")
			return nil
		}
		edit.Parent = cs.Parent
		needsWrite = true
	}
	if cs.Position != nil {
		edit.Position = cs.Position
		needsWrite = true
	}
	if cs.MaxUsers != nil {
		edit.MaxUsers = cs.MaxUsers
		needsWrite = true
	}
	if cs.Description != nil {
		edit.Description = cs.Description
		if len(*cs.Description) > descriptionHashThreshold && s.blobs != nil {
			if hash, err := s.blobs.Put(context.Background(), []byte(*cs.Description)); err == nil {
				edit.DescHash = &hash
			}
		}
		needsWrite = true
	}
	if needsWrite && !s.eval.Check(actor, id, core.PermWrite) {
		s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermWrite, id, "")
		return nil
	}

	// Linking needs the link permission on both ends; unlinking on either.
	for _, other := range cs.LinksAdd {
		if s.state.Channel(other) == nil {
			continue
		}
		if !s.eval.Check(actor, id, core.PermLinkChannel) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermLinkChannel, id, "")
			return nil
		}
		if !s.eval.Check(actor, other, core.PermLinkChannel) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermLinkChannel, other, "")
			return nil
		}
		edit.LinksAdd = append(edit.LinksAdd, other)
	}
	for _, other := range cs.LinksRemove {
		if !s.eval.Check(actor, id, core.PermLinkChannel) &&
			!s.eval.Check(actor, other, core.PermLinkChannel) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermLinkChannel, id, "")
			return nil
		}
		edit.LinksRemove = append(edit.LinksRemove, other)
	}

	updated, err := s.state.UpdateChannel(id, edit)
	if err != nil {
		s.denyStateError(p.EdgeID, p.Actor, err)
		return nil
	}
	if edit.Parent != nil {
		// Reparenting changes the inheritance chain below this channel.
		s.eval.Cache.InvalidateAll()
		for _, sub := range s.state.Subtree(id) {
			s.recomputeSuppress(sub)
		}
	}
	s.registry.Broadcast(rpc.MethodChannelStateBroadcast, &rpc.ChannelBroadcast{
		Channel: *updated,
		State:   channelStatePayload(updated),
	})
	s.log.Info("channel updated", "channel", id, "actor", p.Actor)
	return nil
}

func (s *Service) handleChannelRemove(params json.RawMessage) error {
	var p rpc.ChannelRemoveParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var cr mumble.ChannelRemove
	if err := cr.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode ChannelRemove: %w", err)
	}
	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}
	id := mumble.GetUint32(cr.ChannelID, 0)
	if s.state.Channel(id) == nil {
		return fmt.Errorf("%w: %d", ErrChannelNotFound, id)
	}
	if !s.eval.Check(actor, id, core.PermWrite) {
		s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermWrite, id, "")
		return nil
	}

	removed, parent, err := s.state.RemoveChannel(id)
	if err != nil {
		s.denyStateError(p.EdgeID, p.Actor, err)
		return nil
	}
	s.eval.Cache.InvalidateAll()

	// Occupants of the deleted subtree land in the surviving parent.
	var affected []uint32
	for _, gone := range removed {
		for _, sess := range s.sessions.InChannel(gone) {
			affected = append(affected, sess.SessionID)
		}
	}
	for _, sid := range affected {
		s.sessions.Move(sid, parent)
		s.sessions.Update(sid, func(u *core.Session) {
			u.Suppress = !s.eval.Granted(u, parent).Isset(core.PermSpeak)
		})
		if moved := s.sessions.Get(sid); moved != nil {
			us := &mumble.UserState{
				Session:   mumble.Uint32(sid),
				ChannelID: mumble.Uint32(parent),
				Suppress:  mumble.Bool(moved.Suppress),
			}
			s.registry.Broadcast(rpc.MethodUserStateBroadcast, &rpc.SessionBroadcast{
				Session: *moved,
				State:   mumble.Encode(us),
			})
		}
	}

	_, err = s.registry.Broadcast(rpc.MethodChannelRemoveBroadcast, &rpc.ChannelRemoveBroadcast{
		ChannelID:        id,
		ChannelsRemoved:  removed,
		AffectedSessions: affected,
		ParentID:         parent,
		State:            mumble.Encode(&mumble.ChannelRemove{ChannelID: mumble.Uint32(id)}),
	})
	if err == nil {
		s.log.Info("channel removed", "channel", id, "subtree", len(removed),
			"displaced", len(affected), "actor", p.Actor)
	}
	return err
}

// saveChannel is the trusted persistence path: an edge asks the hub to store
// a channel it already validated, with no actor permission walk. Temporary
// channel promotion uses it.
func (s *Service) saveChannel(params json.RawMessage) (interface{}, error) {
	var ch core.Channel
	if err := rpc.DecodeParams(params, &ch); err != nil {
		return nil, err
	}
	existing := s.state.Channel(ch.ID)
	if existing == nil {
		created, err := s.state.CreateChannel(uint32(ch.ParentID), ch.Name,
			ch.Position, ch.Temporary, ch.MaxUsers)
		if err != nil {
			return nil, err
		}
		return map[string]uint32{"channel_id": created.ID}, nil
	}
	edit := ChannelEdit{
		Name:        &ch.Name,
		Position:    &ch.Position,
		Description: &ch.Description,
		MaxUsers:    &ch.MaxUsers,
	}
	updated, err := s.state.UpdateChannel(ch.ID, edit)
	if err != nil {
		return nil, err
	}
	return map[string]uint32{"channel_id": updated.ID}, nil
}

// saveACL is the trusted counterpart for ACL persistence.
func (s *Service) saveACL(params json.RawMessage) (interface{}, error) {
	var p rpc.ACLPayload
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	groups := make([]core.Group, 0, len(p.Groups))
	for _, g := range p.Groups {
		groups = append(groups, core.Group{
			ChannelID:   p.ChannelID,
			Name:        g.Name,
			Inherit:     g.Inherit,
			Inheritable: g.Inheritable,
			Add:         g.Add,
			Remove:      g.Remove,
		})
	}
	if _, err := s.state.SetACLs(p.ChannelID, p.InheritACL, p.Entries, groups); err != nil {
		return nil, err
	}
	s.eval.Cache.InvalidateAll()
	s.registry.Broadcast(rpc.MethodACLUpdated, &rpc.ACLUpdated{
		ChannelID: p.ChannelID,
		Timestamp: time.Now().Unix(),
	})
	return nil, nil
}

func (s *Service) channelNameOK(name string) bool {
	if name == "" {
		return false
	}
	if s.cfg.ChannelNameRegex == "" {
		return true
	}
	re, err := regexp.Compile(s.cfg.ChannelNameRegex)
	if err != nil {
		return true // validated at startup; never reject on a broken pattern
	}
	return re.MatchString(name)
}

// denyStateError maps tree mutation failures onto client-visible denials.
func (s *Service) denyStateError(edgeID string, session uint32, err error) {
	switch {
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrEmptyName):
		s.deny(edgeID, session, mumble.DenyChannelName, 0, 0, "")
	case errors.Is(err, ErrNestingLimit):
		s.deny(edgeID, session, mumble.DenyNestingLimit, 0, 0, "")
	case errors.Is(err, ErrChannelLimit):
		s.deny(edgeID, session, mumble.DenyChannelCountLimit, 0, 0, "")
	case errors.Is(err, ErrRootImmutable), errors.Is(err, ErrCycle):
		s.deny(edgeID, session, mumble.DenyPermission, core.PermWrite, core.RootChannelID, err.Error())
	default:
		s.log.Error("channel mutation failed", "error", err)
	}
}

// channelStatePayload renders a channel as a framed ChannelState carrying
// every field, the shape edges forward to clients verbatim.
func channelStatePayload(ch *core.Channel) []byte {
	cs := &mumble.ChannelState{
		ChannelID: mumble.Uint32(ch.ID),
		Name:      mumble.String(ch.Name),
		Position:  mumble.Int32(ch.Position),
	}
	if ch.ParentID >= 0 {
		cs.Parent = mumble.Uint32(uint32(ch.ParentID))
	}
	if len(ch.Links) > 0 {
		cs.Links = append([]uint32(nil), ch.Links...)
	}
	if ch.Description != "" {
		if ch.DescriptionHash != "" {
			cs.DescriptionHash = []byte(ch.DescriptionHash)
		} else {
			cs.Description = mumble.String(ch.Description)
		}
	}
	if ch.Temporary {
		cs.Temporary = mumble.Bool(true)
	}
	if ch.MaxUsers > 0 {
		cs.MaxUsers = mumble.Uint32(ch.MaxUsers)
	}
	return mumble.Encode(cs)
}
