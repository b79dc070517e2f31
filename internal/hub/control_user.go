package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// commentHashThreshold is the comment length above which only the hash is
// broadcast; clients fetch the body via RequestBlob.
const commentHashThreshold = 128

// deny sends a PermissionDenied to one client via its edge.
func (s *Service) deny(edgeID string, session uint32, t mumble.DenyType, perm core.Permission, channel uint32, reason string) {
	pd := &mumble.PermissionDenied{Type: &t, Session: mumble.Uint32(session)}
	if t == mumble.DenyPermission {
		pd.Permission = mumble.Uint32(uint32(perm))
		pd.ChannelID = mumble.Uint32(channel)
	}
	if reason != "" {
		pd.Reason = mumble.String(reason)
	}
	if err := s.registry.Send(edgeID, rpc.MethodPermissionDenied, &rpc.PermissionDeniedNotice{
		Session: session,
		State:   mumble.Encode(pd),
	}); err != nil {
		s.log.Warn("denial delivery failed", "edge", edgeID, "error", err)
	}
}

func (s *Service) handleUserState(params json.RawMessage) error {
	var p rpc.UserStateParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var us mumble.UserState
	if err := us.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode UserState: %w", err)
	}

	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}
	targetID := mumble.GetUint32(us.Session, p.Actor)
	target := s.sessions.Get(targetID)
	if target == nil {
		return fmt.Errorf("unknown target session %d", targetID)
	}
	self := actor.SessionID == target.SessionID

	// Name changes never travel this path.
	if us.Name != nil && *us.Name != target.Username {
		s.deny(p.EdgeID, p.Actor, mumble.DenyUserName, 0, 0, "cannot change name")
		return nil
	}

	// Administrative mute/deafen/priority on another user.
	if !self && (us.Mute != nil || us.Deaf != nil || us.Suppress != nil || us.PrioritySpeaker != nil) {
		if !s.eval.Check(actor, target.ChannelID, core.PermMuteDeafen) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermMuteDeafen, target.ChannelID, "")
			return nil
		}
	}
	if !self && (us.SelfMute != nil || us.SelfDeaf != nil || us.Recording != nil ||
		us.Comment != nil || len(us.Texture) > 0 || us.PluginIdentity != nil) {
		return fmt.Errorf("session %d tried to edit private state of %d", p.Actor, targetID)
	}

	if mumble.GetBool(us.Recording) && !s.cfg.AllowRecording {
		s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, 0, 0, "recording is not allowed on this server")
		return nil
	}

	// Channel move.
	var movedTo *uint32
	if us.ChannelID != nil && *us.ChannelID != target.ChannelID {
		dest := *us.ChannelID
		ch := s.state.Channel(dest)
		if ch == nil {
			return fmt.Errorf("move to unknown channel %d", dest)
		}
		if !self && !s.eval.Check(actor, dest, core.PermMove) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermMove, dest, "")
			return nil
		}
		if !s.eval.Check(target, dest, core.PermEnter) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermEnter, dest, "")
			return nil
		}
		if full, limit := s.channelFull(ch); full {
			s.deny(p.EdgeID, p.Actor, mumble.DenyChannelFull, 0, dest,
				fmt.Sprintf("channel is full (%d users)", limit))
			return nil
		}
		movedTo = &dest
	}

	// Listening channels.
	var listenAdd, listenRemove []uint32
	for _, ch := range us.ListeningChannelAdd {
		if s.state.Channel(ch) == nil {
			continue
		}
		if !s.eval.Check(target, ch, core.PermListen) &&
			!s.eval.Check(target, ch, core.PermEnter) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermListen, ch, "")
			return nil
		}
		listenAdd = append(listenAdd, ch)
	}
	listenRemove = append(listenRemove, us.ListeningChannelRemove...)
	if limit := s.cfg.ListenersPerUser; limit > 0 &&
		len(target.ListeningChannels)+len(listenAdd) > limit {
		s.deny(p.EdgeID, p.Actor, mumble.DenyUserListenerLimit, 0, 0, "")
		return nil
	}

	// Comment: long bodies are stored in the blob store and only the hash
	// travels in broadcasts.
	var commentHash string
	if us.Comment != nil && len(*us.Comment) > commentHashThreshold && s.blobs != nil {
		hash, err := s.blobs.Put(context.Background(), []byte(*us.Comment))
		if err == nil {
			commentHash = hash
		}
	}
	var textureHash string
	if len(us.Texture) > 0 && s.blobs != nil {
		if hash, err := s.blobs.Put(context.Background(), us.Texture); err == nil {
			textureHash = hash
		}
	}

	// Apply. Suppress is hub-decided: a move recomputes it from Speak at
	// the destination.
	ok := s.sessions.Update(targetID, func(sess *core.Session) {
		if movedTo != nil {
			sess.ChannelID = *movedTo
		}
		if us.Mute != nil {
			sess.Mute = *us.Mute
			if !sess.Mute {
				sess.Deaf = false
			}
		}
		if us.Deaf != nil {
			sess.Deaf = *us.Deaf
			if sess.Deaf {
				sess.Mute = true
			}
		}
		if us.SelfMute != nil {
			sess.SelfMute = *us.SelfMute
			if !sess.SelfMute {
				sess.SelfDeaf = false
			}
		}
		if us.SelfDeaf != nil {
			sess.SelfDeaf = *us.SelfDeaf
			if sess.SelfDeaf {
				sess.SelfMute = true
			}
		}
		if us.PrioritySpeaker != nil {
			sess.PrioritySpeaker = *us.PrioritySpeaker
		}
		if us.Recording != nil {
			sess.Recording = *us.Recording
		}
		if us.Comment != nil {
			sess.Comment = *us.Comment
			sess.CommentHash = commentHash
		}
		if textureHash != "" {
			sess.TextureHash = textureHash
		}
		for _, ch := range listenAdd {
			if !sess.ListensTo(ch) {
				sess.ListeningChannels = append(sess.ListeningChannels, ch)
			}
		}
		for _, ch := range listenRemove {
			sess.ListeningChannels = removeID(sess.ListeningChannels, ch)
		}
		if len(us.TemporaryAccessTokens) > 0 {
			sess.Tokens = us.TemporaryAccessTokens
		}
		if movedTo != nil {
			sess.Suppress = !s.eval.Granted(sess, *movedTo).Isset(core.PermSpeak)
		}
	})
	if !ok {
		return fmt.Errorf("target session %d vanished", targetID)
	}
	updated := s.sessions.Get(targetID)
	if updated == nil {
		return nil
	}

	if movedTo != nil {
		s.eval.Cache.InvalidateSession(targetID)
		if s.cfg.RememberChannel && updated.IsRegistered() {
			if err := s.db.SetUserLastChannel(updated.UserID, *movedTo); err != nil {
				s.log.Warn("persist last channel failed", "user", updated.UserID, "error", err)
			}
		}
	}

	// Rebroadcast the delta with actor and suppress decision attached.
	out := us
	out.Session = mumble.Uint32(targetID)
	out.Actor = mumble.Uint32(p.Actor)
	out.Name = nil
	if movedTo != nil {
		out.Suppress = mumble.Bool(updated.Suppress)
	}
	if commentHash != "" {
		out.Comment = nil
		out.CommentHash = []byte(commentHash)
	}
	if textureHash != "" {
		out.Texture = nil
		out.TextureHash = []byte(textureHash)
	}
	_, err := s.registry.Broadcast(rpc.MethodUserStateBroadcast, &rpc.SessionBroadcast{
		Session: *updated,
		State:   mumble.Encode(&out),
	})
	return err
}

// channelFull applies the channel's own cap, falling back to the global
// per-channel cap.
func (s *Service) channelFull(ch *core.Channel) (bool, int) {
	limit := int(ch.MaxUsers)
	if limit == 0 {
		limit = s.cfg.MaxUsersPerChannel
	}
	if limit == 0 {
		return false, 0
	}
	return len(s.sessions.InChannel(ch.ID)) >= limit, limit
}

func (s *Service) handleUserRemove(params json.RawMessage) error {
	var p rpc.UserRemoveParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var ur mumble.UserRemove
	if err := ur.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode UserRemove: %w", err)
	}
	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}
	targetID := mumble.GetUint32(ur.Session, 0)
	target := s.sessions.Get(targetID)
	if target == nil {
		return fmt.Errorf("unknown target session %d", targetID)
	}

	wantBan := mumble.GetBool(ur.Ban)
	needed := core.PermKick
	if wantBan {
		needed = core.PermBan
	}
	if !s.eval.Check(actor, core.RootChannelID, needed) {
		s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, needed, core.RootChannelID, "")
		return nil
	}
	// A superuser can only be removed by another superuser.
	if target.IsSuperUser() && !actor.IsSuperUser() {
		s.deny(p.EdgeID, p.Actor, mumble.DenySuperUser, 0, 0, "")
		return nil
	}

	reason := mumble.GetString(ur.Reason)
	if wantBan {
		b := &core.Ban{
			IP:       target.IPAddress,
			CertHash: target.CertHash,
			Username: target.Username,
			Reason:   reason,
			Start:    time.Now(),
			Duration: 0,
		}
		if _, err := s.db.SaveBan(b); err != nil {
			return fmt.Errorf("persist ban: %w", err)
		}
		s.bans.Add(b)
		s.registry.Broadcast(rpc.MethodBanListUpdated, nil)
	}

	out := &mumble.UserRemove{
		Session: mumble.Uint32(targetID),
		Actor:   mumble.Uint32(p.Actor),
	}
	if reason != "" {
		out.Reason = mumble.String(reason)
	}
	if wantBan {
		out.Ban = mumble.Bool(true)
	}
	if _, err := s.registry.Broadcast(rpc.MethodUserRemoveBroadcast, &rpc.UserLeftBroadcast{
		Session: targetID,
		State:   mumble.Encode(out),
	}); err != nil {
		return err
	}

	// The owning edge force-closes the socket; the session row dies now.
	if err := s.registry.Send(target.EdgeID, rpc.MethodForceDisconnect, &rpc.ForceDisconnectParams{
		Session: targetID,
		Reason:  reason,
		Ban:     wantBan,
	}); err != nil {
		s.log.Warn("force disconnect delivery failed", "edge", target.EdgeID, "error", err)
	}
	s.removeSession(targetID)
	s.log.Info("user removed", "target", targetID, "actor", p.Actor, "ban", wantBan)
	return nil
}

func (s *Service) handleUserLeft(params json.RawMessage) error {
	var p rpc.UserLeftParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	sess := s.sessions.Get(p.Session)
	if sess == nil {
		return nil // already gone
	}
	if s.cfg.RememberChannel && sess.IsRegistered() {
		if err := s.db.SetUserLastChannel(sess.UserID, sess.ChannelID); err != nil {
			s.log.Warn("persist last channel failed", "user", sess.UserID, "error", err)
		}
	}
	s.removeSession(p.Session)

	payload := mumble.Encode(&mumble.UserRemove{Session: mumble.Uint32(p.Session)})
	_, err := s.registry.Broadcast(rpc.MethodUserLeftBroadcast, &rpc.UserLeftBroadcast{
		Session: p.Session,
		State:   payload,
	})
	if err == nil {
		s.log.Info("session left", "session", p.Session, "edge", p.EdgeID, "reason", p.Reason)
	}
	return err
}

func (s *Service) removeSession(id uint32) {
	s.sessions.Remove(id)
	s.eval.Cache.InvalidateSession(id)
	s.evictVoiceTargets(id)
}

func (s *Service) handleTextMessage(params json.RawMessage) error {
	var p rpc.TextMessageParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var tm mumble.TextMessage
	if err := tm.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode TextMessage: %w", err)
	}
	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}

	text := mumble.GetString(tm.Message)
	if s.cfg.TextMessageLength > 0 && len(text) > s.cfg.TextMessageLength {
		isImage := strings.Contains(text, "<img")
		if !isImage || (s.cfg.ImageMessageLength > 0 && len(text) > s.cfg.ImageMessageLength) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyTextTooLong, 0, 0, "")
			return nil
		}
	}

	recipients := make(map[uint32]bool)
	for _, id := range tm.Sessions {
		if s.sessions.Get(id) != nil {
			recipients[id] = true
		}
	}
	addChannel := func(id uint32) bool {
		if !s.eval.Check(actor, id, core.PermTextMessage) {
			s.deny(p.EdgeID, p.Actor, mumble.DenyPermission, core.PermTextMessage, id, "")
			return false
		}
		for _, sess := range s.sessions.InChannel(id) {
			recipients[sess.SessionID] = true
		}
		return true
	}
	for _, id := range tm.ChannelIDs {
		if s.state.Channel(id) == nil {
			continue
		}
		if !addChannel(id) {
			return nil
		}
	}
	for _, root := range tm.TreeIDs {
		if s.state.Channel(root) == nil {
			continue
		}
		for _, id := range s.state.Subtree(root) {
			if !addChannel(id) {
				return nil
			}
		}
	}
	delete(recipients, p.Actor)
	if len(recipients) == 0 {
		return nil
	}

	out := tm
	out.Actor = mumble.Uint32(p.Actor)
	framed := mumble.Encode(&out)
	for edgeID, ids := range s.groupByEdge(recipients) {
		if err := s.registry.Send(edgeID, rpc.MethodTextMessageBroadcast, &rpc.StateBroadcast{
			State:    framed,
			Sessions: ids,
		}); err != nil {
			s.log.Warn("text fanout failed", "edge", edgeID, "error", err)
		}
	}
	return nil
}

func (s *Service) handlePluginData(params json.RawMessage) error {
	var p rpc.PluginDataParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var pd mumble.PluginDataTransmission
	if err := pd.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode PluginDataTransmission: %w", err)
	}
	if s.sessions.Get(p.Actor) == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}

	recipients := make(map[uint32]bool)
	for _, id := range pd.ReceiverSessions {
		if s.sessions.Get(id) != nil && id != p.Actor {
			recipients[id] = true
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	out := pd
	out.SenderSession = mumble.Uint32(p.Actor)
	framed := mumble.Encode(&out)
	for edgeID, ids := range s.groupByEdge(recipients) {
		if err := s.registry.Send(edgeID, rpc.MethodPluginDataBroadcast, &rpc.StateBroadcast{
			State:    framed,
			Sessions: ids,
		}); err != nil {
			s.log.Warn("plugin data fanout failed", "edge", edgeID, "error", err)
		}
	}
	return nil
}

// handleUserStats assembles authoritative stats for a target session and
// answers the requesting client through its edge.
func (s *Service) handleUserStats(params json.RawMessage) error {
	var p rpc.UserStatsParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	var req mumble.UserStats
	if err := req.Unmarshal(p.State); err != nil {
		return fmt.Errorf("decode UserStats: %w", err)
	}
	actor := s.sessions.Get(p.Actor)
	if actor == nil {
		return fmt.Errorf("unknown actor session %d", p.Actor)
	}
	targetID := mumble.GetUint32(req.Session, p.Actor)
	target := s.sessions.Get(targetID)
	if target == nil {
		return fmt.Errorf("unknown target session %d", targetID)
	}

	full := targetID == p.Actor || actor.IsSuperUser() ||
		s.eval.Check(actor, core.RootChannelID, core.PermRegister)

	now := time.Now()
	out := &mumble.UserStats{
		Session:    mumble.Uint32(targetID),
		OnlineSecs: mumble.Uint32(uint32(now.Sub(target.ConnectedAt).Seconds())),
		IdleSecs:   mumble.Uint32(uint32(now.Sub(target.LastActive).Seconds())),
	}
	if full {
		if ip := parseAddr(target.IPAddress); ip != nil {
			out.Address = ip
		}
	} else {
		out.StatsOnly = mumble.Bool(true)
	}
	return s.registry.Send(p.EdgeID, rpc.MethodUserStatsResponse, &rpc.StateBroadcast{
		State:    mumble.Encode(out),
		Sessions: []uint32{p.Actor},
	})
}

func (s *Service) groupByEdge(sessions map[uint32]bool) map[string][]uint32 {
	byEdge := make(map[string][]uint32)
	for id := range sessions {
		if sess := s.sessions.Get(id); sess != nil {
			byEdge[sess.EdgeID] = append(byEdge[sess.EdgeID], id)
		}
	}
	return byEdge
}

// parseAddr renders an IP in the 16-byte form UserStats.Address carries.
func parseAddr(addr string) []byte {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	return ip.To16()
}
