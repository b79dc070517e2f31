package edge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// Built-in context actions.
const (
	actionGroupShout  = "murmurgrid_group_shout"
	actionBulkMove    = "murmurgrid_bulk_move"
	actionPromiscuous = "murmurgrid_promiscuous"
)

// dispatch handles one control message in the RUNNING state. State-changing
// messages are forwarded to the hub; everything else is answered locally.
func (c *client) dispatch(ctx context.Context, kind mumble.Kind, payload []byte) error {
	switch kind {
	case mumble.KindPing, mumble.KindUDPTunnel:
		// Exempt from the message budget: pings keep the session alive and
		// tunneled voice has its own pacing.
	case mumble.KindPluginDataTransmission:
		if !c.pluginBucket.allow() {
			c.log.Debug("plugin message rate limited", "session", c.session)
			return nil
		}
	default:
		if !c.msgBucket.allow() {
			c.log.Debug("control message rate limited", "session", c.session, "kind", kind)
			if kind == mumble.KindTextMessage {
				channel := uint32(0)
				if sess := c.srv.mirror.Session(c.session); sess != nil {
					channel = sess.ChannelID
				}
				c.denyPermission(core.PermTextMessage, channel)
			}
			return nil
		}
	}
	c.srv.met.RecordMessage(kind.String())

	switch kind {
	case mumble.KindPing:
		return c.handlePing(payload)
	case mumble.KindCryptSetup:
		return c.handleCryptSetup(payload)
	case mumble.KindUDPTunnel:
		return c.handleTunnel(payload)
	case mumble.KindVoiceTarget:
		return c.handleVoiceTarget(ctx, payload)
	case mumble.KindPermissionQuery:
		return c.handlePermissionQuery(payload)
	case mumble.KindContextAction:
		return c.handleContextAction(payload)
	case mumble.KindRequestBlob:
		return c.handleRequestBlob(ctx, payload)
	case mumble.KindQueryUsers:
		return c.handleQueryUsers(ctx, payload)
	case mumble.KindUserList:
		return c.handleUserList(ctx)
	case mumble.KindBanList:
		return c.handleBanList(ctx, payload)
	case mumble.KindACL:
		return c.handleACL(ctx, payload)
	case mumble.KindUserState:
		return c.forward(rpc.MethodHubHandleUserState, payload)
	case mumble.KindUserRemove:
		return c.forward(rpc.MethodHubHandleUserRemove, payload)
	case mumble.KindChannelState:
		return c.forward(rpc.MethodHubHandleChannelState, payload)
	case mumble.KindChannelRemove:
		return c.forward(rpc.MethodHubHandleChannelRemove, payload)
	case mumble.KindTextMessage:
		return c.forward(rpc.MethodHubHandleTextMessage, payload)
	case mumble.KindPluginDataTransmission:
		return c.forward(rpc.MethodHubHandlePluginData, payload)
	case mumble.KindUserStats:
		return c.forward(rpc.MethodHubHandleUserStats, payload)
	default:
		c.log.Debug("unhandled message", "kind", kind)
		return nil
	}
}

// forward relays a state-changing message to the hub for authoritative
// handling. While the hub link is down the client gets a denial instead.
func (c *client) forward(method string, payload []byte) error {
	state := append([]byte(nil), payload...)
	var params interface{}
	switch method {
	case rpc.MethodHubHandleUserState:
		params = &rpc.UserStateParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandleUserRemove:
		params = &rpc.UserRemoveParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandleChannelState:
		params = &rpc.ChannelStateParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandleChannelRemove:
		params = &rpc.ChannelRemoveParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandleTextMessage:
		params = &rpc.TextMessageParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandlePluginData:
		params = &rpc.PluginDataParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	case rpc.MethodHubHandleUserStats:
		params = &rpc.UserStatsParams{EdgeID: c.srv.edgeID(), Actor: c.session, State: state}
	default:
		return fmt.Errorf("edge: no forwarding for %s", method)
	}
	if err := c.srv.hub.Notify(method, params); err != nil {
		if errors.Is(err, rpc.ErrNotConnected) {
			c.denyHubDown()
			return nil
		}
		return err
	}
	return nil
}

// handlePing echoes the timestamp and reports the server-side crypt view.
// The client's own counters are kept as the remote statistics.
func (c *client) handlePing(payload []byte) error {
	var p mumble.Ping
	if err := p.Unmarshal(payload); err != nil {
		return err
	}
	c.cryptMu.Lock()
	if p.Good != nil {
		c.crypt.Remote.Good = *p.Good
	}
	if p.Late != nil {
		c.crypt.Remote.Late = *p.Late
	}
	if p.Lost != nil {
		c.crypt.Remote.Lost = *p.Lost
	}
	if p.Resync != nil {
		c.crypt.Remote.Resync = *p.Resync
	}
	local := c.crypt.Local
	c.cryptMu.Unlock()

	return c.send(&mumble.Ping{
		Timestamp: p.Timestamp,
		Good:      mumble.Uint32(local.Good),
		Late:      mumble.Uint32(local.Late),
		Lost:      mumble.Uint32(local.Lost),
		Resync:    mumble.Uint32(local.Resync),
	})
}

// handleCryptSetup serves nonce resyncs: an empty client nonce asks for the
// server's current encrypt IV, a full nonce reinstalls the decrypt IV.
func (c *client) handleCryptSetup(payload []byte) error {
	var cs mumble.CryptSetup
	if err := cs.Unmarshal(payload); err != nil {
		return err
	}
	c.cryptMu.Lock()
	if len(cs.ClientNonce) == 0 {
		nonce := c.crypt.EncryptIV()
		c.cryptMu.Unlock()
		return c.send(&mumble.CryptSetup{ServerNonce: nonce})
	}
	// SetDecryptIV counts the resync itself.
	err := c.crypt.SetDecryptIV(cs.ClientNonce)
	c.cryptMu.Unlock()
	if err != nil {
		return err
	}
	c.srv.met.CryptResyncs.Inc()
	return nil
}

// handleTunnel routes a voice packet received over the TCP control channel.
func (c *client) handleTunnel(payload []byte) error {
	vp, err := mumble.ParseVoice(payload)
	if err != nil {
		return err
	}
	c.srv.routeVoice(c, vp)
	return nil
}

func (c *client) handleVoiceTarget(ctx context.Context, payload []byte) error {
	var vt mumble.VoiceTarget
	if err := vt.Unmarshal(payload); err != nil {
		return err
	}
	id := mumble.GetUint32(vt.ID, 0)
	if id < 1 || id > 30 {
		return nil
	}
	var def *core.VoiceTargetDef
	if len(vt.Targets) > 0 {
		def = &core.VoiceTargetDef{}
		for _, t := range vt.Targets {
			def.Sessions = append(def.Sessions, t.Sessions...)
			if t.ChannelID != nil {
				def.Channels = append(def.Channels, core.VoiceTargetChannelDef{
					ChannelID: *t.ChannelID,
					Group:     mumble.GetString(t.Group),
					Links:     mumble.GetBool(t.Links),
					Children:  mumble.GetBool(t.Children),
				})
			}
		}
	}
	c.setVoiceTarget(id, def)

	// Mirror to the hub so cross-edge whisper resolution survives a local
	// restart. Best effort; the local copy is what routing uses.
	if err := c.srv.hub.Call(ctx, rpc.MethodEdgeSyncVoiceTarget, &rpc.VoiceTargetParams{
		EdgeID:  c.srv.edgeID(),
		Session: c.session,
		ID:      id,
		Target:  def,
	}, nil); err != nil && !errors.Is(err, rpc.ErrNotConnected) {
		c.log.Debug("voice target sync failed", "error", err)
	}
	return nil
}

// handlePermissionQuery answers from the mirrored tree. The answer is
// advisory; the hub re-checks on every mutation.
func (c *client) handlePermissionQuery(payload []byte) error {
	var pq mumble.PermissionQuery
	if err := pq.Unmarshal(payload); err != nil {
		return err
	}
	channel := mumble.GetUint32(pq.ChannelID, 0)
	sess := c.srv.mirror.Session(c.session)
	if sess == nil || c.srv.mirror.Channel(channel) == nil {
		return nil
	}
	granted := c.srv.eval.Granted(sess, channel)
	return c.send(&mumble.PermissionQuery{
		ChannelID:   mumble.Uint32(channel),
		Permissions: mumble.Uint32(uint32(granted)),
	})
}

func (c *client) handleContextAction(payload []byte) error {
	var ca mumble.ContextAction
	if err := ca.Unmarshal(payload); err != nil {
		return err
	}
	sess := c.srv.mirror.Session(c.session)
	if sess == nil {
		return nil
	}
	switch mumble.GetString(ca.Action) {
	case actionGroupShout:
		c.flagMu.Lock()
		c.groupShout = !c.groupShout
		on := c.groupShout
		c.flagMu.Unlock()
		c.log.Info("group shout toggled", "session", c.session, "enabled", on)
	case actionBulkMove:
		target := mumble.GetUint32(ca.ChannelID, sess.ChannelID)
		if !c.srv.eval.Check(sess, target, core.PermMove) {
			c.denyPermission(core.PermMove, target)
			return nil
		}
		for _, other := range c.srv.mirror.SessionsInChannel(sess.ChannelID) {
			if other.SessionID == c.session {
				continue
			}
			move := &mumble.UserState{
				Session:   mumble.Uint32(other.SessionID),
				ChannelID: mumble.Uint32(target),
			}
			if err := c.forward(rpc.MethodHubHandleUserState, move.Marshal()); err != nil {
				return err
			}
		}
	case actionPromiscuous:
		if !sess.IsSuperUser() {
			c.denyPermission(core.PermWrite, core.RootChannelID)
			return nil
		}
		c.flagMu.Lock()
		c.promiscuous = !c.promiscuous
		on := c.promiscuous
		c.flagMu.Unlock()
		c.log.Info("promiscuous mode toggled", "session", c.session, "enabled", on)
	default:
		c.log.Debug("unknown context action", "action", mumble.GetString(ca.Action))
	}
	return nil
}

func (c *client) denyPermission(perm core.Permission, channel uint32) {
	t := mumble.DenyPermission
	c.send(&mumble.PermissionDenied{
		Type:       &t,
		Permission: mumble.Uint32(uint32(perm)),
		ChannelID:  mumble.Uint32(channel),
		Session:    mumble.Uint32(c.session),
	})
}

// handleRequestBlob serves full texture/comment/description payloads from
// the hub blob store, addressed by the hashes the mirror carries.
func (c *client) handleRequestBlob(ctx context.Context, payload []byte) error {
	var rb mumble.RequestBlob
	if err := rb.Unmarshal(payload); err != nil {
		return err
	}
	for _, id := range rb.SessionTexture {
		sess := c.srv.mirror.Session(id)
		if sess == nil || sess.TextureHash == "" {
			continue
		}
		data, err := c.srv.fetchBlob(ctx, sess.TextureHash)
		if err != nil {
			continue
		}
		if err := c.send(&mumble.UserState{
			Session: mumble.Uint32(id),
			Texture: data,
		}); err != nil {
			return err
		}
	}
	for _, id := range rb.SessionComment {
		sess := c.srv.mirror.Session(id)
		if sess == nil || sess.CommentHash == "" {
			continue
		}
		data, err := c.srv.fetchBlob(ctx, sess.CommentHash)
		if err != nil {
			continue
		}
		if err := c.send(&mumble.UserState{
			Session: mumble.Uint32(id),
			Comment: mumble.String(string(data)),
		}); err != nil {
			return err
		}
	}
	for _, id := range rb.ChannelDescription {
		ch := c.srv.mirror.Channel(id)
		if ch == nil || ch.DescriptionHash == "" {
			continue
		}
		data, err := c.srv.fetchBlob(ctx, ch.DescriptionHash)
		if err != nil {
			continue
		}
		if err := c.send(&mumble.ChannelState{
			ChannelID:   mumble.Uint32(id),
			Description: mumble.String(string(data)),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) handleQueryUsers(ctx context.Context, payload []byte) error {
	var q mumble.QueryUsers
	if err := q.Unmarshal(payload); err != nil {
		return err
	}
	var users []core.User
	if err := c.srv.admin(ctx, "listUsers", nil, &users); err != nil {
		if errors.Is(err, rpc.ErrNotConnected) {
			c.denyHubDown()
			return nil
		}
		return err
	}
	byID := make(map[uint32]string, len(users))
	byName := make(map[string]uint32, len(users))
	for _, u := range users {
		byID[uint32(u.ID)] = u.Name
		byName[u.Name] = uint32(u.ID)
	}
	resp := &mumble.QueryUsers{}
	for _, id := range q.IDs {
		if name, ok := byID[id]; ok {
			resp.IDs = append(resp.IDs, id)
			resp.Names = append(resp.Names, name)
		}
	}
	for _, name := range q.Names {
		if id, ok := byName[name]; ok {
			resp.IDs = append(resp.IDs, id)
			resp.Names = append(resp.Names, name)
		}
	}
	return c.send(resp)
}

func (c *client) handleUserList(ctx context.Context) error {
	sess := c.srv.mirror.Session(c.session)
	if sess == nil || !c.srv.eval.Check(sess, core.RootChannelID, core.PermRegister) {
		c.denyPermission(core.PermRegister, core.RootChannelID)
		return nil
	}
	var users []core.User
	if err := c.srv.admin(ctx, "listUsers", nil, &users); err != nil {
		if errors.Is(err, rpc.ErrNotConnected) {
			c.denyHubDown()
			return nil
		}
		return err
	}
	list := &mumble.UserList{}
	for _, u := range users {
		list.Users = append(list.Users, &mumble.UserListEntry{
			UserID:      mumble.Uint32(uint32(u.ID)),
			Name:        mumble.String(u.Name),
			LastSeen:    mumble.String(u.LastSeen.UTC().Format(time.RFC3339)),
			LastChannel: mumble.Uint32(u.LastChannel),
		})
	}
	return c.send(list)
}

func (c *client) handleBanList(ctx context.Context, payload []byte) error {
	var bl mumble.BanList
	if err := bl.Unmarshal(payload); err != nil {
		return err
	}
	sess := c.srv.mirror.Session(c.session)
	if sess == nil || !c.srv.eval.Check(sess, core.RootChannelID, core.PermBan) {
		c.denyPermission(core.PermBan, core.RootChannelID)
		return nil
	}

	if mumble.GetBool(bl.Query) {
		resp := &mumble.BanList{}
		for _, b := range c.srv.mirror.Bans().List() {
			entry := &mumble.BanEntry{
				Name:     mumble.String(b.Username),
				Hash:     mumble.String(b.CertHash),
				Reason:   mumble.String(b.Reason),
				Start:    mumble.String(b.Start.UTC().Format(time.RFC3339)),
				Duration: mumble.Uint32(b.Duration),
			}
			if ip, ipnet, err := net.ParseCIDR(b.IP); err == nil {
				ones, _ := ipnet.Mask.Size()
				entry.Address = ip.To16()
				entry.Mask = mumble.Uint32(uint32(ones))
			}
			resp.Bans = append(resp.Bans, entry)
		}
		return c.send(resp)
	}

	bans := make([]core.Ban, 0, len(bl.Bans))
	for _, e := range bl.Bans {
		b := core.Ban{
			Username: mumble.GetString(e.Name),
			CertHash: mumble.GetString(e.Hash),
			Reason:   mumble.GetString(e.Reason),
			Duration: mumble.GetUint32(e.Duration, 0),
			Start:    time.Now(),
		}
		if t, err := time.Parse(time.RFC3339, mumble.GetString(e.Start)); err == nil {
			b.Start = t
		}
		if len(e.Address) > 0 && e.Mask != nil {
			ip := net.IP(e.Address)
			b.IP = fmt.Sprintf("%s/%d", ip.String(), *e.Mask)
		}
		bans = append(bans, b)
	}
	if err := c.srv.admin(ctx, "setBans", bans, nil); err != nil {
		if errors.Is(err, rpc.ErrNotConnected) {
			c.denyHubDown()
			return nil
		}
		return err
	}
	return nil
}

// handleACL forwards queries and updates to the hub and converts the
// inherited view back to the wire form.
func (c *client) handleACL(ctx context.Context, payload []byte) error {
	var a mumble.ACL
	if err := a.Unmarshal(payload); err != nil {
		return err
	}
	params := &rpc.ACLParams{
		EdgeID:  c.srv.edgeID(),
		Session: c.session,
		Query:   mumble.GetBool(a.Query),
		ACL: rpc.ACLPayload{
			ChannelID:  mumble.GetUint32(a.ChannelID, 0),
			InheritACL: a.InheritACLs == nil || *a.InheritACLs,
		},
	}
	if !params.Query {
		for _, e := range a.ACLs {
			entry := core.ACLEntry{
				ChannelID: params.ACL.ChannelID,
				UserID:    -1,
				Group:     mumble.GetString(e.Group),
				ApplyHere: mumble.GetBool(e.ApplyHere),
				ApplySubs: mumble.GetBool(e.ApplySubs),
				Allow:     core.Permission(mumble.GetUint32(e.Grant, 0)),
				Deny:      core.Permission(mumble.GetUint32(e.Deny, 0)),
			}
			if e.UserID != nil {
				entry.UserID = int64(*e.UserID)
				entry.Group = ""
			}
			params.ACL.Entries = append(params.ACL.Entries, entry)
		}
		for _, g := range a.Groups {
			change := rpc.ACLGroupChange{
				Name:        mumble.GetString(g.Name),
				Inherit:     mumble.GetBool(g.Inherit),
				Inheritable: mumble.GetBool(g.Inheritable),
			}
			for _, id := range g.Add {
				change.Add = append(change.Add, int64(id))
			}
			for _, id := range g.Remove {
				change.Remove = append(change.Remove, int64(id))
			}
			params.ACL.Groups = append(params.ACL.Groups, change)
		}
	}

	var result rpc.ACLResult
	if err := c.srv.hub.Call(ctx, rpc.MethodEdgeHandleACL, params, &result); err != nil {
		if errors.Is(err, rpc.ErrNotConnected) {
			c.denyHubDown()
			return nil
		}
		return err
	}
	if !params.Query {
		return nil
	}

	resp := &mumble.ACL{
		ChannelID:   mumble.Uint32(result.ChannelID),
		InheritACLs: mumble.Bool(result.InheritACL),
		Query:       mumble.Bool(true),
	}
	for _, e := range result.Entries {
		entry := &mumble.ACLEntry{
			ApplyHere: mumble.Bool(e.ApplyHere),
			ApplySubs: mumble.Bool(e.ApplySubs),
			Inherited: mumble.Bool(e.Inherited),
			Grant:     mumble.Uint32(uint32(e.Allow)),
			Deny:      mumble.Uint32(uint32(e.Deny)),
		}
		if e.UserID >= 0 {
			entry.UserID = mumble.Uint32(uint32(e.UserID))
		} else {
			entry.Group = mumble.String(e.Group)
		}
		resp.ACLs = append(resp.ACLs, entry)
	}
	for _, g := range result.Groups {
		group := &mumble.ACLGroup{
			Name:        mumble.String(g.Name),
			Inherited:   mumble.Bool(g.Inherited),
			Inherit:     mumble.Bool(g.Inherit),
			Inheritable: mumble.Bool(g.Inheritable),
		}
		for _, id := range g.Add {
			group.Add = append(group.Add, uint32(id))
		}
		for _, id := range g.Remove {
			group.Remove = append(group.Remove, uint32(id))
		}
		for _, id := range g.InheritedMembers {
			group.InheritedMembers = append(group.InheritedMembers, uint32(id))
		}
		resp.Groups = append(resp.Groups, group)
	}
	return c.send(resp)
}
