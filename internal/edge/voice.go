package edge

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/cluster"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

const maxVoiceDatagram = 1500

// udpLoop receives client voice datagrams. Mappings from udp_addr to
// session are learned by decrypt probing; a datagram from an unknown
// address is tried against every authenticated client sharing the source
// IP.
func (s *Server) udpLoop(ctx context.Context) {
	buf := make([]byte, maxVoiceDatagram)
	for {
		n, addr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Debug("udp read failed", "error", err)
			continue
		}
		pkt := buf[:n]

		// Unencrypted 12-byte ping probe used by server browsers.
		if n == 12 && binary.BigEndian.Uint32(pkt[0:4]) == 0 {
			if s.cfg.AllowPing {
				s.answerPingProbe(pkt, addr)
			}
			continue
		}

		if c := s.clientByAddr(addr.String()); c != nil {
			if plain := s.decryptFrom(c, pkt); plain != nil {
				s.handleVoiceDatagram(c, plain, addr)
				continue
			}
			// Decrypt failure on a known mapping: fall through to the
			// probe, the address may have been taken over by a rebind.
		}
		s.probeDatagram(pkt, addr)
	}
}

// answerPingProbe echoes the browser ping: version, the client's ident,
// user count, capacity, and bandwidth.
func (s *Server) answerPingProbe(pkt []byte, addr *net.UDPAddr) {
	resp := make([]byte, 24)
	binary.BigEndian.PutUint32(resp[0:4], versionV1)
	copy(resp[4:12], pkt[4:12])
	binary.BigEndian.PutUint32(resp[12:16], uint32(s.clientCount()))
	binary.BigEndian.PutUint32(resp[16:20], uint32(s.cfg.MaxUsers))
	binary.BigEndian.PutUint32(resp[20:24], uint32(s.maxBandwidth()))
	s.udpConn.WriteToUDP(resp, addr)
}

// decryptFrom attempts a decrypt under one client's crypto and updates the
// shared counters on success.
func (s *Server) decryptFrom(c *client, pkt []byte) []byte {
	c.cryptMu.Lock()
	defer c.cryptMu.Unlock()
	if !c.crypt.Ready() {
		return nil
	}
	before := c.crypt.Local
	plain, err := c.crypt.Decrypt(pkt)
	if err != nil {
		return nil
	}
	after := c.crypt.Local
	s.met.CryptGood.Add(float64(after.Good - before.Good))
	s.met.CryptLate.Add(float64(after.Late - before.Late))
	if after.Lost > before.Lost {
		s.met.CryptLost.Add(float64(after.Lost - before.Lost))
	}
	return plain
}

// probeDatagram finds the owner of an unknown endpoint: every authenticated
// client sharing the source IP gets a decrypt attempt, and the one whose
// crypto validates claims the mapping.
func (s *Server) probeDatagram(pkt []byte, addr *net.UDPAddr) {
	s.clientMu.RLock()
	candidates := make([]*client, 0, 4)
	for _, c := range s.bySession {
		if c.ip != nil && c.ip.Equal(addr.IP) {
			candidates = append(candidates, c)
		}
	}
	s.clientMu.RUnlock()

	for _, c := range candidates {
		if plain := s.decryptFrom(c, pkt); plain != nil {
			s.mapUDP(addr, c)
			s.handleVoiceDatagram(c, plain, addr)
			return
		}
	}
}

// handleVoiceDatagram processes a decrypted voice payload from a client.
func (s *Server) handleVoiceDatagram(c *client, plain []byte, addr *net.UDPAddr) {
	vp, err := mumble.ParseVoice(plain)
	if err != nil {
		s.log.Debug("malformed voice packet", "session", c.session, "error", err)
		return
	}
	if vp.Type == mumble.UDPPing {
		s.echoVoicePing(c, plain, addr)
		return
	}
	s.routeVoice(c, vp)
}

// echoVoicePing re-encrypts the type-1 ping and returns it to the sender.
func (s *Server) echoVoicePing(c *client, plain []byte, addr *net.UDPAddr) {
	c.cryptMu.Lock()
	out, err := c.crypt.Encrypt(plain)
	c.cryptMu.Unlock()
	if err != nil {
		return
	}
	s.udpConn.WriteToUDP(out, addr)
}

// routeVoice resolves the target set and delivers the rewritten payload to
// local listeners, peer edges, and TCP-tunnel fallbacks.
func (s *Server) routeVoice(sender *client, vp *mumble.VoicePacket) {
	start := time.Now()
	defer func() {
		s.met.VoiceRouteDurations.Observe(time.Since(start).Seconds())
	}()

	senderSess := s.mirror.Session(sender.session)
	if senderSess == nil {
		return
	}
	// Muted and suppressed senders are dropped before dispatch.
	if senderSess.Mute || senderSess.Suppress || senderSess.SelfMute {
		return
	}

	rewritten := vp.ForListener(sender.session)

	if vp.Target == mumble.TargetServer {
		// Server loopback, used by clients for echo tests.
		s.deliverVoice(sender, rewritten)
		return
	}

	listeners := s.resolveTargets(sender, senderSess, vp.Target)
	if len(listeners) == 0 {
		return
	}

	var remoteEdges map[string][]uint32
	for _, sess := range listeners {
		if local := s.clientBySession(sess.SessionID); local != nil {
			s.deliverVoice(local, rewritten)
			continue
		}
		if sess.EdgeID == s.edgeID() {
			continue
		}
		if remoteEdges == nil {
			remoteEdges = make(map[string][]uint32)
		}
		remoteEdges[sess.EdgeID] = append(remoteEdges[sess.EdgeID], sess.SessionID)
	}

	for edgeID, sessions := range remoteEdges {
		// The plane carries channel voice; the receiving edge re-resolves
		// the listener set from its own mirror. Whisper targets resolve
		// only on this edge, so they ride the hub relay with an explicit
		// session list.
		if vp.Target == mumble.TargetRegular {
			frame := &cluster.Frame{
				SenderEdge:    s.edgeID(),
				SenderSession: sender.session,
				TargetID:      vp.Target,
				Payload:       rewritten,
			}
			if err := s.plane.Send(edgeID, frame); err == nil {
				s.met.RecordVoice("remote", len(rewritten))
				continue
			}
			s.reportPeerDown(edgeID)
		}
		relay := &rpc.VoiceRelayParams{
			SenderEdge:    s.edgeID(),
			SenderSession: sender.session,
			TargetID:      uint32(vp.Target),
			Sessions:      sessions,
			Payload:       rewritten,
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultCallTimeout)
		if err := s.hub.Call(ctx, rpc.MethodEdgeRouteVoice, relay, nil); err != nil {
			s.log.Debug("voice relay failed", "edge", edgeID, "error", err)
		} else {
			s.met.RecordVoice("remote", len(rewritten))
		}
		cancel()
	}
}

// resolveTargets computes the listener set for a voice packet, mute and
// deaf filters applied, the sender excluded.
func (s *Server) resolveTargets(sender *client, senderSess *core.Session, target byte) []*core.Session {
	seen := make(map[uint32]*core.Session)
	add := func(sess *core.Session) {
		if sess == nil || sess.SessionID == senderSess.SessionID {
			return
		}
		if sess.Deaf || sess.SelfDeaf {
			return
		}
		seen[sess.SessionID] = sess
	}
	addChannel := func(id uint32) {
		for _, sess := range s.mirror.SessionsInChannel(id) {
			add(sess)
		}
		for _, sess := range s.mirror.ListenersOf(id) {
			add(sess)
		}
	}

	switch {
	case target == mumble.TargetRegular:
		addChannel(senderSess.ChannelID)
		sender.flagMu.Lock()
		shout := sender.groupShout
		sender.flagMu.Unlock()
		if shout {
			if ch := s.mirror.Channel(senderSess.ChannelID); ch != nil {
				for _, linked := range ch.Links {
					addChannel(linked)
				}
			}
		}
	default: // whisper targets 1..30
		def := sender.voiceTarget(uint32(target))
		if def == nil {
			return nil
		}
		for _, id := range def.Sessions {
			add(s.mirror.Session(id))
		}
		for _, tc := range def.Channels {
			channels := []*core.Channel{s.mirror.Channel(tc.ChannelID)}
			if channels[0] == nil {
				continue
			}
			if tc.Children {
				channels = s.mirror.Subtree(tc.ChannelID)
			}
			if tc.Links {
				for _, linked := range channels[0].Links {
					if ch := s.mirror.Channel(linked); ch != nil {
						channels = append(channels, ch)
					}
				}
			}
			for _, ch := range channels {
				for _, sess := range s.mirror.SessionsInChannel(ch.ID) {
					if tc.Group != "" && !s.inGroup(sess, ch, tc.Group) {
						continue
					}
					add(sess)
				}
			}
		}
	}

	// Promiscuous superusers hear every regular transmission.
	if target == mumble.TargetRegular {
		s.clientMu.RLock()
		for _, c := range s.bySession {
			c.flagMu.Lock()
			promisc := c.promiscuous
			c.flagMu.Unlock()
			if promisc {
				add(s.mirror.Session(c.session))
			}
		}
		s.clientMu.RUnlock()
	}

	out := make([]*core.Session, 0, len(seen))
	for _, sess := range seen {
		out = append(out, sess)
	}
	return out
}

func (s *Server) inGroup(sess *core.Session, ch *core.Channel, group string) bool {
	granted := false
	for _, g := range sess.Groups {
		if g == group {
			granted = true
		}
	}
	if granted {
		return true
	}
	if ch.Groups != nil {
		if g, ok := ch.Groups[group]; ok {
			for _, id := range g.Add {
				if id == sess.UserID {
					return true
				}
			}
		}
	}
	return false
}

// deliverVoice sends a rewritten voice payload to one local client, over
// UDP when the endpoint is known and the TCP tunnel otherwise.
func (s *Server) deliverVoice(c *client, rewritten []byte) {
	if addr, reachable := c.udpEndpoint(); reachable && addr != nil {
		c.cryptMu.Lock()
		out, err := c.crypt.Encrypt(rewritten)
		c.cryptMu.Unlock()
		if err == nil {
			if _, werr := s.udpConn.WriteToUDP(out, addr); werr == nil {
				s.met.RecordVoice("local", len(rewritten))
				return
			}
		}
	}
	if err := c.sendRaw(mumble.EncodeFrame(mumble.KindUDPTunnel, rewritten)); err != nil {
		c.disconnect("write failed")
		return
	}
	s.met.RecordVoice("tunnel", len(rewritten))
}

// handlePlaneFrame dispatches a cross-edge voice frame to local listeners.
// The payload is already rewritten; the sender's mirror record drives the
// same target resolution the origin edge ran.
func (s *Server) handlePlaneFrame(f *cluster.Frame) {
	if f.SenderEdge == s.edgeID() {
		return
	}
	senderSess := s.mirror.Session(f.SenderSession)
	if senderSess == nil {
		return
	}

	// Only channel voice rides the plane; whisper frames arrive through the
	// hub relay with explicit session lists.
	if f.TargetID != mumble.TargetRegular {
		return
	}
	var listeners []*core.Session
	listeners = append(listeners, s.mirror.SessionsInChannel(senderSess.ChannelID)...)
	listeners = append(listeners, s.mirror.ListenersOf(senderSess.ChannelID)...)

	delivered := make(map[uint32]bool)
	for _, sess := range listeners {
		if sess.SessionID == f.SenderSession || delivered[sess.SessionID] {
			continue
		}
		if sess.Deaf || sess.SelfDeaf {
			continue
		}
		c := s.clientBySession(sess.SessionID)
		if c == nil {
			continue
		}
		delivered[sess.SessionID] = true
		s.deliverVoice(c, f.Payload)
	}
}

// reportPeerDown tells the hub a peer's voice plane looks unreachable.
func (s *Server) reportPeerDown(edgeID string) {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultCallTimeout)
	defer cancel()
	req := struct {
		EdgeID string `json:"edge_id"`
	}{EdgeID: edgeID}
	if err := s.hub.Call(ctx, rpc.MethodEdgeReportPeerDisconnect, &req, nil); err != nil {
		s.log.Debug("peer disconnect report failed", "edge", edgeID, "error", err)
	}
}
