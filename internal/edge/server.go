package edge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/murmurgrid/murmurgrid/internal/acl"
	"github.com/murmurgrid/murmurgrid/internal/auth"
	"github.com/murmurgrid/murmurgrid/internal/cluster"
	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/metrics"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// Server is one edge node: the TLS accept loop, the UDP voice socket, the
// hub control channel, and the cross-edge voice plane.
type Server struct {
	cfg *config.Config
	log *slog.Logger
	met *metrics.Metrics

	mirror *Mirror
	eval   *acl.Evaluator
	hub    *rpc.Client
	auth   *auth.Authenticator
	plane  *cluster.Plane

	tlsConfig *tls.Config
	listener  net.Listener
	udpConn   *net.UDPConn

	// Cluster parameters handed back by edge.register.
	regMu     sync.RWMutex
	name      string
	welcome   string
	bandwidth int

	clientMu  sync.RWMutex
	bySession map[uint32]*client
	byAddr    map[string]*client

	authFails *authTracker
	banMu     sync.Mutex
	tempBans  map[string]time.Time
}

// NewServer wires an edge from its validated configuration. The prometheus
// registerer may be nil outside tests.
func NewServer(cfg *config.Config, log *slog.Logger, reg prometheus.Registerer) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("edge: load tls keypair: %w", err)
	}

	mirror := NewMirror()
	s := &Server{
		cfg:    cfg,
		log:    log.With("edge", cfg.Edge.EdgeID),
		met:    metrics.New(reg),
		mirror: mirror,
		eval:   acl.NewEvaluator(mirror),
		auth: auth.New(auth.Config{
			URL:                cfg.Auth.URL,
			Timeout:            cfg.Auth.Timeout.Std(),
			CacheTTL:           cfg.Auth.CacheTTL.Std(),
			AllowCacheFallback: cfg.Auth.AllowCacheFallback,
		}, log),
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		},
		bandwidth: cfg.Bandwidth,
		welcome:   cfg.WelcomeText,
		bySession: make(map[uint32]*client),
		byAddr:    make(map[string]*client),
		authFails: newAuthTracker(cfg.AutoBan.Attempts, cfg.AutoBan.Timeframe.Std()),
		tempBans:  make(map[string]time.Time),
	}

	s.hub = rpc.NewClient(cfg.Edge.HubURL, s.log)
	s.hub.OnConnect(s.hubConnected)
	s.hub.OnNotification(s.hubNotification)
	s.hub.OnRequest(s.hubRequest)
	s.hub.OnDrop(func() {
		s.met.RPCReconnects.Inc()
		s.log.Warn("hub link lost")
	})
	return s, nil
}

func (s *Server) edgeID() string { return s.cfg.Edge.EdgeID }

func (s *Server) maxBandwidth() int {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.bandwidth
}

func (s *Server) welcomeText() string {
	s.regMu.RLock()
	defer s.regMu.RUnlock()
	return s.welcome
}

// Run starts every loop and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	addr := net.JoinHostPort("", fmt.Sprintf("%d", s.cfg.Port))
	ln, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("edge: listen tcp %s: %w", addr, err)
	}
	s.listener = ln

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	s.udpConn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("edge: listen udp %s: %w", addr, err)
	}

	voicePort := s.cfg.VoicePort
	if voicePort == 0 {
		voicePort = s.cfg.Port + 1
	}
	s.plane, err = cluster.Listen(net.JoinHostPort("", fmt.Sprintf("%d", voicePort)), s.log)
	if err != nil {
		return fmt.Errorf("edge: voice plane: %w", err)
	}

	go s.hub.Run(ctx)
	go s.acceptLoop(ctx)
	go s.udpLoop(ctx)
	go s.plane.Run(ctx, s.handlePlaneFrame)
	go s.tick(ctx)

	<-ctx.Done()
	s.listener.Close()
	s.udpConn.Close()
	s.plane.Close()
	s.closeAllClients("server shutting down")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		go newClient(s, conn).run(ctx)
	}
}

// tick drives the heartbeat and the periodic sweeps.
func (s *Server) tick(ctx context.Context) {
	heartbeat := time.NewTicker(s.cfg.Registry.HeartbeatInterval.Std())
	sweep := time.NewTicker(time.Minute)
	defer heartbeat.Stop()
	defer sweep.Stop()
	for {
		select {
		case <-heartbeat.C:
			if !s.hub.Connected() {
				continue
			}
			err := s.hub.Call(ctx, rpc.MethodEdgeHeartbeat, &rpc.HeartbeatParams{
				EdgeID:       s.edgeID(),
				SessionCount: s.clientCount(),
				LastSequence: s.mirror.Sequence(),
			}, nil)
			if err != nil {
				s.log.Warn("heartbeat failed", "error", err)
			}
		case <-sweep.C:
			s.authFails.sweep()
			s.auth.Sweep()
			s.sweepTempBans()
			s.mirror.Bans().Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// hubConnected runs on every (re)connect before the client admits traffic:
// register, full sync, then announce readiness to the peers.
func (s *Server) hubConnected(ctx context.Context, conn *rpc.Conn) error {
	var reg rpc.RegisterResult
	err := conn.Call(ctx, rpc.MethodEdgeRegister, &rpc.RegisterParams{
		EdgeID:    s.edgeID(),
		Name:      s.cfg.Name,
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		VoicePort: s.planePort(),
		Region:    s.cfg.Edge.Region,
		Capacity:  s.cfg.Edge.Capacity,
	}, &reg)
	if err != nil {
		return fmt.Errorf("edge: register: %w", err)
	}

	var snap rpc.FullSyncResult
	if err := conn.Call(ctx, rpc.MethodEdgeFullSync,
		&rpc.FullSyncParams{EdgeID: s.edgeID()}, &snap); err != nil {
		return fmt.Errorf("edge: full sync: %w", err)
	}
	s.mirror.Load(&snap)
	s.eval.Cache.InvalidateAll()
	for _, peer := range snap.Peers {
		s.plane.AddPeer(peer)
	}

	s.regMu.Lock()
	s.name = reg.ServerName
	if reg.WelcomeText != "" {
		s.welcome = reg.WelcomeText
	}
	if reg.MaxBandwidth > 0 {
		s.bandwidth = reg.MaxBandwidth
	}
	s.regMu.Unlock()

	if err := conn.Call(ctx, rpc.MethodEdgeJoinComplete, nil, nil); err != nil {
		return fmt.Errorf("edge: join complete: %w", err)
	}
	s.met.EdgesOnline.Set(float64(len(snap.Peers) + 1))
	s.log.Info("joined cluster",
		"server", reg.ServerName, "peers", len(snap.Peers), "sequence", snap.Sequence)
	return nil
}

// hubRequest serves the few calls the hub makes toward an edge.
func (s *Server) hubRequest(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case rpc.MethodClusterGetStatus:
		return map[string]interface{}{
			"edge_id":  s.edgeID(),
			"sessions": s.clientCount(),
			"sequence": s.mirror.Sequence(),
		}, nil
	default:
		return nil, fmt.Errorf("edge: unknown method %q", method)
	}
}

// hubNotification applies a hub broadcast to the mirror and fans the framed
// payload out to the local clients it addresses.
func (s *Server) hubNotification(method string, params json.RawMessage, seq uint64) {
	if !s.mirror.Advance(seq) {
		s.log.Warn("broadcast sequence gap, scheduling resync", "sequence", seq)
		go s.resync()
	}
	var err error
	switch method {
	case rpc.MethodUserJoined, rpc.MethodUserStateChanged, rpc.MethodUserStateBroadcast:
		err = s.applySessionBroadcast(params)
	case rpc.MethodUserLeftBroadcast, rpc.MethodUserRemoveBroadcast:
		err = s.applyUserLeft(params)
	case rpc.MethodChannelStateBroadcast:
		err = s.applyChannelBroadcast(params)
	case rpc.MethodChannelRemoveBroadcast:
		err = s.applyChannelRemove(params)
	case rpc.MethodTextMessageBroadcast, rpc.MethodPluginDataBroadcast,
		rpc.MethodUserStatsResponse:
		err = s.applyStateBroadcast(params)
	case rpc.MethodPermissionDenied:
		err = s.applyPermissionDenied(params)
	case rpc.MethodACLUpdated:
		err = s.applyACLUpdated(params)
	case rpc.MethodBanListUpdated:
		go s.refreshBans()
	case rpc.MethodPeerJoined:
		err = s.applyPeerJoined(params)
	case rpc.MethodPeerLeft:
		err = s.applyPeerLeft(params)
	case rpc.MethodForceDisconnect:
		err = s.applyForceDisconnect(params)
	case rpc.MethodVoiceRelay:
		err = s.applyVoiceRelay(params)
	default:
		err = fmt.Errorf("unknown broadcast %q", method)
	}
	if err != nil {
		s.log.Warn("broadcast failed", "method", method, "error", err)
	}
}

// resync re-fetches the full snapshot after a detected broadcast gap.
func (s *Server) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultCallTimeout)
	defer cancel()
	var snap rpc.FullSyncResult
	if err := s.hub.Call(ctx, rpc.MethodEdgeFullSync,
		&rpc.FullSyncParams{EdgeID: s.edgeID()}, &snap); err != nil {
		s.log.Warn("resync failed", "error", err)
		return
	}
	s.mirror.Load(&snap)
	s.eval.Cache.InvalidateAll()
	s.log.Info("resynced from hub", "sequence", snap.Sequence)
}

func (s *Server) applySessionBroadcast(params json.RawMessage) error {
	var b rpc.SessionBroadcast
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.mirror.UpsertSession(b.Session)
	s.eval.Cache.InvalidateSession(b.Session.SessionID)
	s.fanout(b.State, nil)
	return nil
}

func (s *Server) applyUserLeft(params json.RawMessage) error {
	var b rpc.UserLeftBroadcast
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.mirror.RemoveSession(b.Session)
	s.eval.Cache.InvalidateSession(b.Session)
	if len(b.State) > 0 {
		s.fanout(b.State, nil)
	}
	return nil
}

func (s *Server) applyChannelBroadcast(params json.RawMessage) error {
	var b rpc.ChannelBroadcast
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.mirror.UpsertChannel(b.Channel)
	s.eval.Cache.InvalidateChannel(b.Channel.ID)
	s.fanout(b.State, nil)
	return nil
}

func (s *Server) applyChannelRemove(params json.RawMessage) error {
	var b rpc.ChannelRemoveBroadcast
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.mirror.RemoveChannels(b.ChannelsRemoved)
	s.eval.Cache.InvalidateAll()
	s.fanout(b.State, nil)
	return nil
}

func (s *Server) applyStateBroadcast(params json.RawMessage) error {
	var b rpc.StateBroadcast
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.fanout(b.State, b.Sessions)
	return nil
}

func (s *Server) applyPermissionDenied(params json.RawMessage) error {
	var b rpc.PermissionDeniedNotice
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.fanout(b.State, []uint32{b.Session})
	return nil
}

// applyACLUpdated purges the advisory permission cache and tells clients to
// drop their cached channel permissions.
func (s *Server) applyACLUpdated(params json.RawMessage) error {
	var b rpc.ACLUpdated
	if err := rpc.DecodeParams(params, &b); err != nil {
		return err
	}
	s.eval.Cache.InvalidateAll()
	flush := &mumble.PermissionQuery{Flush: mumble.Bool(true)}
	s.fanout(mumble.Encode(flush), nil)
	return nil
}

func (s *Server) refreshBans() {
	ctx, cancel := context.WithTimeout(context.Background(), rpc.DefaultCallTimeout)
	defer cancel()
	var bans []core.Ban
	if err := s.admin(ctx, "getBans", nil, &bans); err != nil {
		s.log.Warn("ban refresh failed", "error", err)
		return
	}
	s.mirror.Bans().Replace(bans)
}

func (s *Server) applyPeerJoined(params json.RawMessage) error {
	var p rpc.PeerParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	s.mirror.UpsertPeer(p.Edge)
	s.plane.AddPeer(p.Edge)
	s.met.EdgesOnline.Set(float64(len(s.mirror.Peers()) + 1))
	s.log.Info("peer edge joined", "peer", p.Edge.EdgeID)
	return nil
}

func (s *Server) applyPeerLeft(params json.RawMessage) error {
	var p rpc.PeerParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	// The hub broadcasts a UserRemove per orphaned session separately; here
	// only the peer bookkeeping goes.
	s.mirror.RemovePeer(p.Edge.EdgeID)
	s.plane.RemovePeer(p.Edge.EdgeID)
	s.met.EdgesOnline.Set(float64(len(s.mirror.Peers()) + 1))
	s.log.Info("peer edge left", "peer", p.Edge.EdgeID)
	return nil
}

func (s *Server) applyForceDisconnect(params json.RawMessage) error {
	var p rpc.ForceDisconnectParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	if c := s.clientBySession(p.Session); c != nil {
		c.disconnect(p.Reason)
	}
	return nil
}

// applyVoiceRelay delivers a control-channel voice fallback to the local
// sessions it names.
func (s *Server) applyVoiceRelay(params json.RawMessage) error {
	var p rpc.VoiceRelayParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return err
	}
	for _, id := range p.Sessions {
		if c := s.clientBySession(id); c != nil {
			s.deliverVoice(c, p.Payload)
		}
	}
	return nil
}

// fanout writes a framed payload to the addressed local clients; an empty
// session list means every synchronized client.
func (s *Server) fanout(frame []byte, sessions []uint32) {
	if len(frame) == 0 {
		return
	}
	if len(sessions) > 0 {
		for _, id := range sessions {
			if c := s.clientBySession(id); c != nil {
				if err := c.sendRaw(frame); err != nil {
					c.disconnect("write failed")
				}
			}
		}
		return
	}
	s.clientMu.RLock()
	targets := make([]*client, 0, len(s.bySession))
	for _, c := range s.bySession {
		targets = append(targets, c)
	}
	s.clientMu.RUnlock()
	for _, c := range targets {
		if c.state.Load() < stateSynchronizing || c.state.Load() >= stateDisconnecting {
			continue
		}
		if err := c.sendRaw(frame); err != nil {
			c.disconnect("write failed")
		}
	}
}

// admin forwards an out-of-band management operation to the hub.
func (s *Server) admin(ctx context.Context, op string, args, result interface{}) error {
	req := struct {
		Op   string      `json:"op"`
		Args interface{} `json:"args,omitempty"`
	}{Op: op, Args: args}
	return s.hub.Call(ctx, rpc.MethodEdgeAdminOperation, &req, result)
}

// fetchBlob pulls a content-addressed blob through the hub.
func (s *Server) fetchBlob(ctx context.Context, hash string) ([]byte, error) {
	var res rpc.BlobGetResult
	if err := s.hub.Call(ctx, rpc.MethodBlobGet, &rpc.BlobGetParams{Hash: hash}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (s *Server) planePort() int {
	if s.plane == nil {
		if s.cfg.VoicePort != 0 {
			return s.cfg.VoicePort
		}
		return s.cfg.Port + 1
	}
	if addr, ok := s.plane.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return s.cfg.VoicePort
}

// Client registry.

func (s *Server) addClient(c *client) {
	s.clientMu.Lock()
	s.bySession[c.session] = c
	s.clientMu.Unlock()
	s.met.SessionsOnline.Inc()
}

func (s *Server) removeClient(c *client) {
	removed := false
	s.clientMu.Lock()
	if s.bySession[c.session] == c {
		delete(s.bySession, c.session)
		removed = true
	}
	if addr, _ := c.udpEndpoint(); addr != nil {
		if s.byAddr[addr.String()] == c {
			delete(s.byAddr, addr.String())
		}
	}
	s.clientMu.Unlock()
	if removed {
		s.met.SessionsOnline.Dec()
	}
}

func (s *Server) clientBySession(id uint32) *client {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.bySession[id]
}

func (s *Server) clientByAddr(addr string) *client {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return s.byAddr[addr]
}

// mapUDP installs a udp_addr → client mapping, evicting the client's stale
// endpoint after a NAT rebind.
func (s *Server) mapUDP(addr *net.UDPAddr, c *client) {
	prev := c.setUDPAddr(addr)
	s.clientMu.Lock()
	if prev != nil {
		if s.byAddr[prev.String()] == c {
			delete(s.byAddr, prev.String())
		}
	}
	s.byAddr[addr.String()] = c
	s.clientMu.Unlock()
}

func (s *Server) clientCount() int {
	s.clientMu.RLock()
	defer s.clientMu.RUnlock()
	return len(s.bySession)
}

func (s *Server) closeAllClients(reason string) {
	s.clientMu.RLock()
	clients := make([]*client, 0, len(s.bySession))
	for _, c := range s.bySession {
		clients = append(clients, c)
	}
	s.clientMu.RUnlock()
	for _, c := range clients {
		c.disconnect(reason)
	}
}

// Failed-auth tracking and the temporary bans it feeds.

func (s *Server) recordAuthFailure(ip net.IP) {
	if ip == nil || s.cfg.AutoBan.Attempts <= 0 {
		return
	}
	if s.authFails.record(ip.String()) {
		until := time.Now().Add(s.cfg.AutoBan.Duration.Std())
		s.banMu.Lock()
		s.tempBans[ip.String()] = until
		s.banMu.Unlock()
		s.log.Warn("address temporarily banned", "ip", ip.String(), "until", until)
	}
}

func (s *Server) forgetAuthFailures(ip net.IP) {
	if ip != nil {
		s.authFails.forget(ip.String())
	}
}

func (s *Server) tempBanned(ip net.IP) bool {
	if ip == nil {
		return false
	}
	s.banMu.Lock()
	defer s.banMu.Unlock()
	until, ok := s.tempBans[ip.String()]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.tempBans, ip.String())
		return false
	}
	return true
}

func (s *Server) sweepTempBans() {
	now := time.Now()
	s.banMu.Lock()
	for ip, until := range s.tempBans {
		if now.After(until) {
			delete(s.tempBans, ip)
		}
	}
	s.banMu.Unlock()
}

// suggestConfig builds the optional client-settings suggestion, nil when the
// operator configured none.
func (s *Server) suggestConfig() *mumble.SuggestConfig {
	sug := s.cfg.Suggest
	if sug.Version == "" && sug.Positional == nil && sug.PushToTalk == nil {
		return nil
	}
	sc := &mumble.SuggestConfig{
		Positional: sug.Positional,
		PushToTalk: sug.PushToTalk,
	}
	var major, minor, patch uint32
	if n, _ := fmt.Sscanf(sug.Version, "%d.%d.%d", &major, &minor, &patch); n == 3 {
		sc.VersionV1 = mumble.Uint32(major<<16 | minor<<8 | patch)
	}
	return sc
}

// Status renders the node document served at /statusz.
func (s *Server) Status() map[string]interface{} {
	return map[string]interface{}{
		"edge_id":       s.edgeID(),
		"region":        s.cfg.Edge.Region,
		"sessions":      s.clientCount(),
		"sequence":      s.mirror.Sequence(),
		"hub_connected": s.hub.Connected(),
		"peers":         len(s.mirror.Peers()),
	}
}

// Mirror exposes the hub-state mirror, for the status surface.
func (s *Server) Mirror() *Mirror { return s.mirror }

// Hub exposes the control channel client, for the status surface.
func (s *Server) Hub() *rpc.Client { return s.hub }
