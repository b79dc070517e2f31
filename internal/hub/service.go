package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/murmurgrid/murmurgrid/internal/acl"
	"github.com/murmurgrid/murmurgrid/internal/ban"
	"github.com/murmurgrid/murmurgrid/internal/blob"
	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/hub/store"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Edges authenticate over mutual TLS at the listener; origin checks
	// are a browser concern and do not apply here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Service terminates the edge control channel: it owns the authoritative
// state, evaluates permissions, applies mutations, and fans the resulting
// broadcasts out through the registry.
type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	db       store.Store
	state    *State
	sessions *SessionTable
	registry *Registry
	bans     *ban.Cache
	eval     *acl.Evaluator
	blobs    blob.Store

	// Per-session voice-target mirror, session -> target id -> def.
	targetMu sync.Mutex
	targets  map[uint32]map[uint32]core.VoiceTargetDef
}

// NewService wires the hub core. blobs may be nil when the blob store is
// disabled; blob methods then answer with an error.
func NewService(cfg *config.Config, db store.Store, blobs blob.Store, log *slog.Logger) (*Service, error) {
	if log == nil {
		log = slog.Default()
	}
	state, err := NewState(db)
	if err != nil {
		return nil, err
	}
	state.NestingLimit = cfg.ChannelNestingLimit
	state.CountLimit = cfg.ChannelCountLimit

	bans := ban.NewCache()
	stored, err := db.LoadBans()
	if err != nil {
		return nil, err
	}
	bans.Replace(stored)

	return &Service{
		cfg:      cfg,
		log:      log,
		db:       db,
		state:    state,
		sessions: NewSessionTable(),
		registry: NewRegistry(cfg.Registry.MaxEdges, cfg.Registry.MaxMessagesPerEdge,
			cfg.Registry.MaxCacheTime.Std(), log),
		bans:    bans,
		eval:    acl.NewEvaluator(state),
		blobs:   blobs,
		targets: make(map[uint32]map[uint32]core.VoiceTargetDef),
	}, nil
}

// State exposes the channel tree, for the status surface.
func (s *Service) State() *State { return s.state }

// Sessions exposes the session table, for the status surface.
func (s *Service) Sessions() *SessionTable { return s.sessions }

// Registry exposes the edge registry, for the status surface.
func (s *Service) Registry() *Registry { return s.registry }

// Status renders the cluster document served at /statusz.
func (s *Service) Status() map[string]interface{} {
	edges := s.registry.Edges()
	online := 0
	for _, e := range edges {
		if e.Online {
			online++
		}
	}
	return map[string]interface{}{
		"edges":        len(edges),
		"edges_online": online,
		"sessions":     s.sessions.Len(),
		"channels":     s.state.Len(),
		"sequence":     s.registry.Sequence(),
	}
}

// HandleEdge upgrades an HTTP request into an edge control channel.
func (s *Service) HandleEdge(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("edge upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	link := &edgeConn{svc: s, conn: rpc.NewConn(ws, s.log)}
	link.conn.OnRequest(link.handleRequest)
	link.conn.OnNotification(link.handleNotification)
	link.conn.OnClose(link.closed)
	link.conn.Start()
	s.log.Info("edge channel opened", "remote", r.RemoteAddr)
}

// Run drives the periodic tickers until ctx is canceled: stale-edge sweep
// and ban cache expiry.
func (s *Service) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.Registry.HeartbeatInterval.Std())
	banSweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	defer banSweep.Stop()
	for {
		select {
		case <-sweep.C:
			for _, info := range s.registry.SweepStale(s.cfg.Registry.Timeout.Std()) {
				s.log.Warn("edge timed out", "edge", info.EdgeID)
				s.edgeDown(info)
			}
		case <-banSweep.C:
			s.bans.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// edgeConn binds one control connection to the edge id it registered as.
type edgeConn struct {
	svc  *Service
	conn *rpc.Conn

	mu     sync.Mutex
	edgeID string
}

func (e *edgeConn) id() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.edgeID
}

func (e *edgeConn) setID(id string) {
	e.mu.Lock()
	e.edgeID = id
	e.mu.Unlock()
}

// closed runs when the connection dies. The registry record survives so the
// replay cache keeps accumulating until the timeout sweep declares the edge
// gone for good.
func (e *edgeConn) closed() {
	id := e.id()
	if id == "" {
		return
	}
	if e.svc.registry.Detach(id, e.conn) {
		e.svc.log.Warn("edge channel lost", "edge", id)
	}
}

func (e *edgeConn) handleRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	s := e.svc
	switch method {
	case rpc.MethodEdgeRegister:
		return e.register(params)
	case rpc.MethodEdgeHeartbeat:
		var p rpc.HeartbeatParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		if !s.registry.Heartbeat(p.EdgeID, p.SessionCount) {
			return nil, fmt.Errorf("hub: heartbeat from unregistered edge %q", p.EdgeID)
		}
		return nil, nil
	case rpc.MethodEdgeAllocateSessionID:
		return s.allocateSession(params)
	case rpc.MethodEdgeReportSession:
		return s.reportSession(params)
	case rpc.MethodEdgeFullSync:
		return s.fullSync(params)
	case rpc.MethodEdgeGetChannels:
		return &rpc.FullSyncResult{Channels: s.state.Snapshot(), Sequence: s.registry.Sequence()}, nil
	case rpc.MethodEdgeGetACLs:
		return s.getACLs(params)
	case rpc.MethodEdgeHandleACL:
		return s.handleACL(params)
	case rpc.MethodEdgeSaveChannel:
		return s.saveChannel(params)
	case rpc.MethodEdgeSaveACL:
		return s.saveACL(params)
	case rpc.MethodEdgeSyncVoiceTarget:
		return s.syncVoiceTarget(params)
	case rpc.MethodEdgeRouteVoice:
		return s.routeVoice(params)
	case rpc.MethodEdgeAdminOperation:
		return s.adminOperation(ctx, params)
	case rpc.MethodEdgeJoin:
		return nil, nil // reserved for a join barrier; registration suffices
	case rpc.MethodEdgeJoinComplete:
		return e.joinComplete()
	case rpc.MethodEdgeReportPeerDisconnect:
		return s.reportPeerDisconnect(params)
	case rpc.MethodClusterGetStatus:
		return &rpc.ClusterStatusResult{
			Edges:    s.registry.Edges(),
			Sessions: s.sessions.Len(),
			Channels: s.state.Len(),
			Sequence: s.registry.Sequence(),
		}, nil
	case rpc.MethodBlobPut, rpc.MethodBlobGet,
		rpc.MethodBlobGetUserTexture, rpc.MethodBlobGetUserComment,
		rpc.MethodBlobSetUserTexture, rpc.MethodBlobSetUserComment:
		return s.handleBlob(ctx, method, params)
	default:
		return nil, fmt.Errorf("hub: unknown method %q", method)
	}
}

func (e *edgeConn) handleNotification(method string, params json.RawMessage, _ uint64) {
	s := e.svc
	var err error
	switch method {
	case rpc.MethodHubHandleUserState:
		err = s.handleUserState(params)
	case rpc.MethodHubHandleUserRemove:
		err = s.handleUserRemove(params)
	case rpc.MethodHubHandleChannelState:
		err = s.handleChannelState(params)
	case rpc.MethodHubHandleChannelRemove:
		err = s.handleChannelRemove(params)
	case rpc.MethodHubHandleTextMessage:
		err = s.handleTextMessage(params)
	case rpc.MethodHubHandlePluginData:
		err = s.handlePluginData(params)
	case rpc.MethodHubHandleUserStats:
		err = s.handleUserStats(params)
	case rpc.MethodHubUserLeft:
		err = s.handleUserLeft(params)
	default:
		err = fmt.Errorf("unknown notification %q", method)
	}
	if err != nil {
		s.log.Warn("notification failed", "method", method, "error", err)
	}
}

func (e *edgeConn) register(params json.RawMessage) (interface{}, error) {
	s := e.svc
	var p rpc.RegisterParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.EdgeID == "" {
		return nil, errors.New("hub: register without edge_id")
	}
	info := core.EdgeInfo{
		EdgeID:    p.EdgeID,
		Name:      p.Name,
		Host:      p.Host,
		Port:      p.Port,
		VoicePort: p.VoicePort,
		Region:    p.Region,
		Capacity:  p.Capacity,
	}
	replayed, err := s.registry.Attach(info, e.conn)
	if err != nil {
		return nil, err
	}
	e.setID(p.EdgeID)
	if replayed > 0 {
		s.log.Info("replayed cached broadcasts", "edge", p.EdgeID, "count", replayed)
	}
	return &rpc.RegisterResult{
		ServerName:   s.cfg.Name,
		WelcomeText:  s.cfg.WelcomeText,
		MaxBandwidth: s.cfg.Bandwidth,
		Peers:        s.registry.OnlinePeers(p.EdgeID),
		LastSequence: s.registry.Sequence(),
	}, nil
}

// joinComplete announces the edge to its peers once its fullSync landed.
func (e *edgeConn) joinComplete() (interface{}, error) {
	s := e.svc
	id := e.id()
	info, ok := s.registry.Info(id)
	if !ok {
		return nil, fmt.Errorf("hub: joinComplete before register")
	}
	if _, err := s.registry.BroadcastExcept(id, rpc.MethodPeerJoined, &rpc.PeerParams{Edge: info}); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Service) allocateSession(params json.RawMessage) (interface{}, error) {
	var p rpc.AllocateSessionParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if b := s.bans.Match(net.ParseIP(p.IP), p.CertHash); b != nil {
		return &rpc.AllocateSessionResult{Banned: true, BanReason: b.Reason}, nil
	}
	if s.sessions.Len() >= s.cfg.MaxUsers {
		return nil, fmt.Errorf("hub: server full (%d users)", s.cfg.MaxUsers)
	}
	return &rpc.AllocateSessionResult{SessionID: s.sessions.Allocate()}, nil
}

func (s *Service) reportSession(params json.RawMessage) (interface{}, error) {
	var p rpc.ReportSessionParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	sess := p.Session
	if sess.SessionID == 0 {
		return nil, errors.New("hub: reportSession without session_id")
	}
	now := time.Now()
	sess.ConnectedAt = now
	sess.LastActive = now
	if s.state.Channel(sess.ChannelID) == nil {
		sess.ChannelID = s.cfg.DefaultChannel
	}
	if s.cfg.RememberChannel && sess.IsRegistered() {
		if u, err := s.db.UserByID(sess.UserID); err == nil && s.state.Channel(u.LastChannel) != nil {
			sess.ChannelID = u.LastChannel
		}
	}
	s.sessions.Add(&sess)

	state := s.userStatePayload(&sess)
	if _, err := s.registry.Broadcast(rpc.MethodUserJoined, &rpc.SessionBroadcast{Session: sess, State: state}); err != nil {
		return nil, err
	}
	s.log.Info("session joined", "session", sess.SessionID, "user", sess.Username, "edge", sess.EdgeID)
	return nil, nil
}

func (s *Service) fullSync(params json.RawMessage) (interface{}, error) {
	var p rpc.FullSyncParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	sessions := make([]core.Session, 0)
	for _, sess := range s.sessions.All() {
		sessions = append(sessions, *sess)
	}
	return &rpc.FullSyncResult{
		Channels:  s.state.Snapshot(),
		Sessions:  sessions,
		Bans:      s.bans.List(),
		Peers:     s.registry.OnlinePeers(p.EdgeID),
		Sequence:  s.registry.Sequence(),
		Timestamp: time.Now().Unix(),
	}, nil
}

func (s *Service) getACLs(params json.RawMessage) (interface{}, error) {
	var req struct {
		ChannelID uint32 `json:"channel_id"`
	}
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	ch := s.state.Channel(req.ChannelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %d", ErrChannelNotFound, req.ChannelID)
	}
	return s.inheritedView(ch), nil
}

func (s *Service) syncVoiceTarget(params json.RawMessage) (interface{}, error) {
	var p rpc.VoiceTargetParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID < 1 || p.ID > 30 {
		return nil, fmt.Errorf("hub: voice target id %d out of range", p.ID)
	}
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	if p.Target == nil {
		delete(s.targets[p.Session], p.ID)
		return nil, nil
	}
	if s.targets[p.Session] == nil {
		s.targets[p.Session] = make(map[uint32]core.VoiceTargetDef)
	}
	s.targets[p.Session][p.ID] = *p.Target
	return nil, nil
}

// routeVoice relays a voice packet through the control channel to the edges
// owning the target sessions. Best effort, like the UDP plane it backs up.
func (s *Service) routeVoice(params json.RawMessage) (interface{}, error) {
	var p rpc.VoiceRelayParams
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	byEdge := make(map[string][]uint32)
	for _, id := range p.Sessions {
		if sess := s.sessions.Get(id); sess != nil && sess.EdgeID != p.SenderEdge {
			byEdge[sess.EdgeID] = append(byEdge[sess.EdgeID], id)
		}
	}
	for edgeID, ids := range byEdge {
		relay := p
		relay.Sessions = ids
		if err := s.registry.Send(edgeID, rpc.MethodVoiceRelay, &relay); err != nil {
			s.log.Debug("voice relay failed", "edge", edgeID, "error", err)
		}
	}
	return nil, nil
}

func (s *Service) reportPeerDisconnect(params json.RawMessage) (interface{}, error) {
	var p struct {
		EdgeID string `json:"edge_id"`
	}
	if err := rpc.DecodeParams(params, &p); err != nil {
		return nil, err
	}
	// A peer reporting an unreachable edge only accelerates the sweep; the
	// heartbeat timeout remains the authority.
	if info, ok := s.registry.Info(p.EdgeID); ok && info.Online {
		s.log.Warn("peer reported edge unreachable", "edge", p.EdgeID)
	}
	return nil, nil
}

// edgeDown drops an edge's sessions and tells the cluster.
func (s *Service) edgeDown(info core.EdgeInfo) {
	dropped := s.sessions.DropEdge(info.EdgeID)
	for _, sess := range dropped {
		s.evictVoiceTargets(sess.SessionID)
		s.eval.Cache.InvalidateSession(sess.SessionID)
		payload := mumble.Encode(&mumble.UserRemove{Session: mumble.Uint32(sess.SessionID)})
		s.registry.Broadcast(rpc.MethodUserLeftBroadcast, &rpc.UserLeftBroadcast{
			Session: sess.SessionID,
			State:   payload,
		})
	}
	s.registry.Broadcast(rpc.MethodPeerLeft, &rpc.PeerParams{Edge: info})
	if len(dropped) > 0 {
		s.log.Info("dropped sessions of lost edge", "edge", info.EdgeID, "count", len(dropped))
	}
}

func (s *Service) evictVoiceTargets(session uint32) {
	s.targetMu.Lock()
	delete(s.targets, session)
	s.targetMu.Unlock()
}

// userStatePayload builds the full UserState message announcing a session.
func (s *Service) userStatePayload(sess *core.Session) []byte {
	us := &mumble.UserState{
		Session:   mumble.Uint32(sess.SessionID),
		Name:      mumble.String(sess.Username),
		ChannelID: mumble.Uint32(sess.ChannelID),
	}
	if sess.UserID > 0 {
		us.UserID = mumble.Uint32(uint32(sess.UserID))
	}
	if sess.CertHash != "" {
		us.Hash = mumble.String(sess.CertHash)
	}
	if sess.Mute {
		us.Mute = mumble.Bool(true)
	}
	if sess.Deaf {
		us.Deaf = mumble.Bool(true)
	}
	if sess.Suppress {
		us.Suppress = mumble.Bool(true)
	}
	if sess.SelfMute {
		us.SelfMute = mumble.Bool(true)
	}
	if sess.SelfDeaf {
		us.SelfDeaf = mumble.Bool(true)
	}
	if sess.PrioritySpeaker {
		us.PrioritySpeaker = mumble.Bool(true)
	}
	if sess.Recording {
		us.Recording = mumble.Bool(true)
	}
	if sess.CommentHash != "" {
		us.CommentHash = []byte(sess.CommentHash)
	}
	if sess.TextureHash != "" {
		us.TextureHash = []byte(sess.TextureHash)
	}
	return mumble.Encode(us)
}

func (s *Service) handleBlob(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	if s.blobs == nil {
		return nil, errors.New("hub: blob store disabled")
	}
	switch method {
	case rpc.MethodBlobPut:
		var p rpc.BlobPutParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		hash, err := s.blobs.Put(ctx, p.Data)
		if err != nil {
			return nil, err
		}
		return &rpc.BlobPutResult{Hash: hash}, nil
	case rpc.MethodBlobGet:
		var p rpc.BlobGetParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		data, err := s.blobs.Get(ctx, p.Hash)
		if err != nil {
			return nil, err
		}
		return &rpc.BlobGetResult{Data: data}, nil
	case rpc.MethodBlobGetUserTexture, rpc.MethodBlobGetUserComment:
		var p rpc.UserBlobParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		u, err := s.db.UserByID(p.UserID)
		if err != nil {
			return nil, err
		}
		hash := u.TextureHash
		if method == rpc.MethodBlobGetUserComment {
			hash = u.CommentHash
		}
		if hash == "" {
			return nil, blob.ErrNotFound
		}
		data, err := s.blobs.Get(ctx, hash)
		if err != nil {
			return nil, err
		}
		return &rpc.BlobGetResult{Data: data}, nil
	default: // set texture / comment
		var p rpc.UserBlobParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		hash, err := s.blobs.Put(ctx, p.Data)
		if err != nil {
			return nil, err
		}
		if method == rpc.MethodBlobSetUserTexture {
			err = s.db.SetUserTexture(p.UserID, hash)
		} else {
			err = s.db.SetUserComment(p.UserID, hash)
		}
		if err != nil {
			return nil, err
		}
		return &rpc.BlobPutResult{Hash: hash}, nil
	}
}

// adminOperation serves out-of-band management requests from the web API.
type adminRequest struct {
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

func (s *Service) adminOperation(_ context.Context, params json.RawMessage) (interface{}, error) {
	var req adminRequest
	if err := rpc.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	switch req.Op {
	case "getBans":
		return s.bans.List(), nil
	case "setBans":
		var bans []core.Ban
		if err := json.Unmarshal(req.Args, &bans); err != nil {
			return nil, err
		}
		if err := s.db.ReplaceBans(bans); err != nil {
			return nil, err
		}
		s.bans.Replace(bans)
		s.registry.Broadcast(rpc.MethodBanListUpdated, nil)
		return nil, nil
	case "listUsers":
		return s.db.Users()
	case "kick":
		var args struct {
			Session uint32 `json:"session"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, err
		}
		sess := s.sessions.Get(args.Session)
		if sess == nil {
			return nil, fmt.Errorf("hub: no session %d", args.Session)
		}
		return nil, s.registry.Send(sess.EdgeID, rpc.MethodForceDisconnect,
			&rpc.ForceDisconnectParams{Session: args.Session, Reason: args.Reason})
	default:
		return nil, fmt.Errorf("hub: unknown admin op %q", req.Op)
	}
}
