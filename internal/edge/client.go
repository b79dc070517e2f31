package edge

import (
	"context"
	"crypto/sha1"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/murmurgrid/murmurgrid/internal/auth"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/cryptstate"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// Client connection states, in handshake order.
const (
	stateVersionExchange int32 = iota
	stateAuthenticating
	stateSynchronizing
	stateRunning
	stateDisconnecting
	stateDisconnected
)

const (
	// readTimeout ends idle connections; pings reset it.
	readTimeout = 5 * time.Minute
	// handshakeTimeout bounds the TLS handshake and version exchange.
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 10 * time.Second

	versionV1 = 1<<16 | 5<<8 // 1.5.0
	release   = "murmurgrid"
)

// client is one connected Mumble client. The read loop owns the handshake;
// concurrent writers (voice router, hub broadcast fanout) serialize on
// writeMu and cryptMu.
type client struct {
	srv  *Server
	conn net.Conn
	log  *slog.Logger

	state atomic.Int32

	session  uint32
	username string
	certHash string
	ip       net.IP

	writeMu sync.Mutex

	cryptMu sync.Mutex
	crypt   cryptstate.CryptState

	udpMu        sync.Mutex
	udpAddr      *net.UDPAddr
	udpReachable bool

	targetMu sync.Mutex
	targets  map[uint32]*core.VoiceTargetDef

	// Context-action toggles.
	flagMu      sync.Mutex
	groupShout  bool
	promiscuous bool

	msgBucket    *tokenBucket
	pluginBucket *tokenBucket

	// UserState messages received before authentication, applied after sync.
	preAuth []*mumble.UserState

	connectedAt time.Time
	lastActive  atomic.Int64 // unix seconds

	closeOnce sync.Once
}

func newClient(srv *Server, conn net.Conn) *client {
	c := &client{
		srv:          srv,
		conn:         conn,
		log:          srv.log.With("remote", conn.RemoteAddr().String()),
		targets:      make(map[uint32]*core.VoiceTargetDef),
		msgBucket:    newTokenBucket(srv.cfg.MessageLimit, srv.cfg.MessageBurst),
		pluginBucket: newTokenBucket(srv.cfg.PluginMessageLimit, srv.cfg.PluginMessageBurst),
		connectedAt:  time.Now(),
	}
	c.lastActive.Store(time.Now().Unix())
	return c
}

// run drives the connection from TLS handshake to disconnect.
func (c *client) run(ctx context.Context) {
	defer c.cleanup()

	tlsConn, ok := c.conn.(*tls.Conn)
	if !ok {
		c.log.Error("client connection is not TLS")
		return
	}
	c.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.log.Debug("tls handshake failed", "error", err)
		return
	}
	if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
		sum := sha1.Sum(certs[0].Raw)
		c.certHash = hex.EncodeToString(sum[:])
	}
	if host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String()); err == nil {
		c.ip = net.ParseIP(host)
	}

	if b := c.srv.mirror.Bans().Match(c.ip, c.certHash); b != nil {
		c.log.Info("refused banned client", "reason", b.Reason)
		return
	}
	if c.srv.tempBanned(c.ip) {
		c.log.Info("refused temporarily banned address")
		return
	}

	ver := &mumble.Version{VersionV1: mumble.Uint32(versionV1)}
	if c.srv.cfg.SendVersion {
		ver.Release = mumble.String(release)
	}
	if err := c.send(ver); err != nil {
		return
	}

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.readDeadline()))
		kind, payload, err := mumble.ReadFrame(c.conn)
		if err != nil {
			if c.state.Load() < stateDisconnecting && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("client read ended", "error", err)
			}
			return
		}
		c.lastActive.Store(time.Now().Unix())
		if err := c.handle(ctx, kind, payload); err != nil {
			c.log.Warn("client message failed", "kind", kind, "error", err)
			return
		}
		if c.state.Load() >= stateDisconnecting {
			return
		}
	}
}

func (c *client) readDeadline() time.Duration {
	if c.state.Load() < stateRunning {
		return handshakeTimeout
	}
	return readTimeout
}

func (c *client) handle(ctx context.Context, kind mumble.Kind, payload []byte) error {
	switch c.state.Load() {
	case stateVersionExchange:
		return c.handlePreAuth(ctx, kind, payload, true)
	case stateAuthenticating:
		return c.handlePreAuth(ctx, kind, payload, false)
	case stateRunning:
		return c.dispatch(ctx, kind, payload)
	default:
		// Frames racing the state flip during sync or teardown are dropped.
		return nil
	}
}

// handlePreAuth covers the VERSION_EXCHANGE and AUTHENTICATING states.
func (c *client) handlePreAuth(ctx context.Context, kind mumble.Kind, payload []byte, wantVersion bool) error {
	switch kind {
	case mumble.KindVersion:
		if !wantVersion {
			return nil
		}
		var v mumble.Version
		if err := v.Unmarshal(payload); err != nil {
			return err
		}
		c.state.Store(stateAuthenticating)
		return nil
	case mumble.KindAuthenticate:
		if wantVersion {
			return errors.New("authenticate before version exchange")
		}
		var a mumble.Authenticate
		if err := a.Unmarshal(payload); err != nil {
			return err
		}
		return c.authenticate(ctx, &a)
	case mumble.KindUserState:
		var us mumble.UserState
		if err := us.Unmarshal(payload); err != nil {
			return err
		}
		c.preAuth = append(c.preAuth, &us)
		return nil
	case mumble.KindPing:
		return c.handlePing(payload)
	default:
		return nil
	}
}

func (c *client) authenticate(ctx context.Context, a *mumble.Authenticate) error {
	srv := c.srv
	username := mumble.GetString(a.Username)

	if !srv.usernameOK(username) {
		return c.reject(mumble.RejectInvalidUsername, "Invalid username")
	}
	for _, sess := range srv.mirror.Sessions() {
		if strings.EqualFold(sess.Username, username) {
			return c.reject(mumble.RejectUsernameInUse, "Username in use")
		}
	}
	if !srv.hub.Connected() {
		return c.reject(mumble.RejectNoNewConnections, "Server is not connected to the cluster")
	}

	var alloc rpc.AllocateSessionResult
	err := srv.hub.Call(ctx, rpc.MethodEdgeAllocateSessionID, &rpc.AllocateSessionParams{
		EdgeID:   srv.edgeID(),
		Username: username,
		IP:       c.ip.String(),
		CertHash: c.certHash,
	}, &alloc)
	if err != nil {
		if strings.Contains(err.Error(), "server full") {
			return c.reject(mumble.RejectServerFull, "Server is full")
		}
		return c.reject(mumble.RejectNoNewConnections, "Server is not connected to the cluster")
	}
	if alloc.Banned {
		reason := alloc.BanReason
		if reason == "" {
			reason = "You are banned from this server"
		}
		return c.reject(mumble.RejectNone, reason)
	}

	res, err := srv.auth.Authenticate(ctx, username, mumble.GetString(a.Password), c.certHash)
	if err != nil {
		if errors.Is(err, auth.ErrBadCredentials) {
			srv.recordAuthFailure(c.ip)
			return c.reject(mumble.RejectWrongUserPW, "Wrong certificate or password")
		}
		return c.reject(mumble.RejectNone, "Authentication service unavailable")
	}
	if srv.cfg.AutoBan.BanSuccessfulConnections {
		srv.recordAuthFailure(c.ip)
	} else {
		srv.forgetAuthFailures(c.ip)
	}

	c.session = alloc.SessionID
	c.username = username

	sess := core.Session{
		SessionID: c.session,
		EdgeID:    srv.edgeID(),
		Username:  username,
		ChannelID: srv.cfg.DefaultChannel,
		IPAddress: c.ip.String(),
		CertHash:  c.certHash,
		Tokens:    a.Tokens,
		Groups:    res.Groups,
	}
	if res.UserID > 0 {
		sess.UserID = res.UserID
	}

	return c.synchronize(ctx, &sess)
}

// synchronize runs the post-auth handshake: crypto, channel tree, user list,
// cluster announcement, ServerSync.
func (c *client) synchronize(ctx context.Context, sess *core.Session) error {
	srv := c.srv

	c.cryptMu.Lock()
	err := c.crypt.GenerateKey()
	setup := &mumble.CryptSetup{
		Key:         c.crypt.Key(),
		ClientNonce: c.crypt.DecryptIV(),
		ServerNonce: c.crypt.EncryptIV(),
	}
	c.cryptMu.Unlock()
	if err != nil {
		return err
	}
	if err := c.send(setup); err != nil {
		return err
	}

	if err := c.send(&mumble.CodecVersion{
		Alpha:       mumble.Int32(mumble.CELTCompatBitstream),
		Beta:        mumble.Int32(0),
		PreferAlpha: mumble.Bool(true),
		Opus:        mumble.Bool(true),
	}); err != nil {
		return err
	}

	if err := c.sendChannelTree(); err != nil {
		return err
	}
	for _, other := range srv.mirror.Sessions() {
		if err := c.sendRaw(userStatePayload(other)); err != nil {
			return err
		}
	}

	// Registering before reportSession lets the hub's userJoined broadcast
	// (which precedes the call response on the wire) reach this client, so
	// it sees its own state before ServerSync.
	c.state.Store(stateSynchronizing)
	srv.addClient(c)
	if err := srv.hub.Call(ctx, rpc.MethodEdgeReportSession,
		&rpc.ReportSessionParams{Session: *sess}, nil); err != nil {
		return fmt.Errorf("report session: %w", err)
	}

	granted := srv.eval.Granted(sess, core.RootChannelID)
	if err := c.send(&mumble.ServerSync{
		Session:      mumble.Uint32(c.session),
		MaxBandwidth: mumble.Uint32(uint32(srv.maxBandwidth())),
		WelcomeText:  mumble.String(srv.welcomeText()),
		Permissions:  mumble.Uint64(uint64(granted)),
	}); err != nil {
		return err
	}

	if err := c.send(&mumble.ServerConfig{
		MaxBandwidth:       mumble.Uint32(uint32(srv.maxBandwidth())),
		AllowHTML:          mumble.Bool(srv.cfg.AllowHTML),
		MessageLength:      mumble.Uint32(uint32(srv.cfg.TextMessageLength)),
		ImageMessageLength: mumble.Uint32(uint32(srv.cfg.ImageMessageLength)),
		MaxUsers:           mumble.Uint32(uint32(srv.cfg.MaxUsers)),
		RecordingAllowed:   mumble.Bool(srv.cfg.AllowRecording),
	}); err != nil {
		return err
	}
	if sc := srv.suggestConfig(); sc != nil {
		if err := c.send(sc); err != nil {
			return err
		}
	}
	if err := c.registerContextActions(sess); err != nil {
		return err
	}

	c.state.Store(stateRunning)
	c.log.Info("client synchronized", "session", c.session, "user", c.username)

	c.applyPreAuthState()
	return nil
}

// sendChannelTree sends the mirrored tree in two passes. Pass one creates
// every channel parented at the root so the client never sees a parent it
// does not know yet; pass two moves them into place.
func (c *client) sendChannelTree() error {
	channels := c.srv.mirror.Channels()
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })

	for _, ch := range channels {
		if ch.ID != core.RootChannelID {
			continue
		}
		if err := c.send(&mumble.ChannelState{
			ChannelID: mumble.Uint32(ch.ID),
			Name:      mumble.String(ch.Name),
		}); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if ch.ID == core.RootChannelID {
			continue
		}
		if err := c.send(&mumble.ChannelState{
			ChannelID: mumble.Uint32(ch.ID),
			Parent:    mumble.Uint32(0),
			Name:      mumble.String(ch.Name),
		}); err != nil {
			return err
		}
	}
	for _, ch := range channels {
		if ch.ID == core.RootChannelID {
			continue
		}
		// Structural fields only; everything else arrives through later
		// ChannelState broadcasts or on request.
		st := &mumble.ChannelState{
			ChannelID: mumble.Uint32(ch.ID),
			Parent:    mumble.Uint32(uint32(ch.ParentID)),
			Position:  mumble.Int32(ch.Position),
		}
		if ch.Temporary {
			st.Temporary = mumble.Bool(true)
		}
		if err := c.send(st); err != nil {
			return err
		}
	}
	return nil
}

func (c *client) registerContextActions(sess *core.Session) error {
	actions := []mumble.ContextActionModify{
		{
			Action:    mumble.String(actionGroupShout),
			Text:      mumble.String("Toggle group shout"),
			Context:   mumble.Uint32(mumble.ContextServer),
			Operation: mumble.Int32(mumble.ContextActionAdd),
		},
		{
			Action:    mumble.String(actionBulkMove),
			Text:      mumble.String("Move everyone here"),
			Context:   mumble.Uint32(mumble.ContextChannel),
			Operation: mumble.Int32(mumble.ContextActionAdd),
		},
	}
	if sess.IsSuperUser() {
		actions = append(actions, mumble.ContextActionModify{
			Action:    mumble.String(actionPromiscuous),
			Text:      mumble.String("Toggle promiscuous mode"),
			Context:   mumble.Uint32(mumble.ContextServer),
			Operation: mumble.Int32(mumble.ContextActionAdd),
		})
	}
	for i := range actions {
		if err := c.send(&actions[i]); err != nil {
			return err
		}
	}
	return nil
}

// applyPreAuthState folds buffered pre-connect UserState messages into one
// self-update and forwards it for authoritative handling.
func (c *client) applyPreAuthState() {
	if len(c.preAuth) == 0 {
		return
	}
	merged := &mumble.UserState{Session: mumble.Uint32(c.session)}
	for _, us := range c.preAuth {
		if us.SelfMute != nil {
			merged.SelfMute = us.SelfMute
		}
		if us.SelfDeaf != nil {
			merged.SelfDeaf = us.SelfDeaf
		}
		if us.PluginContext != nil {
			merged.PluginContext = us.PluginContext
		}
		if us.PluginIdentity != nil {
			merged.PluginIdentity = us.PluginIdentity
		}
		if us.Comment != nil {
			merged.Comment = us.Comment
		}
	}
	c.preAuth = nil
	if err := c.srv.hub.Notify(rpc.MethodHubHandleUserState, &rpc.UserStateParams{
		EdgeID: c.srv.edgeID(),
		Actor:  c.session,
		State:  merged.Marshal(),
	}); err != nil {
		c.log.Debug("pre-auth state forward failed", "error", err)
	}
}

// reject ends the handshake with a typed Reject and tears the connection
// down.
func (c *client) reject(t mumble.RejectType, reason string) error {
	c.send(&mumble.Reject{Type: &t, Reason: mumble.String(reason)})
	c.state.Store(stateDisconnecting)
	return nil
}

// send frames and writes one control message.
func (c *client) send(m mumble.Message) error {
	return c.sendRaw(mumble.Encode(m))
}

// sendRaw writes an already framed message.
func (c *client) sendRaw(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := c.conn.Write(frame)
	return err
}

// denyHubDown tells the client its state change cannot be honored while the
// hub link is down.
func (c *client) denyHubDown() {
	t := mumble.DenyText
	c.send(&mumble.PermissionDenied{
		Type:   &t,
		Reason: mumble.String("Server must be connected to Hub"),
	})
}

// disconnect closes the socket; the read loop then runs cleanup.
func (c *client) disconnect(reason string) {
	c.closeOnce.Do(func() {
		if reason != "" {
			c.log.Info("disconnecting client", "session", c.session, "reason", reason)
		}
		c.state.Store(stateDisconnecting)
		c.conn.Close()
	})
}

// cleanup tears down session state and tells the hub the user left.
func (c *client) cleanup() {
	was := c.state.Swap(stateDisconnected)
	c.conn.Close()
	if c.session == 0 || was < stateSynchronizing {
		return
	}
	srv := c.srv
	srv.removeClient(c)
	if err := srv.hub.Notify(rpc.MethodHubUserLeft, &rpc.UserLeftParams{
		EdgeID:  srv.edgeID(),
		Session: c.session,
	}); err != nil {
		srv.log.Debug("user left notify failed", "session", c.session, "error", err)
	}
	c.log.Info("client disconnected", "session", c.session, "user", c.username)
}

// voiceTarget returns the stored definition for a whisper slot.
func (c *client) voiceTarget(id uint32) *core.VoiceTargetDef {
	c.targetMu.Lock()
	defer c.targetMu.Unlock()
	return c.targets[id]
}

func (c *client) setVoiceTarget(id uint32, def *core.VoiceTargetDef) {
	c.targetMu.Lock()
	if def == nil {
		delete(c.targets, id)
	} else {
		c.targets[id] = def
	}
	c.targetMu.Unlock()
}

// setUDPAddr installs or moves the client's UDP endpoint, returning the
// previous address when it changed.
func (c *client) setUDPAddr(addr *net.UDPAddr) *net.UDPAddr {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	prev := c.udpAddr
	if prev != nil && prev.IP.Equal(addr.IP) && prev.Port == addr.Port {
		return nil
	}
	c.udpAddr = addr
	c.udpReachable = true
	return prev
}

func (c *client) udpEndpoint() (*net.UDPAddr, bool) {
	c.udpMu.Lock()
	defer c.udpMu.Unlock()
	return c.udpAddr, c.udpReachable
}

// usernameOK validates a login name against the configured pattern.
func (s *Server) usernameOK(name string) bool {
	if name == "" {
		return false
	}
	if s.cfg.UsernameRegex == "" {
		return true
	}
	re, err := regexp.Compile(s.cfg.UsernameRegex)
	if err != nil {
		return true
	}
	return re.MatchString(name)
}

// userStatePayload frames the full UserState announcing a mirrored session.
func userStatePayload(sess *core.Session) []byte {
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
