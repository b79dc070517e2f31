package edge

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/metrics"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// voiceServer builds a server around a canned mirror, no sockets involved.
func voiceServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Edge.EdgeID = "edge-a"
	s := &Server{
		cfg:       cfg,
		log:       slog.Default(),
		met:       metrics.New(prometheus.NewRegistry()),
		mirror:    NewMirror(),
		bySession: make(map[uint32]*client),
		byAddr:    make(map[string]*client),
	}
	s.mirror.Load(&rpc.FullSyncResult{
		Channels: []core.Channel{
			{ID: 0, ParentID: -1, Name: "Root"},
			{ID: 1, ParentID: 0, Name: "Lobby", Links: []uint32{3}},
			{ID: 2, ParentID: 1, Name: "Games"},
			{ID: 3, ParentID: 0, Name: "AFK"},
		},
		Sessions: []core.Session{
			{SessionID: 10, EdgeID: "edge-a", Username: "alice", ChannelID: 1},
			{SessionID: 11, EdgeID: "edge-a", Username: "bob", ChannelID: 1},
			{SessionID: 12, EdgeID: "edge-a", Username: "carol", ChannelID: 1, SelfDeaf: true},
			{SessionID: 13, EdgeID: "edge-b", Username: "dave", ChannelID: 2,
				ListeningChannels: []uint32{1}},
			{SessionID: 14, EdgeID: "edge-b", Username: "erin", ChannelID: 3, UserID: 7},
		},
		Sequence: 1,
	})
	return s
}

func testClient(s *Server, session uint32) *client {
	return &client{
		srv:     s,
		session: session,
		targets: make(map[uint32]*core.VoiceTargetDef),
	}
}

func sessionIDs(sessions []*core.Session) map[uint32]bool {
	out := make(map[uint32]bool, len(sessions))
	for _, sess := range sessions {
		out[sess.SessionID] = true
	}
	return out
}

func TestResolveChannelTargets(t *testing.T) {
	s := voiceServer(t)
	sender := testClient(s, 10)
	senderSess := s.mirror.Session(10)
	require.NotNil(t, senderSess)

	got := sessionIDs(s.resolveTargets(sender, senderSess, mumble.TargetRegular))

	// Channel occupant plus the cross-edge listener; the sender and the
	// self-deafened occupant stay out.
	assert.Equal(t, map[uint32]bool{11: true, 13: true}, got)
}

func TestResolveChannelTargetsGroupShout(t *testing.T) {
	s := voiceServer(t)
	sender := testClient(s, 10)
	sender.groupShout = true

	got := sessionIDs(s.resolveTargets(sender, s.mirror.Session(10), mumble.TargetRegular))

	// Linked channel 3 joins the set.
	assert.Equal(t, map[uint32]bool{11: true, 13: true, 14: true}, got)
}

func TestResolveWhisperTarget(t *testing.T) {
	s := voiceServer(t)
	sender := testClient(s, 10)
	sender.setVoiceTarget(1, &core.VoiceTargetDef{
		Sessions: []uint32{12, 13},
		Channels: []core.VoiceTargetChannelDef{{ChannelID: 3}},
	})

	got := sessionIDs(s.resolveTargets(sender, s.mirror.Session(10), 1))

	// 12 is deafened and filtered; 13 and channel 3's occupant remain.
	assert.Equal(t, map[uint32]bool{13: true, 14: true}, got)
}

func TestResolveWhisperChildren(t *testing.T) {
	s := voiceServer(t)
	sender := testClient(s, 14)
	sender.setVoiceTarget(2, &core.VoiceTargetDef{
		Channels: []core.VoiceTargetChannelDef{{ChannelID: 1, Children: true}},
	})

	got := sessionIDs(s.resolveTargets(sender, s.mirror.Session(14), 2))

	// Channel 1 and its child 2, minus the deafened occupant.
	assert.Equal(t, map[uint32]bool{10: true, 11: true, 13: true}, got)
}

func TestResolveWhisperGroupFilter(t *testing.T) {
	s := voiceServer(t)
	s.mirror.UpsertChannel(core.Channel{
		ID: 3, ParentID: 0, Name: "AFK",
		Groups: map[string]*core.Group{
			"ops": {ChannelID: 3, Name: "ops", Add: []int64{7}},
		},
	})
	sender := testClient(s, 10)
	sender.setVoiceTarget(3, &core.VoiceTargetDef{
		Channels: []core.VoiceTargetChannelDef{{ChannelID: 3, Group: "ops"}},
	})

	got := sessionIDs(s.resolveTargets(sender, s.mirror.Session(10), 3))
	assert.Equal(t, map[uint32]bool{14: true}, got)

	// A group nobody matches resolves to nothing.
	sender.setVoiceTarget(3, &core.VoiceTargetDef{
		Channels: []core.VoiceTargetChannelDef{{ChannelID: 3, Group: "nosuch"}},
	})
	assert.Empty(t, s.resolveTargets(sender, s.mirror.Session(10), 3))
}

func TestResolveUnsetWhisperTarget(t *testing.T) {
	s := voiceServer(t)
	sender := testClient(s, 10)
	assert.Nil(t, s.resolveTargets(sender, s.mirror.Session(10), 5))
}

func TestResolvePromiscuousListener(t *testing.T) {
	s := voiceServer(t)
	watcher := testClient(s, 14)
	watcher.promiscuous = true
	s.bySession[14] = watcher

	sender := testClient(s, 10)
	got := sessionIDs(s.resolveTargets(sender, s.mirror.Session(10), mumble.TargetRegular))
	assert.True(t, got[14], "promiscuous client hears channel voice elsewhere")
}

func TestVoiceTargetStoreClear(t *testing.T) {
	s := voiceServer(t)
	c := testClient(s, 10)

	def := &core.VoiceTargetDef{Sessions: []uint32{11}}
	c.setVoiceTarget(4, def)
	require.NotNil(t, c.voiceTarget(4))

	c.setVoiceTarget(4, nil)
	assert.Nil(t, c.voiceTarget(4))
}
