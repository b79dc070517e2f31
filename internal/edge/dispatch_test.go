package edge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// pipeClient wires a running client over an in-memory connection. The far
// end is returned for the test to read replies from.
func pipeClient(t *testing.T, s *Server) (*client, net.Conn) {
	t.Helper()
	if s.hub == nil {
		s.hub = rpc.NewClient("ws://127.0.0.1:1/cluster", s.log)
	}
	near, far := net.Pipe()
	c := newClient(s, near)
	c.session = 10
	c.state.Store(stateRunning)
	t.Cleanup(func() {
		near.Close()
		far.Close()
	})
	return c, far
}

// readReply collects the next framed message from the far end.
func readReply(t *testing.T, conn net.Conn) (mumble.Kind, mumble.Message) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := mumble.ReadFrame(conn)
	require.NoError(t, err)
	m, err := mumble.Decode(kind, payload)
	require.NoError(t, err)
	return kind, m
}

func TestPingEchoesCryptStats(t *testing.T) {
	s := voiceServer(t)
	c, far := pipeClient(t, s)
	c.crypt.Local.Good = 5
	c.crypt.Local.Late = 1

	ping := &mumble.Ping{
		Timestamp: mumble.Uint64(99),
		Good:      mumble.Uint32(3),
		Lost:      mumble.Uint32(2),
	}
	go func() { c.dispatch(context.Background(), mumble.KindPing, ping.Marshal()) }()

	kind, m := readReply(t, far)
	assert.Equal(t, mumble.KindPing, kind)
	reply := m.(*mumble.Ping)
	require.NotNil(t, reply.Timestamp)
	assert.Equal(t, uint64(99), *reply.Timestamp)
	assert.Equal(t, uint32(5), *reply.Good)
	assert.Equal(t, uint32(1), *reply.Late)

	// The client's own counters become the remote view.
	c.cryptMu.Lock()
	defer c.cryptMu.Unlock()
	assert.Equal(t, uint32(3), c.crypt.Remote.Good)
	assert.Equal(t, uint32(2), c.crypt.Remote.Lost)
}

func TestCryptSetupNonceRequest(t *testing.T) {
	s := voiceServer(t)
	c, far := pipeClient(t, s)
	require.NoError(t, c.crypt.GenerateKey())
	want := c.crypt.EncryptIV()

	cs := &mumble.CryptSetup{}
	go func() { c.dispatch(context.Background(), mumble.KindCryptSetup, cs.Marshal()) }()

	kind, m := readReply(t, far)
	assert.Equal(t, mumble.KindCryptSetup, kind)
	reply := m.(*mumble.CryptSetup)
	assert.Equal(t, want, reply.ServerNonce)
	assert.Empty(t, reply.Key)
}

func TestCryptSetupResync(t *testing.T) {
	s := voiceServer(t)
	c, _ := pipeClient(t, s)
	require.NoError(t, c.crypt.GenerateKey())

	iv := make([]byte, 16)
	for i := range iv {
		iv[i] = byte(i + 1)
	}
	cs := &mumble.CryptSetup{ClientNonce: iv}
	require.NoError(t, c.dispatch(context.Background(), mumble.KindCryptSetup, cs.Marshal()))

	assert.Equal(t, iv, c.crypt.DecryptIV())
	assert.Equal(t, uint32(1), c.crypt.Local.Resync)
}

func TestChannelTreeTwoPass(t *testing.T) {
	s := voiceServer(t)
	c, far := pipeClient(t, s)

	errc := make(chan error, 1)
	go func() { errc <- c.sendChannelTree() }()

	// Root arrives first, named and without a parent.
	kind, m := readReply(t, far)
	require.Equal(t, mumble.KindChannelState, kind)
	root := m.(*mumble.ChannelState)
	assert.Equal(t, uint32(0), mumble.GetUint32(root.ChannelID, 99))
	assert.Equal(t, "Root", mumble.GetString(root.Name))
	assert.Nil(t, root.Parent)

	// Pass one parents every channel at the root so the client never sees
	// an unknown parent.
	for _, want := range []uint32{1, 2, 3} {
		kind, m = readReply(t, far)
		require.Equal(t, mumble.KindChannelState, kind)
		cs := m.(*mumble.ChannelState)
		assert.Equal(t, want, mumble.GetUint32(cs.ChannelID, 99))
		assert.Equal(t, uint32(0), mumble.GetUint32(cs.Parent, 99))
		assert.NotNil(t, cs.Name)
	}

	// Pass two carries structure only: id, parent, position, temporary.
	wantParents := map[uint32]uint32{1: 0, 2: 1, 3: 0}
	for _, want := range []uint32{1, 2, 3} {
		kind, m = readReply(t, far)
		require.Equal(t, mumble.KindChannelState, kind)
		cs := m.(*mumble.ChannelState)
		assert.Equal(t, want, mumble.GetUint32(cs.ChannelID, 99))
		assert.Equal(t, wantParents[want], mumble.GetUint32(cs.Parent, 99))
		require.NotNil(t, cs.Position)
		assert.Nil(t, cs.Name)
		assert.Nil(t, cs.MaxUsers)
		assert.Empty(t, cs.Links)
		assert.Nil(t, cs.Description)
		assert.Empty(t, cs.DescriptionHash)
	}
	require.NoError(t, <-errc)
}

func TestForwardDeniedWhileHubDown(t *testing.T) {
	s := voiceServer(t)
	c, far := pipeClient(t, s)

	msg := &mumble.TextMessage{Message: mumble.String("hello")}
	go func() { c.dispatch(context.Background(), mumble.KindTextMessage, msg.Marshal()) }()

	kind, m := readReply(t, far)
	assert.Equal(t, mumble.KindPermissionDenied, kind)
	denied := m.(*mumble.PermissionDenied)
	require.NotNil(t, denied.Type)
	assert.Equal(t, mumble.DenyText, *denied.Type)
	assert.Equal(t, "Server must be connected to Hub", mumble.GetString(denied.Reason))
}

func TestVoiceTargetStoredFromWire(t *testing.T) {
	s := voiceServer(t)
	c, _ := pipeClient(t, s)

	vt := &mumble.VoiceTarget{
		ID: mumble.Uint32(2),
		Targets: []*mumble.VoiceTargetChannel{
			{Sessions: []uint32{11, 13}},
			{ChannelID: mumble.Uint32(3), Links: mumble.Bool(true)},
		},
	}
	require.NoError(t, c.dispatch(context.Background(), mumble.KindVoiceTarget, vt.Marshal()))

	def := c.voiceTarget(2)
	require.NotNil(t, def)
	assert.Equal(t, []uint32{11, 13}, def.Sessions)
	require.Len(t, def.Channels, 1)
	assert.Equal(t, uint32(3), def.Channels[0].ChannelID)
	assert.True(t, def.Channels[0].Links)

	// Out-of-range slots are ignored.
	bad := &mumble.VoiceTarget{ID: mumble.Uint32(31)}
	require.NoError(t, c.dispatch(context.Background(), mumble.KindVoiceTarget, bad.Marshal()))
	assert.Nil(t, c.voiceTarget(31))
}

func TestDispatchRateLimitDrops(t *testing.T) {
	s := voiceServer(t)
	c, far := pipeClient(t, s)
	c.msgBucket = newTokenBucket(1, 1)

	msg := &mumble.TextMessage{Message: mumble.String("spam")}
	go func() {
		// First message spends the only token and earns the hub-down denial;
		// the second is dropped by the bucket and denied as a text overrun.
		c.dispatch(context.Background(), mumble.KindTextMessage, msg.Marshal())
		c.dispatch(context.Background(), mumble.KindTextMessage, msg.Marshal())
	}()

	kind, m := readReply(t, far)
	require.Equal(t, mumble.KindPermissionDenied, kind)
	first := m.(*mumble.PermissionDenied)
	require.NotNil(t, first.Type)
	assert.Equal(t, mumble.DenyText, *first.Type)

	kind, m = readReply(t, far)
	require.Equal(t, mumble.KindPermissionDenied, kind)
	second := m.(*mumble.PermissionDenied)
	require.NotNil(t, second.Type)
	assert.Equal(t, mumble.DenyPermission, *second.Type)
	require.NotNil(t, second.Permission)
	assert.Equal(t, uint32(core.PermTextMessage), *second.Permission)
}
