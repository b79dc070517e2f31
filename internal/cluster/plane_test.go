package cluster

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

func TestFrameRoundTrip(t *testing.T) {
	in := &Frame{
		SenderEdge:    "edge-us-east",
		SenderSession: 1337,
		TargetID:      5,
		Payload:       []byte{0x80, 0x01, 0x02, 0x03},
	}
	data, err := in.Marshal()
	require.NoError(t, err)

	out, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshalTruncated(t *testing.T) {
	_, err := UnmarshalFrame([]byte{3, 'a'})
	assert.Error(t, err)

	// Header claims a longer edge id than the datagram holds.
	_, err = UnmarshalFrame([]byte{200, 'a', 'b', 'c', 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestPlaneSendReceive(t *testing.T) {
	a, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer b.Close()

	_, portStr, err := net.SplitHostPort(b.LocalAddr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	a.AddPeer(core.EdgeInfo{EdgeID: "edge-b", Host: "127.0.0.1", VoicePort: port})
	assert.Equal(t, []string{"edge-b"}, a.Peers())

	got := make(chan *Frame, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx, func(f *Frame) { got <- f })

	frame := &Frame{SenderEdge: "edge-a", SenderSession: 7, TargetID: 0, Payload: []byte("voice")}
	require.NoError(t, a.Send("edge-b", frame))

	select {
	case f := <-got:
		assert.Equal(t, frame, f)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never arrived")
	}
}

func TestSendUnknownPeer(t *testing.T) {
	a, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer a.Close()

	assert.Error(t, a.Send("edge-nowhere", &Frame{SenderEdge: "edge-a"}))
}

func TestRemovePeer(t *testing.T) {
	a, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer a.Close()

	a.AddPeer(core.EdgeInfo{EdgeID: "edge-b", Host: "127.0.0.1", VoicePort: 9999})
	a.RemovePeer("edge-b")
	assert.Empty(t, a.Peers())
}
