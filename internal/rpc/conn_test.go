package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// pair returns two connected Conns over a loopback websocket.
func pair(t *testing.T) (server, client *Conn) {
	t.Helper()
	serverCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		conn := NewConn(ws, nil)
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	client = NewConn(ws, nil)
	server = <-serverCh
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

func TestCallRoundTrip(t *testing.T) {
	server, client := pair(t)
	server.OnRequest(func(_ context.Context, method string, params json.RawMessage) (interface{}, error) {
		require.Equal(t, MethodEdgeAllocateSessionID, method)
		var p AllocateSessionParams
		require.NoError(t, DecodeParams(params, &p))
		require.Equal(t, "alice", p.Username)
		return &AllocateSessionResult{SessionID: 42}, nil
	})
	server.Start()
	client.Start()

	var res AllocateSessionResult
	err := client.Call(context.Background(), MethodEdgeAllocateSessionID,
		&AllocateSessionParams{EdgeID: "edge-1", Username: "alice"}, &res)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), res.SessionID)
}

func TestCallErrorResponse(t *testing.T) {
	server, client := pair(t)
	server.OnRequest(func(context.Context, string, json.RawMessage) (interface{}, error) {
		return nil, errors.New("no such channel")
	})
	server.Start()
	client.Start()

	err := client.Call(context.Background(), MethodEdgeGetChannels, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such channel")
}

func TestCallTimeout(t *testing.T) {
	server, client := pair(t)
	server.OnRequest(func(ctx context.Context, _ string, _ json.RawMessage) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	server.Start()
	client.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := client.Call(ctx, MethodEdgeFullSync, &FullSyncParams{EdgeID: "edge-1"}, nil)
	assert.ErrorIs(t, err, ErrCallTimeout)
}

func TestNotificationsDeliveredInOrder(t *testing.T) {
	server, client := pair(t)

	const n = 50
	var mu sync.Mutex
	var got []uint64
	done := make(chan struct{})
	client.OnNotification(func(method string, _ json.RawMessage, seq uint64) {
		mu.Lock()
		got = append(got, seq)
		if len(got) == n {
			close(done)
		}
		mu.Unlock()
	})
	server.Start()
	client.Start()

	for i := 1; i <= n; i++ {
		env, err := NewNotification(MethodUserStateBroadcast, &StateBroadcast{})
		require.NoError(t, err)
		env.Sequence = uint64(i)
		require.NoError(t, server.Send(env))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("notifications not delivered")
	}
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestCallAfterClose(t *testing.T) {
	server, client := pair(t)
	server.Start()
	client.Start()
	client.Close()

	err := client.Call(context.Background(), MethodEdgeHeartbeat, nil, nil)
	assert.ErrorIs(t, err, ErrConnClosed)
}

func TestPendingCallFailsWhenPeerCloses(t *testing.T) {
	server, client := pair(t)
	server.OnRequest(func(context.Context, string, json.RawMessage) (interface{}, error) {
		server.Close()
		return nil, errors.New("unreachable")
	})
	server.Start()
	client.Start()

	err := client.Call(context.Background(), MethodEdgeRegister, &RegisterParams{EdgeID: "edge-1"}, nil)
	assert.Error(t, err)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewRequest(7, MethodEdgeRegister, &RegisterParams{EdgeID: "edge-1", Capacity: 100})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, KindRequest, back.Kind)
	assert.Equal(t, uint64(7), back.ID)
	assert.Equal(t, MethodEdgeRegister, back.Method)

	var p RegisterParams
	require.NoError(t, DecodeParams(back.Params, &p))
	assert.Equal(t, "edge-1", p.EdgeID)
	assert.Equal(t, 100, p.Capacity)
}
