package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/config"
	"github.com/murmurgrid/murmurgrid/internal/core"
	"github.com/murmurgrid/murmurgrid/internal/hub/store"
	"github.com/murmurgrid/murmurgrid/internal/mumble"
	"github.com/murmurgrid/murmurgrid/internal/rpc"
)

// testEdge is one simulated edge: the client end of a control channel with
// its hub-side peer wired into the service dispatch.
type testEdge struct {
	id   string
	conn *rpc.Conn
	col  *collector
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.Name = "cluster-test"
	svc, err := NewService(cfg, store.NewMemory(), nil, nil)
	require.NoError(t, err)
	return svc
}

func attachEdge(t *testing.T, svc *Service, id string) *testEdge {
	t.Helper()
	hubSide, clientSide := connPair(t)
	link := &edgeConn{svc: svc, conn: hubSide}
	hubSide.OnRequest(link.handleRequest)
	hubSide.OnNotification(link.handleNotification)
	hubSide.OnClose(link.closed)

	col := newCollector(clientSide)
	hubSide.Start()
	clientSide.Start()

	var res rpc.RegisterResult
	err := clientSide.Call(context.Background(), rpc.MethodEdgeRegister, &rpc.RegisterParams{
		EdgeID: id,
		Name:   id,
		Host:   "127.0.0.1",
		Port:   64738,
	}, &res)
	require.NoError(t, err)
	assert.Equal(t, "cluster-test", res.ServerName)
	return &testEdge{id: id, conn: clientSide, col: col}
}

func (e *testEdge) call(t *testing.T, method string, params, result interface{}) {
	t.Helper()
	require.NoError(t, e.conn.Call(context.Background(), method, params, result))
}

// join allocates and reports one session through the edge protocol.
func (e *testEdge) join(t *testing.T, svc *Service, name string, channel uint32) uint32 {
	t.Helper()
	var alloc rpc.AllocateSessionResult
	e.call(t, rpc.MethodEdgeAllocateSessionID, &rpc.AllocateSessionParams{
		EdgeID: e.id, Username: name, IP: "192.0.2.10",
	}, &alloc)
	require.False(t, alloc.Banned)
	e.call(t, rpc.MethodEdgeReportSession, &rpc.ReportSessionParams{
		Session: core.Session{
			SessionID: alloc.SessionID,
			Username:  name,
			EdgeID:    e.id,
			ChannelID: channel,
			IPAddress: "192.0.2.10",
		},
	}, nil)
	return alloc.SessionID
}

// wait pulls notifications until one matches method, failing on timeout.
func (e *testEdge) wait(t *testing.T, method string) *rpc.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-e.col.ch:
			if env.Method == method {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", method)
			return nil
		}
	}
}

func decodeBroadcast[T any](t *testing.T, env *rpc.Envelope) *T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Params, &out))
	return &out
}

func TestSessionJoinBroadcast(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	b := attachEdge(t, svc, "edge-b")

	id := a.join(t, svc, "alice", 0)

	env := b.wait(t, rpc.MethodUserJoined)
	bc := decodeBroadcast[rpc.SessionBroadcast](t, env)
	assert.Equal(t, id, bc.Session.SessionID)
	assert.Equal(t, "alice", bc.Session.Username)

	// The wire payload is a complete framed UserState.
	kind, payload, err := mumble.DecodeFrame(bc.State)
	require.NoError(t, err)
	assert.Equal(t, mumble.KindUserState, kind)
	var us mumble.UserState
	require.NoError(t, us.Unmarshal(payload))
	assert.Equal(t, id, mumble.GetUint32(us.Session, 0))
	assert.Equal(t, "alice", mumble.GetString(us.Name))
}

func TestAllocateRejectsBanned(t *testing.T) {
	svc := newTestService(t)
	svc.bans.Add(&core.Ban{IP: "192.0.2.10", Reason: "spam", Start: time.Now()})
	a := attachEdge(t, svc, "edge-a")

	var alloc rpc.AllocateSessionResult
	a.call(t, rpc.MethodEdgeAllocateSessionID, &rpc.AllocateSessionParams{
		EdgeID: "edge-a", Username: "mallory", IP: "192.0.2.10",
	}, &alloc)
	assert.True(t, alloc.Banned)
	assert.Equal(t, "spam", alloc.BanReason)
}

func TestChannelCreateFlow(t *testing.T) {
	svc := newTestService(t)
	// Guests may create channels under the root on this cluster.
	_, err := svc.state.SetACLs(0, true, []core.ACLEntry{{
		UserID:    -1,
		Group:     "all",
		ApplyHere: true,
		Allow:     core.PermMakeChannel,
	}}, nil)
	require.NoError(t, err)

	a := attachEdge(t, svc, "edge-a")
	id := a.join(t, svc, "alice", 0)
	a.wait(t, rpc.MethodUserJoined)

	cs := &mumble.ChannelState{
		Parent: mumble.Uint32(0),
		Name:   mumble.String("Lounge"),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleChannelState, &rpc.ChannelStateParams{
		EdgeID: "edge-a", Actor: id, State: cs.Marshal(),
	}))

	env := a.wait(t, rpc.MethodChannelStateBroadcast)
	bc := decodeBroadcast[rpc.ChannelBroadcast](t, env)
	assert.Equal(t, "Lounge", bc.Channel.Name)
	assert.Equal(t, int64(0), bc.Channel.ParentID)
	assert.NotZero(t, bc.Channel.ID)
	assert.NotNil(t, svc.state.Channel(bc.Channel.ID))
}

func TestACLUpdateSuppressesOccupants(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	admin := a.join(t, svc, "root", 0)
	svc.sessions.Update(admin, func(s *core.Session) { s.Groups = []string{"admin"} })

	pit, err := svc.state.CreateChannel(0, "Pit", 0, false, 0)
	require.NoError(t, err)
	alice := a.join(t, svc, "alice", pit.ID)
	a.wait(t, rpc.MethodUserJoined)

	// Revoking Speak on an occupied channel must suppress its occupants.
	a.call(t, rpc.MethodEdgeHandleACL, &rpc.ACLParams{
		EdgeID:  "edge-a",
		Session: admin,
		ACL: rpc.ACLPayload{
			ChannelID:  pit.ID,
			InheritACL: true,
			Entries: []core.ACLEntry{{
				ChannelID: pit.ID,
				UserID:    -1,
				Group:     "all",
				ApplyHere: true,
				Deny:      core.PermSpeak,
			}},
		},
	}, nil)

	env := a.wait(t, rpc.MethodUserStateBroadcast)
	bc := decodeBroadcast[rpc.SessionBroadcast](t, env)
	assert.Equal(t, alice, bc.Session.SessionID)
	assert.True(t, bc.Session.Suppress)
	assert.True(t, svc.sessions.Get(alice).Suppress)

	// Restoring the default grants lifts the suppression again.
	a.call(t, rpc.MethodEdgeHandleACL, &rpc.ACLParams{
		EdgeID:  "edge-a",
		Session: admin,
		ACL:     rpc.ACLPayload{ChannelID: pit.ID, InheritACL: true},
	}, nil)

	env = a.wait(t, rpc.MethodUserStateBroadcast)
	bc = decodeBroadcast[rpc.SessionBroadcast](t, env)
	assert.Equal(t, alice, bc.Session.SessionID)
	assert.False(t, bc.Session.Suppress)
	assert.False(t, svc.sessions.Get(alice).Suppress)
}

func TestChannelMoveNeedsMakeChannelAtDestination(t *testing.T) {
	svc := newTestService(t)
	box, err := svc.state.CreateChannel(0, "Box", 0, false, 0)
	require.NoError(t, err)
	dest, err := svc.state.CreateChannel(0, "Dest", 0, false, 0)
	require.NoError(t, err)

	// Everyone may edit Box; only staff may place channels under Dest, and
	// nobody holds Write there.
	_, err = svc.state.SetACLs(box.ID, true, []core.ACLEntry{{
		ChannelID: box.ID,
		UserID:    -1,
		Group:     "all",
		ApplyHere: true,
		Allow:     core.PermWrite,
	}}, nil)
	require.NoError(t, err)
	_, err = svc.state.SetACLs(dest.ID, true, []core.ACLEntry{{
		ChannelID: dest.ID,
		UserID:    -1,
		Group:     "staff",
		ApplyHere: true,
		Allow:     core.PermMakeChannel,
	}}, nil)
	require.NoError(t, err)

	a := attachEdge(t, svc, "edge-a")
	alice := a.join(t, svc, "alice", 0)
	svc.sessions.Update(alice, func(s *core.Session) { s.Groups = []string{"staff"} })
	bob := a.join(t, svc, "bob", 0)

	// MakeChannel at the destination is enough; Write there is not required.
	cs := &mumble.ChannelState{
		ChannelID: mumble.Uint32(box.ID),
		Parent:    mumble.Uint32(dest.ID),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleChannelState, &rpc.ChannelStateParams{
		EdgeID: "edge-a", Actor: alice, State: cs.Marshal(),
	}))
	env := a.wait(t, rpc.MethodChannelStateBroadcast)
	bc := decodeBroadcast[rpc.ChannelBroadcast](t, env)
	assert.Equal(t, box.ID, bc.Channel.ID)
	assert.Equal(t, int64(dest.ID), bc.Channel.ParentID)

	// A non-staff actor is turned away at the destination, not at Box.
	away := &mumble.ChannelState{
		ChannelID: mumble.Uint32(box.ID),
		Parent:    mumble.Uint32(0),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleChannelState, &rpc.ChannelStateParams{
		EdgeID: "edge-a", Actor: bob, State: away.Marshal(),
	}))
	env = a.wait(t, rpc.MethodPermissionDenied)
	notice := decodeBroadcast[rpc.PermissionDeniedNotice](t, env)
	assert.Equal(t, bob, notice.Session)
	kind, payload, err := mumble.DecodeFrame(notice.State)
	require.NoError(t, err)
	require.Equal(t, mumble.KindPermissionDenied, kind)
	var pd mumble.PermissionDenied
	require.NoError(t, pd.Unmarshal(payload))
	assert.Equal(t, uint32(core.PermMakeChannel), mumble.GetUint32(pd.Permission, 0))
}

func TestUserMoveRecomputesSuppress(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	id := a.join(t, svc, "alice", 0)
	a.wait(t, rpc.MethodUserJoined)

	quiet, err := svc.state.CreateChannel(0, "Quiet", 0, false, 0)
	require.NoError(t, err)
	// Everyone may enter but nobody may speak.
	_, err = svc.state.SetACLs(quiet.ID, true, []core.ACLEntry{{
		ChannelID: quiet.ID,
		UserID:    -1,
		Group:     "all",
		ApplyHere: true,
		Allow:     core.PermEnter | core.PermTraverse,
		Deny:      core.PermSpeak,
	}}, nil)
	require.NoError(t, err)

	us := &mumble.UserState{
		Session:   mumble.Uint32(id),
		ChannelID: mumble.Uint32(quiet.ID),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleUserState, &rpc.UserStateParams{
		EdgeID: "edge-a", Actor: id, State: us.Marshal(),
	}))

	env := a.wait(t, rpc.MethodUserStateBroadcast)
	bc := decodeBroadcast[rpc.SessionBroadcast](t, env)
	assert.Equal(t, quiet.ID, bc.Session.ChannelID)
	assert.True(t, bc.Session.Suppress)
}

func TestMoveDeniedWithoutEnter(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	id := a.join(t, svc, "alice", 0)
	a.wait(t, rpc.MethodUserJoined)

	sealed, err := svc.state.CreateChannel(0, "Sealed", 0, false, 0)
	require.NoError(t, err)
	_, err = svc.state.SetACLs(sealed.ID, true, []core.ACLEntry{{
		ChannelID: sealed.ID,
		UserID:    -1,
		Group:     "all",
		ApplyHere: true,
		Deny:      core.PermEnter,
	}}, nil)
	require.NoError(t, err)

	us := &mumble.UserState{
		Session:   mumble.Uint32(id),
		ChannelID: mumble.Uint32(sealed.ID),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleUserState, &rpc.UserStateParams{
		EdgeID: "edge-a", Actor: id, State: us.Marshal(),
	}))

	env := a.wait(t, rpc.MethodPermissionDenied)
	notice := decodeBroadcast[rpc.PermissionDeniedNotice](t, env)
	assert.Equal(t, id, notice.Session)
	assert.Equal(t, uint32(0), svc.sessions.Get(id).ChannelID)
}

func TestKickFansOutAndForcesDisconnect(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	b := attachEdge(t, svc, "edge-b")

	admin := a.join(t, svc, "root", 0)
	svc.sessions.Update(admin, func(s *core.Session) { s.Groups = []string{"admin"} })
	victim := b.join(t, svc, "mallory", 0)

	ur := &mumble.UserRemove{
		Session: mumble.Uint32(victim),
		Reason:  mumble.String("flooding"),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleUserRemove, &rpc.UserRemoveParams{
		EdgeID: "edge-a", Actor: admin, State: ur.Marshal(),
	}))

	env := b.wait(t, rpc.MethodForceDisconnect)
	fd := decodeBroadcast[rpc.ForceDisconnectParams](t, env)
	assert.Equal(t, victim, fd.Session)
	assert.Equal(t, "flooding", fd.Reason)
	assert.False(t, fd.Ban)

	a.wait(t, rpc.MethodUserRemoveBroadcast)
	assert.Nil(t, svc.sessions.Get(victim))
}

func TestBanPersistsAndMatches(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")

	admin := a.join(t, svc, "root", 0)
	svc.sessions.Update(admin, func(s *core.Session) { s.Groups = []string{"admin"} })
	victim := a.join(t, svc, "mallory", 0)

	ur := &mumble.UserRemove{
		Session: mumble.Uint32(victim),
		Reason:  mumble.String("abuse"),
		Ban:     mumble.Bool(true),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleUserRemove, &rpc.UserRemoveParams{
		EdgeID: "edge-a", Actor: admin, State: ur.Marshal(),
	}))
	a.wait(t, rpc.MethodBanListUpdated)

	// The victim's address is banned for the next allocation.
	var alloc rpc.AllocateSessionResult
	a.call(t, rpc.MethodEdgeAllocateSessionID, &rpc.AllocateSessionParams{
		EdgeID: "edge-a", Username: "mallory", IP: "192.0.2.10",
	}, &alloc)
	assert.True(t, alloc.Banned)
}

func TestTextMessageChannelFanout(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	b := attachEdge(t, svc, "edge-b")

	sender := a.join(t, svc, "alice", 0)
	receiver := b.join(t, svc, "bob", 0)
	_ = a.join(t, svc, "carol", 0)

	tm := &mumble.TextMessage{
		ChannelIDs: []uint32{0},
		Message:    mumble.String("hello"),
	}
	require.NoError(t, a.conn.Notify(rpc.MethodHubHandleTextMessage, &rpc.TextMessageParams{
		EdgeID: "edge-a", Actor: sender, State: tm.Marshal(),
	}))

	env := b.wait(t, rpc.MethodTextMessageBroadcast)
	bc := decodeBroadcast[rpc.StateBroadcast](t, env)
	assert.Equal(t, []uint32{receiver}, bc.Sessions)

	kind, payload, err := mumble.DecodeFrame(bc.State)
	require.NoError(t, err)
	assert.Equal(t, mumble.KindTextMessage, kind)
	var got mumble.TextMessage
	require.NoError(t, got.Unmarshal(payload))
	assert.Equal(t, "hello", mumble.GetString(got.Message))
	assert.Equal(t, sender, mumble.GetUint32(got.Actor, 0))
}

func TestFullSyncSnapshot(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	a.join(t, svc, "alice", 0)
	_, err := svc.state.CreateChannel(0, "Lobby", 0, false, 0)
	require.NoError(t, err)

	var sync rpc.FullSyncResult
	a.call(t, rpc.MethodEdgeFullSync, &rpc.FullSyncParams{EdgeID: "edge-a"}, &sync)
	assert.Len(t, sync.Channels, 2)
	assert.Len(t, sync.Sessions, 1)
	assert.Equal(t, svc.registry.Sequence(), sync.Sequence)
}

func TestACLQueryShowsInheritedEntries(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	admin := a.join(t, svc, "root", 0)
	svc.sessions.Update(admin, func(s *core.Session) { s.Groups = []string{"admin"} })

	parent, err := svc.state.CreateChannel(0, "Parent", 0, false, 0)
	require.NoError(t, err)
	child, err := svc.state.CreateChannel(parent.ID, "Child", 0, false, 0)
	require.NoError(t, err)
	_, err = svc.state.SetACLs(parent.ID, true, []core.ACLEntry{{
		ChannelID: parent.ID,
		UserID:    -1,
		Group:     "all",
		ApplyHere: true,
		ApplySubs: true,
		Deny:      core.PermSpeak,
	}}, nil)
	require.NoError(t, err)

	var res rpc.ACLResult
	a.call(t, rpc.MethodEdgeHandleACL, &rpc.ACLParams{
		EdgeID:  "edge-a",
		Session: admin,
		Query:   true,
		ACL:     rpc.ACLPayload{ChannelID: child.ID},
	}, &res)

	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Inherited)
	assert.Equal(t, parent.ID, res.Entries[0].ChannelID)
	assert.Equal(t, core.PermSpeak, res.Entries[0].Deny)
}

func TestEdgeDownDropsSessionsAndReplays(t *testing.T) {
	svc := newTestService(t)
	a := attachEdge(t, svc, "edge-a")
	b := attachEdge(t, svc, "edge-b")
	a.join(t, svc, "alice", 0)
	b.wait(t, rpc.MethodUserJoined)

	// Knock edge-b offline, generate traffic, and watch it replay on
	// reattach before anything live.
	svc.registry.Detach("edge-b", nil)
	id2 := a.join(t, svc, "bob", 0)

	b2 := attachEdge(t, svc, "edge-b")
	env := b2.wait(t, rpc.MethodUserJoined)
	bc := decodeBroadcast[rpc.SessionBroadcast](t, env)
	assert.Equal(t, id2, bc.Session.SessionID)

	// Simulate the sweep declaring edge-a dead: its sessions evaporate
	// cluster-wide.
	info, _ := svc.registry.Info("edge-a")
	svc.edgeDown(info)
	assert.Empty(t, svc.sessions.OnEdge("edge-a"))
	b2.wait(t, rpc.MethodPeerLeft)
}
