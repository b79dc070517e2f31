package acl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

type mapTree map[uint32]*core.Channel

func (m mapTree) Channel(id uint32) *core.Channel { return m[id] }

func testTree() mapTree {
	return mapTree{
		0: {ID: 0, ParentID: -1, Name: "Root", InheritACL: true},
		1: {ID: 1, ParentID: 0, Name: "Lobby", InheritACL: true},
		2: {ID: 2, ParentID: 1, Name: "Games", InheritACL: true},
		3: {ID: 3, ParentID: 2, Name: "Quake", InheritACL: true},
	}
}

func guest(session uint32, channel uint32) *core.Session {
	return &core.Session{SessionID: session, Username: "guest", ChannelID: channel}
}

func registered(session uint32, userID int64) *core.Session {
	return &core.Session{SessionID: session, UserID: userID, Username: "reg"}
}

func TestDefaultGrant(t *testing.T) {
	tree := testTree()
	got := Evaluate(tree, guest(1, 0), 3)
	assert.Equal(t, core.PermDefault, got)
	assert.True(t, got.Isset(core.PermSpeak))
	assert.False(t, got.Isset(core.PermWrite))
}

func TestChain(t *testing.T) {
	tree := testTree()
	chain := Chain(tree, 3)
	require.Len(t, chain, 4)
	assert.Equal(t, uint32(0), chain[0].ID)
	assert.Equal(t, uint32(3), chain[3].ID)
}

func TestChainCycleDetected(t *testing.T) {
	tree := testTree()
	tree[2].ParentID = 3 // corrupt: 2 and 3 point at each other
	assert.Nil(t, Chain(tree, 3))
}

func TestRootOnlyPermissionsMaskedBelowRoot(t *testing.T) {
	tree := testTree()
	tree[1].ACLs = []core.ACLEntry{{
		ChannelID: 1, UserID: 7, ApplyHere: true, ApplySubs: true,
		Allow: core.PermKick | core.PermBan | core.PermSpeak,
	}}
	sess := registered(1, 7)

	got := Evaluate(tree, sess, 1)
	assert.False(t, got.Isset(core.PermKick))
	assert.False(t, got.Isset(core.PermBan))
	assert.True(t, got.Isset(core.PermSpeak))
}

func TestWriteImpliesAllButSpeakAndWhisper(t *testing.T) {
	tree := testTree()
	tree[2].ACLs = []core.ACLEntry{{
		ChannelID: 2, UserID: 7, ApplyHere: true,
		Allow: core.PermWrite,
		Deny:  core.PermSpeak | core.PermWhisper,
	}}
	sess := registered(1, 7)

	got := Evaluate(tree, sess, 2)
	assert.True(t, got.Isset(core.PermEnter))
	assert.True(t, got.Isset(core.PermMove))
	assert.True(t, got.Isset(core.PermMakeChannel))
	assert.False(t, got.Isset(core.PermSpeak))
	assert.False(t, got.Isset(core.PermWhisper))
}

func TestTraverseDenialBlocksDescendants(t *testing.T) {
	tree := testTree()
	tree[1].ACLs = []core.ACLEntry{{
		ChannelID: 1, Group: "all", ApplyHere: true, ApplySubs: true,
		Deny: core.PermTraverse,
	}}
	sess := guest(1, 0)

	assert.Equal(t, core.PermNone, Evaluate(tree, sess, 2))
	assert.Equal(t, core.PermNone, Evaluate(tree, sess, 3))
}

func TestWriteOverridesTraverseDenial(t *testing.T) {
	tree := testTree()
	tree[1].ACLs = []core.ACLEntry{
		{ChannelID: 1, Group: "all", ApplyHere: true, ApplySubs: true, Deny: core.PermTraverse},
		{ChannelID: 1, UserID: 7, ApplyHere: true, ApplySubs: true, Allow: core.PermWrite},
	}
	sess := registered(1, 7)
	assert.NotEqual(t, core.PermNone, Evaluate(tree, sess, 3))
}

func TestSuperUser(t *testing.T) {
	tree := testTree()
	sess := guest(1, 0)
	sess.Groups = []string{"admin"}

	assert.Equal(t, core.PermAll, Evaluate(tree, sess, 0))
	assert.Equal(t, core.PermAllSub, Evaluate(tree, sess, 3))
}

func TestInheritACLReset(t *testing.T) {
	tree := testTree()
	tree[0].ACLs = []core.ACLEntry{{
		ChannelID: 0, UserID: 7, ApplyHere: true, ApplySubs: true,
		Allow: core.PermMakeChannel,
	}}
	tree[2].InheritACL = false
	sess := registered(1, 7)

	assert.True(t, Evaluate(tree, sess, 1).Isset(core.PermMakeChannel))
	assert.False(t, Evaluate(tree, sess, 2).Isset(core.PermMakeChannel))
}

func TestApplyHereApplySubsScoping(t *testing.T) {
	tree := testTree()
	tree[1].ACLs = []core.ACLEntry{{
		ChannelID: 1, UserID: 7, ApplyHere: false, ApplySubs: true,
		Allow: core.PermMuteDeafen,
	}}
	sess := registered(1, 7)

	assert.False(t, Evaluate(tree, sess, 1).Isset(core.PermMuteDeafen))
	assert.True(t, Evaluate(tree, sess, 2).Isset(core.PermMuteDeafen))
}

func TestGroupMatching(t *testing.T) {
	tree := testTree()
	tree[1].Groups = map[string]*core.Group{
		"friends": {ChannelID: 1, Name: "friends", Inherit: true, Inheritable: true, Add: []int64{7}},
	}
	tree[1].ACLs = []core.ACLEntry{{
		ChannelID: 1, Group: "friends", ApplyHere: true, ApplySubs: true,
		Allow: core.PermTempChannel,
	}}

	member := registered(1, 7)
	stranger := registered(2, 9)
	assert.True(t, Evaluate(tree, member, 2).Isset(core.PermTempChannel))
	assert.False(t, Evaluate(tree, stranger, 2).Isset(core.PermTempChannel))
}

func TestGroupRemoveMember(t *testing.T) {
	tree := testTree()
	tree[1].Groups = map[string]*core.Group{
		"friends": {ChannelID: 1, Name: "friends", Inherit: true, Inheritable: true, Add: []int64{7}},
	}
	tree[2].Groups = map[string]*core.Group{
		"friends": {ChannelID: 2, Name: "friends", Inherit: true, Inheritable: true, Remove: []int64{7}},
	}
	members := GroupMembers(tree, tree[2], "friends")
	assert.False(t, members[7])
	members = GroupMembers(tree, tree[1], "friends")
	assert.True(t, members[7])
}

func TestBuiltinGroups(t *testing.T) {
	tree := testTree()
	target := tree[1]

	assert.True(t, GroupMemberCheck(tree, target, target, "all", guest(1, 0)))
	assert.False(t, GroupMemberCheck(tree, target, target, "auth", guest(1, 0)))
	assert.True(t, GroupMemberCheck(tree, target, target, "auth", registered(1, 7)))
	assert.True(t, GroupMemberCheck(tree, target, target, "in", guest(1, 1)))
	assert.True(t, GroupMemberCheck(tree, target, target, "out", guest(1, 2)))
	assert.False(t, GroupMemberCheck(tree, target, target, "!all", guest(1, 0)))

	withHash := guest(1, 0)
	withHash.CertHash = "deadbeef"
	assert.True(t, GroupMemberCheck(tree, target, target, "$deadbeef", withHash))
	assert.False(t, GroupMemberCheck(tree, target, target, "$feedface", withHash))

	withToken := guest(1, 0)
	withToken.Tokens = []string{"sesame"}
	assert.True(t, GroupMemberCheck(tree, target, target, "#sesame", withToken))
	assert.False(t, GroupMemberCheck(tree, target, target, "#other", withToken))
}

func TestCacheInvalidation(t *testing.T) {
	tree := testTree()
	ev := NewEvaluator(tree)
	sess := guest(1, 0)

	got := ev.Granted(sess, 3)
	assert.Equal(t, core.PermDefault, got)

	// Change the tree behind the cache; stale until invalidated.
	tree[1].ACLs = []core.ACLEntry{{
		ChannelID: 1, Group: "all", ApplyHere: true, ApplySubs: true, Deny: core.PermTraverse,
	}}
	assert.Equal(t, core.PermDefault, ev.Granted(sess, 3))

	ev.Cache.InvalidateAll()
	assert.Equal(t, core.PermNone, ev.Granted(sess, 3))
}
