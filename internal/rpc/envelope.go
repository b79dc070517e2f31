// Package rpc implements the Edge↔Hub control channel: a single long-lived
// websocket per edge carrying JSON envelopes for typed requests, responses,
// and notifications. Broadcast envelopes carry a hub-assigned monotonic
// sequence so edges can detect and replay gaps after reconnecting.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// Envelope kinds.
const (
	KindRequest      = "request"
	KindResponse     = "response"
	KindNotification = "notification"
)

// Envelope is the wire shape of every control-channel message.
type Envelope struct {
	Kind     string          `json:"kind"`
	ID       uint64          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
	Sequence uint64          `json:"sequence,omitempty"`
}

// Edge→Hub request methods.
const (
	MethodEdgeRegister             = "edge.register"
	MethodEdgeHeartbeat            = "edge.heartbeat"
	MethodEdgeAllocateSessionID    = "edge.allocateSessionId"
	MethodEdgeReportSession        = "edge.reportSession"
	MethodEdgeFullSync             = "edge.fullSync"
	MethodEdgeGetChannels          = "edge.getChannels"
	MethodEdgeGetACLs              = "edge.getACLs"
	MethodEdgeSaveChannel          = "edge.saveChannel"
	MethodEdgeSaveACL              = "edge.saveACL"
	MethodEdgeHandleACL            = "edge.handleACL"
	MethodEdgeSyncVoiceTarget      = "edge.syncVoiceTarget"
	MethodEdgeRouteVoice           = "edge.routeVoice"
	MethodEdgeAdminOperation       = "edge.adminOperation"
	MethodEdgeJoin                 = "edge.join"
	MethodEdgeJoinComplete         = "edge.joinComplete"
	MethodEdgeReportPeerDisconnect = "edge.reportPeerDisconnect"
	MethodClusterGetStatus         = "cluster.getStatus"
)

// Blob façade methods.
const (
	MethodBlobPut            = "blob.put"
	MethodBlobGet            = "blob.get"
	MethodBlobGetUserTexture = "blob.getUserTexture"
	MethodBlobGetUserComment = "blob.getUserComment"
	MethodBlobSetUserTexture = "blob.setUserTexture"
	MethodBlobSetUserComment = "blob.setUserComment"
)

// Edge→Hub notifications.
const (
	MethodHubHandleUserState     = "hub.handleUserState"
	MethodHubHandleChannelState  = "hub.handleChannelState"
	MethodHubHandleUserRemove    = "hub.handleUserRemove"
	MethodHubHandleChannelRemove = "hub.handleChannelRemove"
	MethodHubHandleTextMessage   = "hub.handleTextMessage"
	MethodHubHandlePluginData    = "hub.handlePluginDataTransmission"
	MethodHubHandleUserStats     = "hub.handleUserStats"
	MethodHubUserLeft            = "hub.userLeft"
)

// Hub→Edge notifications.
const (
	MethodUserStateBroadcast     = "hub.userStateBroadcast"
	MethodUserStateResponse      = "hub.userStateResponse"
	MethodChannelStateBroadcast  = "hub.channelStateBroadcast"
	MethodChannelStateResponse   = "hub.channelStateResponse"
	MethodUserRemoveBroadcast    = "hub.userRemoveBroadcast"
	MethodUserRemoveResponse     = "hub.userRemoveResponse"
	MethodChannelRemoveBroadcast = "hub.channelRemoveBroadcast"
	MethodChannelRemoveResponse  = "hub.channelRemoveResponse"
	MethodTextMessageBroadcast   = "hub.textMessageBroadcast"
	MethodPluginDataBroadcast    = "hub.pluginDataBroadcast"
	MethodUserJoined             = "hub.userJoined"
	MethodUserLeftBroadcast      = "hub.userLeftBroadcast"
	MethodUserStateChanged       = "hub.userStateChanged"
	MethodACLUpdated             = "hub.aclUpdated"
	MethodPermissionDenied       = "hub.permissionDenied"
	MethodBanListUpdated         = "hub.banListUpdated"
	MethodUserStatsResponse      = "hub.userStatsResponse"
	MethodVoiceRelay             = "hub.voiceRelay"
	MethodPeerJoined             = "edge.peerJoined"
	MethodPeerLeft               = "edge.peerLeft"
	MethodForceDisconnect        = "edge.forceDisconnect"
)

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id uint64, method string, params interface{}) (*Envelope, error) {
	raw, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params for %s: %w", method, err)
	}
	return &Envelope{Kind: KindRequest, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds the success response to a request.
func NewResponse(id uint64, result interface{}) (*Envelope, error) {
	raw, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return &Envelope{Kind: KindResponse, ID: id, Result: raw}, nil
}

// NewErrorResponse builds the failure response to a request.
func NewErrorResponse(id uint64, err error) *Envelope {
	return &Envelope{Kind: KindResponse, ID: id, Error: err.Error()}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params interface{}) (*Envelope, error) {
	raw, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal params for %s: %w", method, err)
	}
	return &Envelope{Kind: KindNotification, Method: method, Params: raw}, nil
}

func marshalField(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// RegisterParams announce an edge to the hub.
type RegisterParams struct {
	EdgeID    string `json:"edge_id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	VoicePort int    `json:"voice_port"`
	Region    string `json:"region,omitempty"`
	Capacity  int    `json:"capacity"`
}

// RegisterResult acknowledges registration.
type RegisterResult struct {
	ServerName   string          `json:"server_name"`
	WelcomeText  string          `json:"welcome_text,omitempty"`
	MaxBandwidth int             `json:"max_bandwidth"`
	Peers        []core.EdgeInfo `json:"peers,omitempty"`
	LastSequence uint64          `json:"last_sequence"`
}

// HeartbeatParams carry periodic edge stats.
type HeartbeatParams struct {
	EdgeID       string `json:"edge_id"`
	SessionCount int    `json:"session_count"`
	LastSequence uint64 `json:"last_sequence"`
}

// AllocateSessionParams request a cluster-unique session id.
type AllocateSessionParams struct {
	EdgeID   string `json:"edge_id"`
	Username string `json:"username"`
	IP       string `json:"ip"`
	CertHash string `json:"cert_hash,omitempty"`
}

// AllocateSessionResult returns the allocated id, or a ban verdict.
type AllocateSessionResult struct {
	SessionID uint32 `json:"session_id"`
	Banned    bool   `json:"banned,omitempty"`
	BanReason string `json:"ban_reason,omitempty"`
}

// ReportSessionParams publish a fully authenticated session to the cluster.
type ReportSessionParams struct {
	Session core.Session `json:"session"`
}

// FullSyncParams request a complete state snapshot.
type FullSyncParams struct {
	EdgeID string `json:"edge_id"`
}

// FullSyncResult is the hub's snapshot of all mirrored state.
type FullSyncResult struct {
	Channels  []core.Channel  `json:"channels"`
	Sessions  []core.Session  `json:"sessions"`
	Bans      []core.Ban      `json:"bans"`
	Peers     []core.EdgeInfo `json:"peers"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
}

// ACLParams forward a client ACL query or update.
type ACLParams struct {
	EdgeID  string     `json:"edge_id"`
	Session uint32     `json:"session"`
	Query   bool       `json:"query"`
	ACL     ACLPayload `json:"acl"`
}

// ACLPayload mirrors the Mumble ACL message in JSON form.
type ACLPayload struct {
	ChannelID  uint32           `json:"channel_id"`
	InheritACL bool             `json:"inherit_acl"`
	Entries    []core.ACLEntry  `json:"entries,omitempty"`
	Groups     []ACLGroupChange `json:"groups,omitempty"`
}

// ACLGroupChange is one group definition in an ACL update.
type ACLGroupChange struct {
	Name        string  `json:"name"`
	Inherit     bool    `json:"inherit"`
	Inheritable bool    `json:"inheritable"`
	Add         []int64 `json:"add,omitempty"`
	Remove      []int64 `json:"remove,omitempty"`
}

// ACLResult answers an ACL query with the inherited view.
type ACLResult struct {
	ChannelID  uint32           `json:"channel_id"`
	InheritACL bool             `json:"inherit_acl"`
	Entries    []InheritedACL   `json:"entries"`
	Groups     []InheritedGroup `json:"groups"`
}

// InheritedACL is one entry of the inherited ACL view; Inherited marks
// entries sourced from an ancestor channel.
type InheritedACL struct {
	core.ACLEntry
	Inherited bool `json:"inherited"`
}

// InheritedGroup is one group of the inherited view.
type InheritedGroup struct {
	Name             string  `json:"name"`
	Inherited        bool    `json:"inherited"`
	Inherit          bool    `json:"inherit"`
	Inheritable      bool    `json:"inheritable"`
	Add              []int64 `json:"add,omitempty"`
	Remove           []int64 `json:"remove,omitempty"`
	InheritedMembers []int64 `json:"inherited_members,omitempty"`
}

// VoiceTargetParams mirror a client voice-target definition to the hub.
type VoiceTargetParams struct {
	EdgeID  string               `json:"edge_id"`
	Session uint32               `json:"session"`
	ID      uint32               `json:"id"`
	Target  *core.VoiceTargetDef `json:"target,omitempty"` // nil clears
}

// UserStateParams forward a client UserState for authoritative handling.
type UserStateParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	// State is the raw protobuf payload of the UserState message; the hub
	// decodes, validates, and rebroadcasts it.
	State []byte `json:"state"`
}

// UserRemoveParams forward a kick or ban request.
type UserRemoveParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// ChannelStateParams forward a channel create or edit.
type ChannelStateParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// ChannelRemoveParams forward a channel delete.
type ChannelRemoveParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// TextMessageParams forward a text message.
type TextMessageParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// PluginDataParams forward a plugin data transmission.
type PluginDataParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// UserStatsParams forward a deep UserStats request for hub assembly.
type UserStatsParams struct {
	EdgeID string `json:"edge_id"`
	Actor  uint32 `json:"actor"`
	State  []byte `json:"state"`
}

// UserLeftParams announce a departure, Edge→Hub.
type UserLeftParams struct {
	EdgeID  string `json:"edge_id"`
	Session uint32 `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// Broadcast payloads, Hub→Edge. State fields carry a complete framed Mumble
// message, ready to write to a client socket. Edge→Hub params carry bare
// protobuf payloads since the kind is implied by the method.

// StateBroadcast carries a rebroadcast framed message.
type StateBroadcast struct {
	State []byte `json:"state"`
	// Sessions limits delivery; empty means every authenticated client.
	Sessions []uint32 `json:"sessions,omitempty"`
}

// SessionBroadcast carries the mirror update beside the wire payload.
type SessionBroadcast struct {
	Session core.Session `json:"session"`
	State   []byte       `json:"state"`
}

// UserLeftBroadcast fans a departure out to all edges.
type UserLeftBroadcast struct {
	Session uint32 `json:"session"`
	State   []byte `json:"state,omitempty"`
}

// ChannelBroadcast fans a channel create/edit out to all edges.
type ChannelBroadcast struct {
	Channel core.Channel `json:"channel"`
	State   []byte       `json:"state"`
}

// ChannelRemoveBroadcast fans a channel delete out to all edges.
type ChannelRemoveBroadcast struct {
	ChannelID        uint32   `json:"channel_id"`
	ChannelsRemoved  []uint32 `json:"channels_removed"`
	AffectedSessions []uint32 `json:"affected_sessions"`
	ParentID         uint32   `json:"parent_id"`
	State            []byte   `json:"state"`
}

// ACLUpdated tells edges to purge permission caches for a channel.
type ACLUpdated struct {
	ChannelID uint32 `json:"channel_id"`
	Timestamp int64  `json:"timestamp"`
}

// PermissionDeniedNotice surfaces a hub-side denial to one client.
type PermissionDeniedNotice struct {
	Session uint32 `json:"session"`
	State   []byte `json:"state"`
}

// PeerParams announce cluster membership changes.
type PeerParams struct {
	Edge core.EdgeInfo `json:"edge"`
}

// ForceDisconnectParams order an edge to drop one client.
type ForceDisconnectParams struct {
	Session uint32 `json:"session"`
	Reason  string `json:"reason,omitempty"`
	Ban     bool   `json:"ban,omitempty"`
}

// VoiceRelayParams carry a rewritten voice packet through the control
// channel, the fallback path when the dedicated UDP plane cannot reach the
// target edge.
type VoiceRelayParams struct {
	SenderEdge    string   `json:"sender_edge"`
	SenderSession uint32   `json:"sender_session"`
	TargetID      uint32   `json:"target_id"`
	Sessions      []uint32 `json:"sessions,omitempty"`
	Payload       []byte   `json:"payload"`
}

// BlobPutParams store a content-addressed blob.
type BlobPutParams struct {
	Data []byte `json:"data"`
}

// BlobPutResult returns the blob hash.
type BlobPutResult struct {
	Hash string `json:"hash"`
}

// BlobGetParams fetch a blob by hash.
type BlobGetParams struct {
	Hash string `json:"hash"`
}

// BlobGetResult returns the blob bytes.
type BlobGetResult struct {
	Data []byte `json:"data"`
}

// UserBlobParams address a user-attached blob (texture or comment).
type UserBlobParams struct {
	UserID int64  `json:"user_id"`
	Data   []byte `json:"data,omitempty"`
}

// ClusterStatusResult summarizes the cluster for admin surfaces.
type ClusterStatusResult struct {
	Edges    []core.EdgeInfo `json:"edges"`
	Sessions int             `json:"sessions"`
	Channels int             `json:"channels"`
	Sequence uint64          `json:"sequence"`
}
