// Package mumble implements the Mumble wire surface shared by edges and the
// hub: the length-prefixed TCP frame, the protobuf-encoded control messages,
// the Mumble varint, and the 1-byte voice packet header.
package mumble

import "fmt"

// Kind identifies a control message type on the TCP channel.
// The numeric values are fixed by the Mumble protocol.
type Kind uint16

const (
	KindVersion Kind = iota
	KindUDPTunnel
	KindAuthenticate
	KindPing
	KindReject
	KindServerSync
	KindChannelRemove
	KindChannelState
	KindUserRemove
	KindUserState
	KindBanList
	KindTextMessage
	KindPermissionDenied
	KindACL
	KindQueryUsers
	KindCryptSetup
	KindContextActionModify
	KindContextAction
	KindUserList
	KindVoiceTarget
	KindPermissionQuery
	KindCodecVersion
	KindUserStats
	KindRequestBlob
	KindServerConfig
	KindSuggestConfig
	KindPluginDataTransmission
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "Version"
	case KindUDPTunnel:
		return "UDPTunnel"
	case KindAuthenticate:
		return "Authenticate"
	case KindPing:
		return "Ping"
	case KindReject:
		return "Reject"
	case KindServerSync:
		return "ServerSync"
	case KindChannelRemove:
		return "ChannelRemove"
	case KindChannelState:
		return "ChannelState"
	case KindUserRemove:
		return "UserRemove"
	case KindUserState:
		return "UserState"
	case KindBanList:
		return "BanList"
	case KindTextMessage:
		return "TextMessage"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindACL:
		return "ACL"
	case KindQueryUsers:
		return "QueryUsers"
	case KindCryptSetup:
		return "CryptSetup"
	case KindContextActionModify:
		return "ContextActionModify"
	case KindContextAction:
		return "ContextAction"
	case KindUserList:
		return "UserList"
	case KindVoiceTarget:
		return "VoiceTarget"
	case KindPermissionQuery:
		return "PermissionQuery"
	case KindCodecVersion:
		return "CodecVersion"
	case KindUserStats:
		return "UserStats"
	case KindRequestBlob:
		return "RequestBlob"
	case KindServerConfig:
		return "ServerConfig"
	case KindSuggestConfig:
		return "SuggestConfig"
	case KindPluginDataTransmission:
		return "PluginDataTransmission"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// Voice sub-protocol packet types, carried in the top 3 bits of the
// voice header byte over UDP and through the UDPTunnel.
const (
	UDPVoiceCELTAlpha = 0
	UDPPing           = 1
	UDPVoiceSpeex     = 2
	UDPVoiceCELTBeta  = 3
	UDPVoiceOpus      = 4
)

// Special voice target values. Targets 1..30 are client-configured
// whisper/shout profiles.
const (
	TargetRegular = 0
	TargetServer  = 31
)

// CELTCompatBitstream is announced in CodecVersion for clients that still
// look at the CELT fields. The cluster itself only routes Opus.
const CELTCompatBitstream = -2147483637
