package mumble

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TCP frame layout: kind (uint16 BE) | length (uint32 BE) | payload.
const (
	FrameHeaderLen = 6
	MaxPayloadLen  = 10 * 1024 * 1024
)

var ErrPayloadTooLarge = errors.New("mumble: frame payload exceeds 10 MB")

// ReadFrame reads one control frame from r. The returned payload is freshly
// allocated. Oversized frames return ErrPayloadTooLarge; the caller is
// expected to drop the connection.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	kind := Kind(binary.BigEndian.Uint16(hdr[0:2]))
	length := binary.BigEndian.Uint32(hdr[2:6])
	if length > MaxPayloadLen {
		return kind, nil, ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return kind, nil, err
	}
	return kind, payload, nil
}

// WriteFrame writes one control frame to w.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	var hdr [FrameHeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(kind))
	binary.BigEndian.PutUint32(hdr[2:6], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// DecodeFrame splits a fully buffered frame into kind and payload. The
// payload aliases buf.
func DecodeFrame(buf []byte) (Kind, []byte, error) {
	if len(buf) < FrameHeaderLen {
		return 0, nil, fmt.Errorf("mumble: frame truncated at %d bytes", len(buf))
	}
	kind := Kind(binary.BigEndian.Uint16(buf[0:2]))
	length := binary.BigEndian.Uint32(buf[2:6])
	if length > MaxPayloadLen {
		return kind, nil, ErrPayloadTooLarge
	}
	if int(length) != len(buf)-FrameHeaderLen {
		return kind, nil, fmt.Errorf("mumble: frame length %d does not match buffer %d", length, len(buf)-FrameHeaderLen)
	}
	return kind, buf[FrameHeaderLen:], nil
}

// EncodeFrame returns the full wire form of one frame.
func EncodeFrame(kind Kind, payload []byte) []byte {
	buf := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(kind))
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(payload)))
	copy(buf[FrameHeaderLen:], payload)
	return buf
}

// Message is implemented by every control message in this package.
type Message interface {
	Kind() Kind
	Marshal() []byte
	Unmarshal(data []byte) error
}

// Encode marshals m and frames it for the TCP channel.
func Encode(m Message) []byte {
	return EncodeFrame(m.Kind(), m.Marshal())
}

// Decode parses a payload of the given kind into its typed message.
func Decode(kind Kind, payload []byte) (Message, error) {
	m := New(kind)
	if m == nil {
		return nil, fmt.Errorf("mumble: no decoder for %v", kind)
	}
	if err := m.Unmarshal(payload); err != nil {
		return nil, fmt.Errorf("mumble: decode %v: %w", kind, err)
	}
	return m, nil
}

// New returns a zero message of the given kind, or nil for kinds with no
// protobuf body (UDPTunnel payloads are voice packets, not messages).
func New(kind Kind) Message {
	switch kind {
	case KindVersion:
		return &Version{}
	case KindAuthenticate:
		return &Authenticate{}
	case KindPing:
		return &Ping{}
	case KindReject:
		return &Reject{}
	case KindServerSync:
		return &ServerSync{}
	case KindChannelRemove:
		return &ChannelRemove{}
	case KindChannelState:
		return &ChannelState{}
	case KindUserRemove:
		return &UserRemove{}
	case KindUserState:
		return &UserState{}
	case KindBanList:
		return &BanList{}
	case KindTextMessage:
		return &TextMessage{}
	case KindPermissionDenied:
		return &PermissionDenied{}
	case KindACL:
		return &ACL{}
	case KindQueryUsers:
		return &QueryUsers{}
	case KindCryptSetup:
		return &CryptSetup{}
	case KindContextActionModify:
		return &ContextActionModify{}
	case KindContextAction:
		return &ContextAction{}
	case KindUserList:
		return &UserList{}
	case KindVoiceTarget:
		return &VoiceTarget{}
	case KindPermissionQuery:
		return &PermissionQuery{}
	case KindCodecVersion:
		return &CodecVersion{}
	case KindUserStats:
		return &UserStats{}
	case KindRequestBlob:
		return &RequestBlob{}
	case KindServerConfig:
		return &ServerConfig{}
	case KindSuggestConfig:
		return &SuggestConfig{}
	case KindPluginDataTransmission:
		return &PluginDataTransmission{}
	default:
		return nil
	}
}
