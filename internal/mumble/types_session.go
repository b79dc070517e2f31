package mumble

import "google.golang.org/protobuf/encoding/protowire"

// Version announces protocol and software version. VersionV1 packs
// major<<16|minor<<8|patch; VersionV2 is the 1.5+ 16-bit-per-component form.
type Version struct {
	VersionV1 *uint32
	Release   *string
	OS        *string
	OSVersion *string
	VersionV2 *uint64
}

func (*Version) Kind() Kind { return KindVersion }

func (m *Version) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.VersionV1)
	b = putString(b, 2, m.Release)
	b = putString(b, 3, m.OS)
	b = putString(b, 4, m.OSVersion)
	b = putUint64(b, 5, m.VersionV2)
	return b
}

func (m *Version) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.VersionV1 = Uint32(uint32(v))
			return n, nil
		case 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Release = String(s)
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.OS = String(s)
			return n, nil
		case 4:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.OSVersion = String(s)
			return n, nil
		case 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.VersionV2 = Uint64(v)
			return n, nil
		}
		return 0, nil
	})
}

// Authenticate is the client's login request.
type Authenticate struct {
	Username     *string
	Password     *string
	Tokens       []string
	CeltVersions []int32
	Opus         *bool
	ClientType   *int32
}

func (*Authenticate) Kind() Kind { return KindAuthenticate }

func (m *Authenticate) Marshal() []byte {
	var b []byte
	b = putString(b, 1, m.Username)
	b = putString(b, 2, m.Password)
	b = putStrings(b, 3, m.Tokens)
	b = putInt32s(b, 4, m.CeltVersions)
	b = putBool(b, 5, m.Opus)
	b = putInt32(b, 6, m.ClientType)
	return b
}

func (m *Authenticate) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Username = String(s)
			return n, nil
		case 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Password = String(s)
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Tokens = append(m.Tokens, s)
			return n, nil
		case 4:
			vs, n, err := fieldInt32s(typ, b, m.CeltVersions)
			if err != nil {
				return 0, err
			}
			m.CeltVersions = vs
			return n, nil
		case 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Opus = Bool(v != 0)
			return n, nil
		case 6:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.ClientType = Int32(int32(v))
			return n, nil
		}
		return 0, nil
	})
}

// Ping carries the client's crypt statistics; the server echoes the
// timestamp with its own view of the counters.
type Ping struct {
	Timestamp  *uint64
	Good       *uint32
	Late       *uint32
	Lost       *uint32
	Resync     *uint32
	UDPPackets *uint32
	TCPPackets *uint32
	UDPPingAvg *float32
	UDPPingVar *float32
	TCPPingAvg *float32
	TCPPingVar *float32
}

func (*Ping) Kind() Kind { return KindPing }

func (m *Ping) Marshal() []byte {
	var b []byte
	b = putUint64(b, 1, m.Timestamp)
	b = putUint32(b, 2, m.Good)
	b = putUint32(b, 3, m.Late)
	b = putUint32(b, 4, m.Lost)
	b = putUint32(b, 5, m.Resync)
	b = putUint32(b, 6, m.UDPPackets)
	b = putUint32(b, 7, m.TCPPackets)
	b = putFloat32(b, 8, m.UDPPingAvg)
	b = putFloat32(b, 9, m.UDPPingVar)
	b = putFloat32(b, 10, m.TCPPingAvg)
	b = putFloat32(b, 11, m.TCPPingVar)
	return b
}

func (m *Ping) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Timestamp = Uint64(v)
			return n, nil
		case 2, 3, 4, 5, 6, 7:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 2:
				m.Good = p
			case 3:
				m.Late = p
			case 4:
				m.Lost = p
			case 5:
				m.Resync = p
			case 6:
				m.UDPPackets = p
			case 7:
				m.TCPPackets = p
			}
			return n, nil
		case 8, 9, 10, 11:
			v, n, err := fieldFloat32(typ, b)
			if err != nil {
				return 0, err
			}
			p := Float32(v)
			switch num {
			case 8:
				m.UDPPingAvg = p
			case 9:
				m.UDPPingVar = p
			case 10:
				m.TCPPingAvg = p
			case 11:
				m.TCPPingVar = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// RejectType enumerates authentication failure reasons.
type RejectType int32

const (
	RejectNone RejectType = iota
	RejectWrongVersion
	RejectInvalidUsername
	RejectWrongUserPW
	RejectWrongServerPW
	RejectUsernameInUse
	RejectServerFull
	RejectNoCertificate
	RejectAuthenticatorFail
	RejectNoNewConnections
)

// Reject terminates a connection during the handshake.
type Reject struct {
	Type   *RejectType
	Reason *string
}

func (*Reject) Kind() Kind { return KindReject }

func (m *Reject) Marshal() []byte {
	var b []byte
	if m.Type != nil {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Type))
	}
	b = putString(b, 2, m.Reason)
	return b
}

func (m *Reject) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			t := RejectType(v)
			m.Type = &t
			return n, nil
		case 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Reason = String(s)
			return n, nil
		}
		return 0, nil
	})
}

// ServerSync completes the handshake: the client is told its session id and
// its permissions at the root channel.
type ServerSync struct {
	Session      *uint32
	MaxBandwidth *uint32
	WelcomeText  *string
	Permissions  *uint64
}

func (*ServerSync) Kind() Kind { return KindServerSync }

func (m *ServerSync) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Session)
	b = putUint32(b, 2, m.MaxBandwidth)
	b = putString(b, 3, m.WelcomeText)
	b = putUint64(b, 4, m.Permissions)
	return b
}

func (m *ServerSync) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Session = Uint32(uint32(v))
			return n, nil
		case 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.MaxBandwidth = Uint32(uint32(v))
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.WelcomeText = String(s)
			return n, nil
		case 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Permissions = Uint64(v)
			return n, nil
		}
		return 0, nil
	})
}

// CryptSetup transports the OCB2 key and nonces, and drives nonce resync.
type CryptSetup struct {
	Key         []byte
	ClientNonce []byte
	ServerNonce []byte
}

func (*CryptSetup) Kind() Kind { return KindCryptSetup }

func (m *CryptSetup) Marshal() []byte {
	var b []byte
	b = putBytes(b, 1, m.Key)
	b = putBytes(b, 2, m.ClientNonce)
	b = putBytes(b, 3, m.ServerNonce)
	return b
}

func (m *CryptSetup) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.Key = v
			case 2:
				m.ClientNonce = v
			case 3:
				m.ServerNonce = v
			}
			return n, nil
		}
		return 0, nil
	})
}

// ServerConfig advertises server-side message limits after sync.
type ServerConfig struct {
	MaxBandwidth       *uint32
	WelcomeText        *string
	AllowHTML          *bool
	MessageLength      *uint32
	ImageMessageLength *uint32
	MaxUsers           *uint32
	RecordingAllowed   *bool
}

func (*ServerConfig) Kind() Kind { return KindServerConfig }

func (m *ServerConfig) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.MaxBandwidth)
	b = putString(b, 2, m.WelcomeText)
	b = putBool(b, 3, m.AllowHTML)
	b = putUint32(b, 4, m.MessageLength)
	b = putUint32(b, 5, m.ImageMessageLength)
	b = putUint32(b, 6, m.MaxUsers)
	b = putBool(b, 7, m.RecordingAllowed)
	return b
}

func (m *ServerConfig) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 4, 5, 6:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.MaxBandwidth = p
			case 4:
				m.MessageLength = p
			case 5:
				m.ImageMessageLength = p
			case 6:
				m.MaxUsers = p
			}
			return n, nil
		case 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.WelcomeText = String(s)
			return n, nil
		case 3, 7:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			if num == 3 {
				m.AllowHTML = p
			} else {
				m.RecordingAllowed = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// SuggestConfig nudges clients toward a recommended configuration.
type SuggestConfig struct {
	VersionV1  *uint32
	Positional *bool
	PushToTalk *bool
	VersionV2  *uint64
}

func (*SuggestConfig) Kind() Kind { return KindSuggestConfig }

func (m *SuggestConfig) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.VersionV1)
	b = putBool(b, 2, m.Positional)
	b = putBool(b, 3, m.PushToTalk)
	b = putUint64(b, 4, m.VersionV2)
	return b
}

func (m *SuggestConfig) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.VersionV1 = Uint32(uint32(v))
			return n, nil
		case 2, 3:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			if num == 2 {
				m.Positional = p
			} else {
				m.PushToTalk = p
			}
			return n, nil
		case 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.VersionV2 = Uint64(v)
			return n, nil
		}
		return 0, nil
	})
}

// CodecVersion announces the codecs in use across the server.
type CodecVersion struct {
	Alpha       *int32
	Beta        *int32
	PreferAlpha *bool
	Opus        *bool
}

func (*CodecVersion) Kind() Kind { return KindCodecVersion }

func (m *CodecVersion) Marshal() []byte {
	var b []byte
	b = putInt32(b, 1, m.Alpha)
	b = putInt32(b, 2, m.Beta)
	b = putBool(b, 3, m.PreferAlpha)
	b = putBool(b, 4, m.Opus)
	return b
}

func (m *CodecVersion) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Int32(int32(v))
			if num == 1 {
				m.Alpha = p
			} else {
				m.Beta = p
			}
			return n, nil
		case 3, 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			if num == 3 {
				m.PreferAlpha = p
			} else {
				m.Opus = p
			}
			return n, nil
		}
		return 0, nil
	})
}
