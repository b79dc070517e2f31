package mumble

import "google.golang.org/protobuf/encoding/protowire"

// TextMessage addresses sessions, channels, or whole subtrees.
type TextMessage struct {
	Actor      *uint32
	Sessions   []uint32
	ChannelIDs []uint32
	TreeIDs    []uint32
	Message    *string
}

func (*TextMessage) Kind() Kind { return KindTextMessage }

func (m *TextMessage) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Actor)
	b = putUint32s(b, 2, m.Sessions)
	b = putUint32s(b, 3, m.ChannelIDs)
	b = putUint32s(b, 4, m.TreeIDs)
	b = putString(b, 5, m.Message)
	return b
}

func (m *TextMessage) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Actor = Uint32(uint32(v))
			return n, nil
		case 2:
			vs, n, err := fieldUint32s(typ, b, m.Sessions)
			if err != nil {
				return 0, err
			}
			m.Sessions = vs
			return n, nil
		case 3:
			vs, n, err := fieldUint32s(typ, b, m.ChannelIDs)
			if err != nil {
				return 0, err
			}
			m.ChannelIDs = vs
			return n, nil
		case 4:
			vs, n, err := fieldUint32s(typ, b, m.TreeIDs)
			if err != nil {
				return 0, err
			}
			m.TreeIDs = vs
			return n, nil
		case 5:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Message = String(s)
			return n, nil
		}
		return 0, nil
	})
}

// DenyType enumerates PermissionDenied reasons.
type DenyType int32

const (
	DenyText DenyType = iota
	DenyPermission
	DenySuperUser
	DenyChannelName
	DenyTextTooLong
	DenyH9K
	DenyTemporaryChannel
	DenyMissingCertificate
	DenyUserName
	DenyChannelFull
	DenyNestingLimit
	DenyChannelCountLimit
	DenyChannelListenerLimit
	DenyUserListenerLimit
)

// PermissionDenied reports a denied operation back to the requesting client.
type PermissionDenied struct {
	Permission *uint32
	ChannelID  *uint32
	Session    *uint32
	Reason     *string
	Type       *DenyType
	Name       *string
}

func (*PermissionDenied) Kind() Kind { return KindPermissionDenied }

func (m *PermissionDenied) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Permission)
	b = putUint32(b, 2, m.ChannelID)
	b = putUint32(b, 3, m.Session)
	b = putString(b, 4, m.Reason)
	if m.Type != nil {
		b = protowire.AppendTag(b, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*m.Type))
	}
	b = putString(b, 6, m.Name)
	return b
}

func (m *PermissionDenied) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.Permission = p
			case 2:
				m.ChannelID = p
			case 3:
				m.Session = p
			}
			return n, nil
		case 4, 6:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			if num == 4 {
				m.Reason = String(s)
			} else {
				m.Name = String(s)
			}
			return n, nil
		case 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			t := DenyType(v)
			m.Type = &t
			return n, nil
		}
		return 0, nil
	})
}

// ACLGroup is a channel group inside an ACL message.
type ACLGroup struct {
	Name             *string
	Inherited        *bool
	Inherit          *bool
	Inheritable      *bool
	Add              []uint32
	Remove           []uint32
	InheritedMembers []uint32
}

func (m *ACLGroup) marshal() []byte {
	var b []byte
	b = putString(b, 1, m.Name)
	b = putBool(b, 2, m.Inherited)
	b = putBool(b, 3, m.Inherit)
	b = putBool(b, 4, m.Inheritable)
	b = putUint32s(b, 5, m.Add)
	b = putUint32s(b, 6, m.Remove)
	b = putUint32s(b, 7, m.InheritedMembers)
	return b
}

func (m *ACLGroup) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Name = String(s)
			return n, nil
		case 2, 3, 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			switch num {
			case 2:
				m.Inherited = p
			case 3:
				m.Inherit = p
			case 4:
				m.Inheritable = p
			}
			return n, nil
		case 5:
			vs, n, err := fieldUint32s(typ, b, m.Add)
			if err != nil {
				return 0, err
			}
			m.Add = vs
			return n, nil
		case 6:
			vs, n, err := fieldUint32s(typ, b, m.Remove)
			if err != nil {
				return 0, err
			}
			m.Remove = vs
			return n, nil
		case 7:
			vs, n, err := fieldUint32s(typ, b, m.InheritedMembers)
			if err != nil {
				return 0, err
			}
			m.InheritedMembers = vs
			return n, nil
		}
		return 0, nil
	})
}

// ACLEntry is one access rule inside an ACL message.
type ACLEntry struct {
	ApplyHere *bool
	ApplySubs *bool
	Inherited *bool
	UserID    *uint32
	Group     *string
	Grant     *uint32
	Deny      *uint32
}

func (m *ACLEntry) marshal() []byte {
	var b []byte
	b = putBool(b, 1, m.ApplyHere)
	b = putBool(b, 2, m.ApplySubs)
	b = putBool(b, 3, m.Inherited)
	b = putUint32(b, 4, m.UserID)
	b = putString(b, 5, m.Group)
	b = putUint32(b, 6, m.Grant)
	b = putUint32(b, 7, m.Deny)
	return b
}

func (m *ACLEntry) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			switch num {
			case 1:
				m.ApplyHere = p
			case 2:
				m.ApplySubs = p
			case 3:
				m.Inherited = p
			}
			return n, nil
		case 4, 6, 7:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 4:
				m.UserID = p
			case 6:
				m.Grant = p
			case 7:
				m.Deny = p
			}
			return n, nil
		case 5:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Group = String(s)
			return n, nil
		}
		return 0, nil
	})
}

// ACL queries or replaces the access rules of one channel.
type ACL struct {
	ChannelID   *uint32
	InheritACLs *bool
	Groups      []*ACLGroup
	ACLs        []*ACLEntry
	Query       *bool
}

func (*ACL) Kind() Kind { return KindACL }

func (m *ACL) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.ChannelID)
	b = putBool(b, 2, m.InheritACLs)
	for _, g := range m.Groups {
		b = putMessage(b, 3, g.marshal())
	}
	for _, e := range m.ACLs {
		b = putMessage(b, 4, e.marshal())
	}
	b = putBool(b, 5, m.Query)
	return b
}

func (m *ACL) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.ChannelID = Uint32(uint32(v))
			return n, nil
		case 2, 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			if num == 2 {
				m.InheritACLs = p
			} else {
				m.Query = p
			}
			return n, nil
		case 3:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			g := &ACLGroup{}
			if err := g.unmarshal(body); err != nil {
				return 0, err
			}
			m.Groups = append(m.Groups, g)
			return n, nil
		case 4:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e := &ACLEntry{}
			if err := e.unmarshal(body); err != nil {
				return 0, err
			}
			m.ACLs = append(m.ACLs, e)
			return n, nil
		}
		return 0, nil
	})
}

// ContextActionModify registers or removes a server-provided context action.
type ContextActionModify struct {
	Action    *string
	Text      *string
	Context   *uint32
	Operation *int32
}

// Context bits for ContextActionModify.
const (
	ContextServer  = 0x01
	ContextChannel = 0x02
	ContextUser    = 0x04
)

// Operations for ContextActionModify.
const (
	ContextActionAdd    = 0
	ContextActionRemove = 1
)

func (*ContextActionModify) Kind() Kind { return KindContextActionModify }

func (m *ContextActionModify) Marshal() []byte {
	var b []byte
	b = putString(b, 1, m.Action)
	b = putString(b, 2, m.Text)
	b = putUint32(b, 3, m.Context)
	b = putInt32(b, 4, m.Operation)
	return b
}

func (m *ContextActionModify) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			if num == 1 {
				m.Action = String(s)
			} else {
				m.Text = String(s)
			}
			return n, nil
		case 3:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Context = Uint32(uint32(v))
			return n, nil
		case 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Operation = Int32(int32(v))
			return n, nil
		}
		return 0, nil
	})
}

// ContextAction invokes a previously registered context action.
type ContextAction struct {
	Session   *uint32
	ChannelID *uint32
	Action    *string
}

func (*ContextAction) Kind() Kind { return KindContextAction }

func (m *ContextAction) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Session)
	b = putUint32(b, 2, m.ChannelID)
	b = putString(b, 3, m.Action)
	return b
}

func (m *ContextAction) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			if num == 1 {
				m.Session = p
			} else {
				m.ChannelID = p
			}
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Action = String(s)
			return n, nil
		}
		return 0, nil
	})
}

// VoiceTargetChannel addresses a channel (optionally its subtree and links)
// restricted to an optional group.
type VoiceTargetChannel struct {
	Sessions  []uint32
	ChannelID *uint32
	Group     *string
	Links     *bool
	Children  *bool
}

func (m *VoiceTargetChannel) marshal() []byte {
	var b []byte
	b = putUint32s(b, 1, m.Sessions)
	b = putUint32(b, 2, m.ChannelID)
	b = putString(b, 3, m.Group)
	b = putBool(b, 4, m.Links)
	b = putBool(b, 5, m.Children)
	return b
}

func (m *VoiceTargetChannel) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			vs, n, err := fieldUint32s(typ, b, m.Sessions)
			if err != nil {
				return 0, err
			}
			m.Sessions = vs
			return n, nil
		case 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.ChannelID = Uint32(uint32(v))
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Group = String(s)
			return n, nil
		case 4, 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			if num == 4 {
				m.Links = p
			} else {
				m.Children = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// VoiceTarget configures one whisper/shout profile slot (1..30).
type VoiceTarget struct {
	ID      *uint32
	Targets []*VoiceTargetChannel
}

func (*VoiceTarget) Kind() Kind { return KindVoiceTarget }

func (m *VoiceTarget) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.ID)
	for _, t := range m.Targets {
		b = putMessage(b, 2, t.marshal())
	}
	return b
}

func (m *VoiceTarget) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.ID = Uint32(uint32(v))
			return n, nil
		case 2:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			t := &VoiceTargetChannel{}
			if err := t.unmarshal(body); err != nil {
				return 0, err
			}
			m.Targets = append(m.Targets, t)
			return n, nil
		}
		return 0, nil
	})
}

// PermissionQuery asks for (or pushes) the flattened permissions of a channel.
type PermissionQuery struct {
	ChannelID   *uint32
	Permissions *uint32
	Flush       *bool
}

func (*PermissionQuery) Kind() Kind { return KindPermissionQuery }

func (m *PermissionQuery) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.ChannelID)
	b = putUint32(b, 2, m.Permissions)
	b = putBool(b, 3, m.Flush)
	return b
}

func (m *PermissionQuery) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			if num == 1 {
				m.ChannelID = p
			} else {
				m.Permissions = p
			}
			return n, nil
		case 3:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Flush = Bool(v != 0)
			return n, nil
		}
		return 0, nil
	})
}

// UserStatsCounters is the good/late/lost/resync block in UserStats.
type UserStatsCounters struct {
	Good   *uint32
	Late   *uint32
	Lost   *uint32
	Resync *uint32
}

func (m *UserStatsCounters) marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Good)
	b = putUint32(b, 2, m.Late)
	b = putUint32(b, 3, m.Lost)
	b = putUint32(b, 4, m.Resync)
	return b
}

func (m *UserStatsCounters) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num >= 1 && num <= 4 {
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.Good = p
			case 2:
				m.Late = p
			case 3:
				m.Lost = p
			case 4:
				m.Resync = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// UserStats carries the deep per-session statistics view.
type UserStats struct {
	Session           *uint32
	StatsOnly         *bool
	Certificates      [][]byte
	FromClient        *UserStatsCounters
	FromServer        *UserStatsCounters
	UDPPackets        *uint32
	TCPPackets        *uint32
	UDPPingAvg        *float32
	UDPPingVar        *float32
	TCPPingAvg        *float32
	TCPPingVar        *float32
	Version           *Version
	CeltVersions      []int32
	Address           []byte
	Bandwidth         *uint32
	OnlineSecs        *uint32
	IdleSecs          *uint32
	StrongCertificate *bool
	Opus              *bool
}

func (*UserStats) Kind() Kind { return KindUserStats }

func (m *UserStats) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Session)
	b = putBool(b, 2, m.StatsOnly)
	b = putBytesSlice(b, 3, m.Certificates)
	if m.FromClient != nil {
		b = putMessage(b, 4, m.FromClient.marshal())
	}
	if m.FromServer != nil {
		b = putMessage(b, 5, m.FromServer.marshal())
	}
	b = putUint32(b, 6, m.UDPPackets)
	b = putUint32(b, 7, m.TCPPackets)
	b = putFloat32(b, 8, m.UDPPingAvg)
	b = putFloat32(b, 9, m.UDPPingVar)
	b = putFloat32(b, 10, m.TCPPingAvg)
	b = putFloat32(b, 11, m.TCPPingVar)
	if m.Version != nil {
		b = putMessage(b, 12, m.Version.Marshal())
	}
	b = putInt32s(b, 13, m.CeltVersions)
	b = putBytes(b, 14, m.Address)
	b = putUint32(b, 15, m.Bandwidth)
	b = putUint32(b, 16, m.OnlineSecs)
	b = putUint32(b, 17, m.IdleSecs)
	b = putBool(b, 18, m.StrongCertificate)
	b = putBool(b, 19, m.Opus)
	return b
}

func (m *UserStats) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 6, 7, 15, 16, 17:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.Session = p
			case 6:
				m.UDPPackets = p
			case 7:
				m.TCPPackets = p
			case 15:
				m.Bandwidth = p
			case 16:
				m.OnlineSecs = p
			case 17:
				m.IdleSecs = p
			}
			return n, nil
		case 2, 18, 19:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			switch num {
			case 2:
				m.StatsOnly = p
			case 18:
				m.StrongCertificate = p
			case 19:
				m.Opus = p
			}
			return n, nil
		case 3:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Certificates = append(m.Certificates, v)
			return n, nil
		case 4, 5:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			c := &UserStatsCounters{}
			if err := c.unmarshal(body); err != nil {
				return 0, err
			}
			if num == 4 {
				m.FromClient = c
			} else {
				m.FromServer = c
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
		case 12:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			ver := &Version{}
			if err := ver.Unmarshal(body); err != nil {
				return 0, err
			}
			m.Version = ver
			return n, nil
		case 13:
			vs, n, err := fieldInt32s(typ, b, m.CeltVersions)
			if err != nil {
				return 0, err
			}
			m.CeltVersions = vs
			return n, nil
		case 14:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Address = v
			return n, nil
		}
		return 0, nil
	})
}

// RequestBlob asks for full texture/comment/description payloads by session
// or channel.
type RequestBlob struct {
	SessionTexture     []uint32
	SessionComment     []uint32
	ChannelDescription []uint32
}

func (*RequestBlob) Kind() Kind { return KindRequestBlob }

func (m *RequestBlob) Marshal() []byte {
	var b []byte
	b = putUint32s(b, 1, m.SessionTexture)
	b = putUint32s(b, 2, m.SessionComment)
	b = putUint32s(b, 3, m.ChannelDescription)
	return b
}

func (m *RequestBlob) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			vs, n, err := fieldUint32s(typ, b, m.SessionTexture)
			if err != nil {
				return 0, err
			}
			m.SessionTexture = vs
			return n, nil
		case 2:
			vs, n, err := fieldUint32s(typ, b, m.SessionComment)
			if err != nil {
				return 0, err
			}
			m.SessionComment = vs
			return n, nil
		case 3:
			vs, n, err := fieldUint32s(typ, b, m.ChannelDescription)
			if err != nil {
				return 0, err
			}
			m.ChannelDescription = vs
			return n, nil
		}
		return 0, nil
	})
}

// PluginDataTransmission relays opaque plugin payloads between sessions.
type PluginDataTransmission struct {
	SenderSession    *uint32
	ReceiverSessions []uint32
	Data             []byte
	DataID           *string
}

func (*PluginDataTransmission) Kind() Kind { return KindPluginDataTransmission }

func (m *PluginDataTransmission) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.SenderSession)
	b = putUint32s(b, 2, m.ReceiverSessions)
	b = putBytes(b, 3, m.Data)
	b = putString(b, 4, m.DataID)
	return b
}

func (m *PluginDataTransmission) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.SenderSession = Uint32(uint32(v))
			return n, nil
		case 2:
			vs, n, err := fieldUint32s(typ, b, m.ReceiverSessions)
			if err != nil {
				return 0, err
			}
			m.ReceiverSessions = vs
			return n, nil
		case 3:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Data = v
			return n, nil
		case 4:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.DataID = String(s)
			return n, nil
		}
		return 0, nil
	})
}
