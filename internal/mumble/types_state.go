package mumble

import "google.golang.org/protobuf/encoding/protowire"

// ChannelState describes a channel or a change to one. During the two-pass
// tree send only a subset of fields is populated per pass.
type ChannelState struct {
	ChannelID         *uint32
	Parent            *uint32
	Name              *string
	Links             []uint32
	Description       *string
	LinksAdd          []uint32
	LinksRemove       []uint32
	Temporary         *bool
	Position          *int32
	DescriptionHash   []byte
	MaxUsers          *uint32
	IsEnterRestricted *bool
	CanEnter          *bool
}

func (*ChannelState) Kind() Kind { return KindChannelState }

func (m *ChannelState) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.ChannelID)
	b = putUint32(b, 2, m.Parent)
	b = putString(b, 3, m.Name)
	b = putUint32s(b, 4, m.Links)
	b = putString(b, 5, m.Description)
	b = putUint32s(b, 6, m.LinksAdd)
	b = putUint32s(b, 7, m.LinksRemove)
	b = putBool(b, 8, m.Temporary)
	b = putInt32(b, 9, m.Position)
	b = putBytes(b, 10, m.DescriptionHash)
	b = putUint32(b, 11, m.MaxUsers)
	b = putBool(b, 12, m.IsEnterRestricted)
	b = putBool(b, 13, m.CanEnter)
	return b
}

func (m *ChannelState) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 11:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.ChannelID = p
			case 2:
				m.Parent = p
			case 11:
				m.MaxUsers = p
			}
			return n, nil
		case 3, 5:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			if num == 3 {
				m.Name = String(s)
			} else {
				m.Description = String(s)
			}
			return n, nil
		case 4:
			vs, n, err := fieldUint32s(typ, b, m.Links)
			if err != nil {
				return 0, err
			}
			m.Links = vs
			return n, nil
		case 6:
			vs, n, err := fieldUint32s(typ, b, m.LinksAdd)
			if err != nil {
				return 0, err
			}
			m.LinksAdd = vs
			return n, nil
		case 7:
			vs, n, err := fieldUint32s(typ, b, m.LinksRemove)
			if err != nil {
				return 0, err
			}
			m.LinksRemove = vs
			return n, nil
		case 8, 12, 13:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			switch num {
			case 8:
				m.Temporary = p
			case 12:
				m.IsEnterRestricted = p
			case 13:
				m.CanEnter = p
			}
			return n, nil
		case 9:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Position = Int32(int32(v))
			return n, nil
		case 10:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.DescriptionHash = v
			return n, nil
		}
		return 0, nil
	})
}

// ChannelRemove deletes a channel (and, server-side, its subtree).
type ChannelRemove struct {
	ChannelID *uint32
}

func (*ChannelRemove) Kind() Kind { return KindChannelRemove }

func (m *ChannelRemove) Marshal() []byte {
	return putUint32(nil, 1, m.ChannelID)
}

func (m *ChannelRemove) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.ChannelID = Uint32(uint32(v))
			return n, nil
		}
		return 0, nil
	})
}

// UserState describes a session or a change to one.
type UserState struct {
	Session                *uint32
	Actor                  *uint32
	Name                   *string
	UserID                 *uint32
	ChannelID              *uint32
	Mute                   *bool
	Deaf                   *bool
	Suppress               *bool
	SelfMute               *bool
	SelfDeaf               *bool
	Texture                []byte
	PluginContext          []byte
	PluginIdentity         *string
	Comment                *string
	Hash                   *string
	CommentHash            []byte
	TextureHash            []byte
	PrioritySpeaker        *bool
	Recording              *bool
	TemporaryAccessTokens  []string
	ListeningChannelAdd    []uint32
	ListeningChannelRemove []uint32
}

func (*UserState) Kind() Kind { return KindUserState }

func (m *UserState) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Session)
	b = putUint32(b, 2, m.Actor)
	b = putString(b, 3, m.Name)
	b = putUint32(b, 4, m.UserID)
	b = putUint32(b, 5, m.ChannelID)
	b = putBool(b, 6, m.Mute)
	b = putBool(b, 7, m.Deaf)
	b = putBool(b, 8, m.Suppress)
	b = putBool(b, 9, m.SelfMute)
	b = putBool(b, 10, m.SelfDeaf)
	b = putBytes(b, 11, m.Texture)
	b = putBytes(b, 12, m.PluginContext)
	b = putString(b, 13, m.PluginIdentity)
	b = putString(b, 14, m.Comment)
	b = putString(b, 15, m.Hash)
	b = putBytes(b, 16, m.CommentHash)
	b = putBytes(b, 17, m.TextureHash)
	b = putBool(b, 18, m.PrioritySpeaker)
	b = putBool(b, 19, m.Recording)
	b = putStrings(b, 20, m.TemporaryAccessTokens)
	b = putUint32s(b, 21, m.ListeningChannelAdd)
	b = putUint32s(b, 22, m.ListeningChannelRemove)
	return b
}

func (m *UserState) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 4, 5:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			switch num {
			case 1:
				m.Session = p
			case 2:
				m.Actor = p
			case 4:
				m.UserID = p
			case 5:
				m.ChannelID = p
			}
			return n, nil
		case 6, 7, 8, 9, 10, 18, 19:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Bool(v != 0)
			switch num {
			case 6:
				m.Mute = p
			case 7:
				m.Deaf = p
			case 8:
				m.Suppress = p
			case 9:
				m.SelfMute = p
			case 10:
				m.SelfDeaf = p
			case 18:
				m.PrioritySpeaker = p
			case 19:
				m.Recording = p
			}
			return n, nil
		case 3, 13, 14, 15:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			p := String(s)
			switch num {
			case 3:
				m.Name = p
			case 13:
				m.PluginIdentity = p
			case 14:
				m.Comment = p
			case 15:
				m.Hash = p
			}
			return n, nil
		case 11, 12, 16, 17:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 11:
				m.Texture = v
			case 12:
				m.PluginContext = v
			case 16:
				m.CommentHash = v
			case 17:
				m.TextureHash = v
			}
			return n, nil
		case 20:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.TemporaryAccessTokens = append(m.TemporaryAccessTokens, s)
			return n, nil
		case 21:
			vs, n, err := fieldUint32s(typ, b, m.ListeningChannelAdd)
			if err != nil {
				return 0, err
			}
			m.ListeningChannelAdd = vs
			return n, nil
		case 22:
			vs, n, err := fieldUint32s(typ, b, m.ListeningChannelRemove)
			if err != nil {
				return 0, err
			}
			m.ListeningChannelRemove = vs
			return n, nil
		}
		return 0, nil
	})
}

// UserRemove kicks, bans, or simply announces the departure of a session.
type UserRemove struct {
	Session *uint32
	Actor   *uint32
	Reason  *string
	Ban     *bool
}

func (*UserRemove) Kind() Kind { return KindUserRemove }

func (m *UserRemove) Marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.Session)
	b = putUint32(b, 2, m.Actor)
	b = putString(b, 3, m.Reason)
	b = putBool(b, 4, m.Ban)
	return b
}

func (m *UserRemove) Unmarshal(data []byte) error {
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
				m.Actor = p
			}
			return n, nil
		case 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Reason = String(s)
			return n, nil
		case 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Ban = Bool(v != 0)
			return n, nil
		}
		return 0, nil
	})
}

// BanEntry is one row of the ban list.
type BanEntry struct {
	Address  []byte
	Mask     *uint32
	Name     *string
	Hash     *string
	Reason   *string
	Start    *string
	Duration *uint32
}

func (m *BanEntry) marshal() []byte {
	var b []byte
	b = putBytes(b, 1, m.Address)
	b = putUint32(b, 2, m.Mask)
	b = putString(b, 3, m.Name)
	b = putString(b, 4, m.Hash)
	b = putString(b, 5, m.Reason)
	b = putString(b, 6, m.Start)
	b = putUint32(b, 7, m.Duration)
	return b
}

func (m *BanEntry) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Address = v
			return n, nil
		case 2, 7:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			if num == 2 {
				m.Mask = p
			} else {
				m.Duration = p
			}
			return n, nil
		case 3, 4, 5, 6:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			p := String(s)
			switch num {
			case 3:
				m.Name = p
			case 4:
				m.Hash = p
			case 5:
				m.Reason = p
			case 6:
				m.Start = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// BanList queries or replaces the server ban list.
type BanList struct {
	Bans  []*BanEntry
	Query *bool
}

func (*BanList) Kind() Kind { return KindBanList }

func (m *BanList) Marshal() []byte {
	var b []byte
	for _, e := range m.Bans {
		b = putMessage(b, 1, e.marshal())
	}
	b = putBool(b, 2, m.Query)
	return b
}

func (m *BanList) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e := &BanEntry{}
			if err := e.unmarshal(body); err != nil {
				return 0, err
			}
			m.Bans = append(m.Bans, e)
			return n, nil
		case 2:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			m.Query = Bool(v != 0)
			return n, nil
		}
		return 0, nil
	})
}

// UserListEntry is one registered user row.
type UserListEntry struct {
	UserID      *uint32
	Name        *string
	LastSeen    *string
	LastChannel *uint32
}

func (m *UserListEntry) marshal() []byte {
	var b []byte
	b = putUint32(b, 1, m.UserID)
	b = putString(b, 2, m.Name)
	b = putString(b, 3, m.LastSeen)
	b = putUint32(b, 4, m.LastChannel)
	return b
}

func (m *UserListEntry) unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 4:
			v, n, err := fieldVarint(typ, b)
			if err != nil {
				return 0, err
			}
			p := Uint32(uint32(v))
			if num == 1 {
				m.UserID = p
			} else {
				m.LastChannel = p
			}
			return n, nil
		case 2, 3:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			p := String(s)
			if num == 2 {
				m.Name = p
			} else {
				m.LastSeen = p
			}
			return n, nil
		}
		return 0, nil
	})
}

// UserList lists or edits registered users.
type UserList struct {
	Users []*UserListEntry
}

func (*UserList) Kind() Kind { return KindUserList }

func (m *UserList) Marshal() []byte {
	var b []byte
	for _, e := range m.Users {
		b = putMessage(b, 1, e.marshal())
	}
	return b
}

func (m *UserList) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			body, n, err := fieldBytes(typ, b)
			if err != nil {
				return 0, err
			}
			e := &UserListEntry{}
			if err := e.unmarshal(body); err != nil {
				return 0, err
			}
			m.Users = append(m.Users, e)
			return n, nil
		}
		return 0, nil
	})
}

// QueryUsers resolves user ids to names and vice versa.
type QueryUsers struct {
	IDs   []uint32
	Names []string
}

func (*QueryUsers) Kind() Kind { return KindQueryUsers }

func (m *QueryUsers) Marshal() []byte {
	var b []byte
	b = putUint32s(b, 1, m.IDs)
	b = putStrings(b, 2, m.Names)
	return b
}

func (m *QueryUsers) Unmarshal(data []byte) error {
	return eachField(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			vs, n, err := fieldUint32s(typ, b, m.IDs)
			if err != nil {
				return 0, err
			}
			m.IDs = vs
			return n, nil
		case 2:
			s, n, err := fieldString(typ, b)
			if err != nil {
				return 0, err
			}
			m.Names = append(m.Names, s)
			return n, nil
		}
		return 0, nil
	})
}
