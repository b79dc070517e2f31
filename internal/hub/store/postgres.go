package store

import (
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/murmurgrid/murmurgrid/internal/core"
)

// schema is applied idempotently at startup. ACL rows are soft-deleted so
// history survives for audit; every other table is plain.
const schema = `
CREATE TABLE IF NOT EXISTS channels (
	id          INTEGER PRIMARY KEY,
	parent_id   BIGINT NOT NULL,
	name        TEXT NOT NULL,
	position    INTEGER NOT NULL DEFAULT 0,
	max_users   INTEGER NOT NULL DEFAULT 0,
	inherit_acl BOOLEAN NOT NULL DEFAULT TRUE,
	description TEXT NOT NULL DEFAULT '',
	description_hash TEXT NOT NULL DEFAULT '',
	temporary   BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS channel_links (
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	link_id    INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	PRIMARY KEY (channel_id, link_id)
);

CREATE TABLE IF NOT EXISTS acls (
	id         BIGSERIAL PRIMARY KEY,
	channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	user_id    BIGINT NOT NULL DEFAULT -1,
	group_name TEXT NOT NULL DEFAULT '',
	apply_here BOOLEAN NOT NULL DEFAULT TRUE,
	apply_subs BOOLEAN NOT NULL DEFAULT TRUE,
	allow_bits BIGINT NOT NULL DEFAULT 0,
	deny_bits  BIGINT NOT NULL DEFAULT 0,
	deleted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS acls_channel_live
	ON acls (channel_id, position) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS channel_groups (
	id          BIGSERIAL PRIMARY KEY,
	channel_id  INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	inherit     BOOLEAN NOT NULL DEFAULT TRUE,
	inheritable BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (channel_id, name)
);

CREATE TABLE IF NOT EXISTS group_members (
	group_id BIGINT NOT NULL REFERENCES channel_groups(id) ON DELETE CASCADE,
	user_id  BIGINT NOT NULL,
	is_add   BOOLEAN NOT NULL,
	PRIMARY KEY (group_id, user_id, is_add)
);

CREATE TABLE IF NOT EXISTS bans (
	id        BIGSERIAL PRIMARY KEY,
	ip        TEXT NOT NULL DEFAULT '',
	cert_hash TEXT NOT NULL DEFAULT '',
	username  TEXT NOT NULL DEFAULT '',
	reason    TEXT NOT NULL DEFAULT '',
	start     TIMESTAMPTZ NOT NULL DEFAULT now(),
	duration  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS users (
	id           BIGSERIAL PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	cert_hash    TEXT NOT NULL DEFAULT '',
	texture_hash TEXT NOT NULL DEFAULT '',
	comment_hash TEXT NOT NULL DEFAULT '',
	last_channel INTEGER NOT NULL DEFAULT 0,
	last_seen    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Postgres is the production Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings, and applies the schema. A missing root
// channel row is created.
func OpenPostgres(url string) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	root := RootChannel()
	_, err = db.Exec(`INSERT INTO channels (id, parent_id, name, inherit_acl)
		VALUES ($1, $2, $3, TRUE) ON CONFLICT (id) DO NOTHING`,
		root.ID, root.ParentID, root.Name)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: seed root channel: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) LoadChannels() ([]core.Channel, error) {
	rows, err := p.db.Query(`SELECT id, parent_id, name, position, max_users,
		inherit_acl, description, description_hash, temporary FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load channels: %w", err)
	}
	defer rows.Close()

	byID := make(map[uint32]*core.Channel)
	var order []uint32
	for rows.Next() {
		var ch core.Channel
		if err := rows.Scan(&ch.ID, &ch.ParentID, &ch.Name, &ch.Position,
			&ch.MaxUsers, &ch.InheritACL, &ch.Description, &ch.DescriptionHash,
			&ch.Temporary); err != nil {
			return nil, fmt.Errorf("store: scan channel: %w", err)
		}
		cp := ch
		byID[ch.ID] = &cp
		order = append(order, ch.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := p.loadLinks(byID); err != nil {
		return nil, err
	}
	if err := p.loadACLs(byID); err != nil {
		return nil, err
	}
	if err := p.loadGroups(byID); err != nil {
		return nil, err
	}

	out := make([]core.Channel, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (p *Postgres) loadLinks(byID map[uint32]*core.Channel) error {
	rows, err := p.db.Query(`SELECT channel_id, link_id FROM channel_links`)
	if err != nil {
		return fmt.Errorf("store: load links: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var from, to uint32
		if err := rows.Scan(&from, &to); err != nil {
			return err
		}
		if ch := byID[from]; ch != nil {
			ch.Links = append(ch.Links, to)
		}
	}
	return rows.Err()
}

func (p *Postgres) loadACLs(byID map[uint32]*core.Channel) error {
	rows, err := p.db.Query(`SELECT channel_id, user_id, group_name, apply_here,
		apply_subs, allow_bits, deny_bits FROM acls
		WHERE deleted_at IS NULL ORDER BY channel_id, position`)
	if err != nil {
		return fmt.Errorf("store: load acls: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e core.ACLEntry
		var allow, deny int64
		if err := rows.Scan(&e.ChannelID, &e.UserID, &e.Group, &e.ApplyHere,
			&e.ApplySubs, &allow, &deny); err != nil {
			return err
		}
		e.Allow = core.Permission(allow)
		e.Deny = core.Permission(deny)
		if ch := byID[e.ChannelID]; ch != nil {
			ch.ACLs = append(ch.ACLs, e)
		}
	}
	return rows.Err()
}

func (p *Postgres) loadGroups(byID map[uint32]*core.Channel) error {
	rows, err := p.db.Query(`SELECT id, channel_id, name, inherit, inheritable FROM channel_groups`)
	if err != nil {
		return fmt.Errorf("store: load groups: %w", err)
	}
	defer rows.Close()

	groups := make(map[int64]*core.Group)
	for rows.Next() {
		var gid int64
		var g core.Group
		if err := rows.Scan(&gid, &g.ChannelID, &g.Name, &g.Inherit, &g.Inheritable); err != nil {
			return err
		}
		cp := g
		groups[gid] = &cp
		if ch := byID[g.ChannelID]; ch != nil {
			if ch.Groups == nil {
				ch.Groups = make(map[string]*core.Group)
			}
			ch.Groups[g.Name] = &cp
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	mrows, err := p.db.Query(`SELECT group_id, user_id, is_add FROM group_members`)
	if err != nil {
		return fmt.Errorf("store: load group members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var gid, uid int64
		var isAdd bool
		if err := mrows.Scan(&gid, &uid, &isAdd); err != nil {
			return err
		}
		g := groups[gid]
		if g == nil {
			continue
		}
		if isAdd {
			g.Add = append(g.Add, uid)
		} else {
			g.Remove = append(g.Remove, uid)
		}
	}
	return mrows.Err()
}

func (p *Postgres) SaveChannel(ch *core.Channel) (uint32, error) {
	tx, err := p.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if ch.ID == 0 && ch.ParentID >= 0 {
		if err := tx.QueryRow(`SELECT COALESCE(MAX(id), 0) + 1 FROM channels`).Scan(&ch.ID); err != nil {
			return 0, fmt.Errorf("store: allocate channel id: %w", err)
		}
	}

	_, err = tx.Exec(`INSERT INTO channels
		(id, parent_id, name, position, max_users, inherit_acl, description, description_hash, temporary)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET parent_id=$2, name=$3, position=$4,
		max_users=$5, inherit_acl=$6, description=$7, description_hash=$8, temporary=$9`,
		ch.ID, ch.ParentID, ch.Name, ch.Position, ch.MaxUsers, ch.InheritACL,
		ch.Description, ch.DescriptionHash, ch.Temporary)
	if err != nil {
		return 0, fmt.Errorf("store: save channel %d: %w", ch.ID, err)
	}

	// Links are symmetric; rewrite both directions for this channel.
	if _, err := tx.Exec(`DELETE FROM channel_links WHERE channel_id=$1 OR link_id=$1`, ch.ID); err != nil {
		return 0, err
	}
	for _, link := range ch.Links {
		if _, err := tx.Exec(`INSERT INTO channel_links (channel_id, link_id) VALUES ($1,$2), ($2,$1)
			ON CONFLICT DO NOTHING`, ch.ID, link); err != nil {
			return 0, fmt.Errorf("store: link %d<->%d: %w", ch.ID, link, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return ch.ID, nil
}

func (p *Postgres) DeleteChannels(ids []uint32) error {
	if len(ids) == 0 {
		return nil
	}
	arr := make([]int64, len(ids))
	for i, id := range ids {
		arr[i] = int64(id)
	}
	_, err := p.db.Exec(`DELETE FROM channels WHERE id = ANY($1)`, pq.Array(arr))
	if err != nil {
		return fmt.Errorf("store: delete channels: %w", err)
	}
	return nil
}

func (p *Postgres) ReplaceACLs(channelID uint32, entries []core.ACLEntry) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE acls SET deleted_at = now()
		WHERE channel_id=$1 AND deleted_at IS NULL`, channelID); err != nil {
		return fmt.Errorf("store: retire acls: %w", err)
	}
	for i, e := range entries {
		if _, err := tx.Exec(`INSERT INTO acls
			(channel_id, position, user_id, group_name, apply_here, apply_subs, allow_bits, deny_bits)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			channelID, i, e.UserID, e.Group, e.ApplyHere, e.ApplySubs,
			int64(e.Allow), int64(e.Deny)); err != nil {
			return fmt.Errorf("store: insert acl: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) ReplaceGroups(channelID uint32, groups []core.Group) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM channel_groups WHERE channel_id=$1`, channelID); err != nil {
		return fmt.Errorf("store: clear groups: %w", err)
	}
	for _, g := range groups {
		var gid int64
		err := tx.QueryRow(`INSERT INTO channel_groups (channel_id, name, inherit, inheritable)
			VALUES ($1,$2,$3,$4) RETURNING id`,
			channelID, g.Name, g.Inherit, g.Inheritable).Scan(&gid)
		if err != nil {
			return fmt.Errorf("store: insert group %q: %w", g.Name, err)
		}
		for _, uid := range g.Add {
			if _, err := tx.Exec(`INSERT INTO group_members (group_id, user_id, is_add)
				VALUES ($1,$2,TRUE)`, gid, uid); err != nil {
				return err
			}
		}
		for _, uid := range g.Remove {
			if _, err := tx.Exec(`INSERT INTO group_members (group_id, user_id, is_add)
				VALUES ($1,$2,FALSE)`, gid, uid); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func (p *Postgres) LoadBans() ([]core.Ban, error) {
	rows, err := p.db.Query(`SELECT id, ip, cert_hash, username, reason, start, duration FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("store: load bans: %w", err)
	}
	defer rows.Close()
	var out []core.Ban
	for rows.Next() {
		var b core.Ban
		if err := rows.Scan(&b.ID, &b.IP, &b.CertHash, &b.Username, &b.Reason,
			&b.Start, &b.Duration); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveBan(b *core.Ban) (int64, error) {
	if b.ID != 0 {
		_, err := p.db.Exec(`UPDATE bans SET ip=$2, cert_hash=$3, username=$4,
			reason=$5, start=$6, duration=$7 WHERE id=$1`,
			b.ID, b.IP, b.CertHash, b.Username, b.Reason, b.Start, b.Duration)
		return b.ID, err
	}
	err := p.db.QueryRow(`INSERT INTO bans (ip, cert_hash, username, reason, start, duration)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		b.IP, b.CertHash, b.Username, b.Reason, b.Start, b.Duration).Scan(&b.ID)
	if err != nil {
		return 0, fmt.Errorf("store: save ban: %w", err)
	}
	return b.ID, nil
}

func (p *Postgres) DeleteBan(id int64) error {
	_, err := p.db.Exec(`DELETE FROM bans WHERE id=$1`, id)
	return err
}

func (p *Postgres) ReplaceBans(bans []core.Ban) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM bans`); err != nil {
		return err
	}
	for i := range bans {
		b := &bans[i]
		err := tx.QueryRow(`INSERT INTO bans (ip, cert_hash, username, reason, start, duration)
			VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			b.IP, b.CertHash, b.Username, b.Reason, b.Start, b.Duration).Scan(&b.ID)
		if err != nil {
			return fmt.Errorf("store: replace bans: %w", err)
		}
	}
	return tx.Commit()
}

func (p *Postgres) UserByName(name string) (*core.User, error) {
	return p.scanUser(p.db.QueryRow(`SELECT id, name, cert_hash, texture_hash,
		comment_hash, last_channel, last_seen FROM users WHERE lower(name)=lower($1)`, name))
}

func (p *Postgres) UserByID(id int64) (*core.User, error) {
	return p.scanUser(p.db.QueryRow(`SELECT id, name, cert_hash, texture_hash,
		comment_hash, last_channel, last_seen FROM users WHERE id=$1`, id))
}

func (p *Postgres) scanUser(row *sql.Row) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.Name, &u.CertHash, &u.TextureHash, &u.CommentHash,
		&u.LastChannel, &u.LastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan user: %w", err)
	}
	return &u, nil
}

func (p *Postgres) SaveUser(u *core.User) (int64, error) {
	if u.ID != 0 {
		_, err := p.db.Exec(`UPDATE users SET name=$2, cert_hash=$3, texture_hash=$4,
			comment_hash=$5, last_channel=$6, last_seen=$7 WHERE id=$1`,
			u.ID, u.Name, u.CertHash, u.TextureHash, u.CommentHash, u.LastChannel, u.LastSeen)
		return u.ID, err
	}
	err := p.db.QueryRow(`INSERT INTO users (name, cert_hash, texture_hash, comment_hash, last_channel, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		u.Name, u.CertHash, u.TextureHash, u.CommentHash, u.LastChannel, u.LastSeen).Scan(&u.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return 0, ErrNameTaken
		}
		return 0, fmt.Errorf("store: save user: %w", err)
	}
	return u.ID, nil
}

func (p *Postgres) DeleteUser(id int64) error {
	_, err := p.db.Exec(`DELETE FROM users WHERE id=$1`, id)
	return err
}

func (p *Postgres) Users() ([]core.User, error) {
	rows, err := p.db.Query(`SELECT id, name, cert_hash, texture_hash, comment_hash,
		last_channel, last_seen FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: load users: %w", err)
	}
	defer rows.Close()
	var out []core.User
	for rows.Next() {
		var u core.User
		if err := rows.Scan(&u.ID, &u.Name, &u.CertHash, &u.TextureHash,
			&u.CommentHash, &u.LastChannel, &u.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) SetUserLastChannel(id int64, channel uint32) error {
	_, err := p.db.Exec(`UPDATE users SET last_channel=$2, last_seen=now() WHERE id=$1`, id, channel)
	return err
}

func (p *Postgres) SetUserTexture(id int64, hash string) error {
	_, err := p.db.Exec(`UPDATE users SET texture_hash=$2 WHERE id=$1`, id, hash)
	return err
}

func (p *Postgres) SetUserComment(id int64, hash string) error {
	_, err := p.db.Exec(`UPDATE users SET comment_hash=$2 WHERE id=$1`, id, hash)
	return err
}
