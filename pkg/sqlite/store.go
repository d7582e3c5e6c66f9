// Package sqlite is a single-file store.Store on SQLite, for deployments
// that want persistence without a PostgreSQL server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/morezero/chatcore/pkg/store"
)

const logPrefix = "sqlite:store"

var _ store.Store = (*Store)(nil)

// Store implements store.Store over one SQLite database file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. path may be ":memory:".
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%s - database path is empty", logPrefix)
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%s - failed to create database directory: %w", logPrefix, err)
		}
	}

	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to open %s: %w", logPrefix, path, err)
	}
	// one connection: writers serialize anyway and ":memory:" is per connection
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s - failed to apply schema: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Opened %s", logPrefix, path))
	return &Store{db: db}, nil
}

func dsn(path string) string {
	return "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ResetPresence marks every user offline and returns how many were online.
func (s *Store) ResetPresence(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET online = FALSE WHERE online`)
	if err != nil {
		return 0, fmt.Errorf("%s - reset presence failed: %w", logPrefix, err)
	}
	return res.RowsAffected()
}

// Clear deletes every row and resets the id counters.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s - begin tx: %w", logPrefix, err)
	}
	defer tx.Rollback()
	for _, table := range []string{"messages", "invitations", "channel_members", "channels", "users", "sqlite_sequence"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("%s - clear %s failed: %w", logPrefix, table, err)
		}
	}
	return tx.Commit()
}

// mapError translates constraint violations into store sentinels.
func mapError(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return store.ErrDuplicate
		case sqlite3.ErrConstraintForeignKey:
			return store.ErrNotFound
		}
	}
	return err
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func now() time.Time {
	return time.Now().UTC()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// =========================================================================
// USERS
// =========================================================================

const userColumns = `u.id, u.username, u.email, u.password_hash, u.ip_address, u.photo, u.online, u.created`

func (s *Store) CreateUser(ctx context.Context, params store.NewUser) (*store.User, error) {
	u := &store.User{
		Username:     params.Username,
		Email:        params.Email,
		PasswordHash: params.PasswordHash,
		IPAddress:    params.IPAddress,
		Photo:        params.Photo,
		Created:      now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, ip_address, photo, created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.Username, u.Email, u.PasswordHash, u.IPAddress, u.Photo, u.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - CreateUser failed: %w", logPrefix, err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Created user %s (id=%d)", logPrefix, u.Username, u.ID))
	return u, nil
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = ?`, id))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = ?`, username))
}

func (s *Store) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users u ORDER BY u.username`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListUsers query failed: %w", logPrefix, err)
	}
	return collectUsers(rows)
}

func (s *Store) SetOnline(ctx context.Context, userID int64, online bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET online = ? WHERE id = ?`, online, userID)
	if err != nil {
		return fmt.Errorf("%s - SetOnline failed: %w", logPrefix, err)
	}
	return requireRow(res)
}

// =========================================================================
// CHANNELS
// =========================================================================

const channelColumns = `c.id, c.name, c.description, c.photo, c.owner_id, c.created`

func (s *Store) CreateChannel(ctx context.Context, params store.NewChannel) (*store.Channel, error) {
	c := &store.Channel{
		Name:        params.Name,
		Description: params.Description,
		Photo:       params.Photo,
		OwnerID:     params.OwnerID,
		Created:     now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - begin tx: %w", logPrefix, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO channels (name, description, photo, owner_id, created) VALUES (?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.Photo, c.OwnerID, c.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - CreateChannel insert failed: %w", logPrefix, err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?)`, c.ID, c.OwnerID); err != nil {
		return nil, fmt.Errorf("%s - CreateChannel owner membership failed: %w", logPrefix, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%s - commit: %w", logPrefix, err)
	}
	return c, nil
}

func (s *Store) GetChannel(ctx context.Context, id int64) (*store.Channel, error) {
	return scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = ?`, id))
}

func (s *Store) ListChannels(ctx context.Context) ([]store.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels c ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListChannels query failed: %w", logPrefix, err)
	}
	return collectChannels(rows)
}

func (s *Store) ListChannelsForUser(ctx context.Context, userID int64) ([]store.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelColumns+`
		 FROM channels c JOIN channel_members m ON m.channel_id = c.id
		 WHERE m.user_id = ?
		 ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListChannelsForUser query failed: %w", logPrefix, err)
	}
	return collectChannels(rows)
}

// AddMember is idempotent.
func (s *Store) AddMember(ctx context.Context, channelID, userID int64) error {
	return addMember(ctx, s.db, channelID, userID)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func addMember(ctx context.Context, ex execer, channelID, userID int64) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES (?, ?)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, userID)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%s - AddMember failed: %w", logPrefix, err)
	}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, channelID, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID)
	if err != nil {
		return fmt.Errorf("%s - RemoveMember failed: %w", logPrefix, err)
	}
	return requireRow(res)
}

func (s *Store) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = ? AND user_id = ?)`,
		channelID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%s - IsMember failed: %w", logPrefix, err)
	}
	return ok, nil
}

func (s *Store) ListMemberIDs(ctx context.Context, channelID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = ? ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListMemberIDs query failed: %w", logPrefix, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s - scan member id failed: %w", logPrefix, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context, channelID int64) ([]store.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+`
		 FROM users u JOIN channel_members m ON m.user_id = u.id
		 WHERE m.channel_id = ?
		 ORDER BY u.id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListMembers query failed: %w", logPrefix, err)
	}
	return collectUsers(rows)
}

// =========================================================================
// INVITATIONS
// =========================================================================

const invitationColumns = `i.id, i.channel_id, i.inviter_id, i.invitee_id, i.status, i.created`

// CreateInvitation relies on the partial unique index over pending
// invitations to reject duplicates.
func (s *Store) CreateInvitation(ctx context.Context, channelID, inviterID, inviteeID int64) (*store.Invitation, error) {
	inv := &store.Invitation{
		ChannelID: channelID,
		InviterID: inviterID,
		InviteeID: inviteeID,
		Status:    store.InvitationPending,
		Created:   now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (channel_id, inviter_id, invitee_id, status, created) VALUES (?, ?, ?, ?, ?)`,
		channelID, inviterID, inviteeID, string(inv.Status), inv.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - CreateInvitation failed: %w", logPrefix, err)
	}
	if inv.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) GetInvitation(ctx context.Context, id int64) (*store.Invitation, error) {
	var inv store.Invitation
	err := s.db.QueryRowContext(ctx, `SELECT `+invitationColumns+` FROM invitations i WHERE i.id = ?`, id).
		Scan(&inv.ID, &inv.ChannelID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan invitation failed: %w", logPrefix, err)
	}
	return &inv, nil
}

func (s *Store) ListPendingInvitations(ctx context.Context, inviteeID int64) ([]store.InvitationDetail, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invitationColumns+`, u.username, c.name, c.description, c.photo
		 FROM invitations i
		 JOIN channels c ON c.id = i.channel_id
		 JOIN users u ON u.id = i.inviter_id
		 WHERE i.invitee_id = ? AND i.status = ?
		 ORDER BY i.id`, inviteeID, string(store.InvitationPending))
	if err != nil {
		return nil, fmt.Errorf("%s - ListPendingInvitations query failed: %w", logPrefix, err)
	}
	defer rows.Close()

	var out []store.InvitationDetail
	for rows.Next() {
		var d store.InvitationDetail
		if err := rows.Scan(
			&d.ID, &d.ChannelID, &d.InviterID, &d.InviteeID, &d.Status, &d.Created,
			&d.InviterUsername, &d.ChannelName, &d.ChannelDescription, &d.ChannelPhoto,
		); err != nil {
			return nil, fmt.Errorf("%s - scan invitation detail failed: %w", logPrefix, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// AcceptInvitation marks the invitation accepted and adds the invitee as a
// member in one transaction.
func (s *Store) AcceptInvitation(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s - begin tx: %w", logPrefix, err)
	}
	defer tx.Rollback()

	var channelID, inviteeID int64
	err = tx.QueryRowContext(ctx, `SELECT channel_id, invitee_id FROM invitations WHERE id = ?`, id).
		Scan(&channelID, &inviteeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - AcceptInvitation lookup failed: %w", logPrefix, err)
	}
	if err := addMember(ctx, tx, channelID, inviteeID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE invitations SET status = ? WHERE id = ?`,
		string(store.InvitationAccepted), id); err != nil {
		return fmt.Errorf("%s - AcceptInvitation update failed: %w", logPrefix, err)
	}
	return tx.Commit()
}

func (s *Store) RejectInvitation(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE invitations SET status = ? WHERE id = ?`,
		string(store.InvitationRejected), id)
	if err != nil {
		return fmt.Errorf("%s - RejectInvitation failed: %w", logPrefix, err)
	}
	return requireRow(res)
}

// =========================================================================
// MESSAGES
// =========================================================================

const messageColumns = `m.id, m.kind, m.sender_id, u.username,
	COALESCE(m.recipient_id, 0), COALESCE(m.channel_id, 0),
	m.content, m.audio, m.audio_format, m.duration_seconds, m.created`

func (s *Store) SaveMessage(ctx context.Context, params store.NewMessage) (*store.Message, error) {
	var sender string
	err := s.db.QueryRowContext(ctx, `SELECT username FROM users WHERE id = ?`, params.SenderID).Scan(&sender)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s - SaveMessage sender lookup failed: %w", logPrefix, err)
	}

	msg := &store.Message{
		Kind:            params.Kind,
		SenderID:        params.SenderID,
		SenderUsername:  sender,
		RecipientID:     params.RecipientID,
		ChannelID:       params.ChannelID,
		Content:         params.Content,
		Audio:           params.Audio,
		AudioFormat:     params.AudioFormat,
		DurationSeconds: params.DurationSeconds,
		Created:         now(),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (kind, sender_id, recipient_id, channel_id, content, audio, audio_format, duration_seconds, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(msg.Kind), msg.SenderID, nullID(msg.RecipientID), nullID(msg.ChannelID),
		msg.Content, msg.Audio, msg.AudioFormat, msg.DurationSeconds, msg.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - SaveMessage failed: %w", logPrefix, err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	slog.Debug(fmt.Sprintf("%s - Saved %s message %d from %s", logPrefix, msg.Kind, msg.ID, sender))
	return msg, nil
}

func (s *Store) PrivateHistory(ctx context.Context, userA, userB int64, limit int) ([]store.Message, error) {
	return s.history(ctx,
		`m.recipient_id IS NOT NULL
		 AND ((m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?))`,
		limit, userA, userB, userB, userA)
}

func (s *Store) ChannelHistory(ctx context.Context, channelID int64, limit int) ([]store.Message, error) {
	return s.history(ctx, `m.channel_id = ?`, limit, channelID)
}

// history reads newest first and returns oldest first. A negative LIMIT
// is unbounded in SQLite.
func (s *Store) history(ctx context.Context, where string, limit int, args ...any) ([]store.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT ` + messageColumns + `
		FROM messages m JOIN users u ON u.id = m.sender_id
		WHERE ` + where + `
		ORDER BY m.id DESC
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, limit)...)
	if err != nil {
		return nil, fmt.Errorf("%s - history query failed: %w", logPrefix, err)
	}
	defer rows.Close()

	out := []store.Message{}
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(
			&m.ID, &m.Kind, &m.SenderID, &m.SenderUsername, &m.RecipientID, &m.ChannelID,
			&m.Content, &m.Audio, &m.AudioFormat, &m.DurationSeconds, &m.Created,
		); err != nil {
			return nil, fmt.Errorf("%s - scan message failed: %w", logPrefix, err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - history rows: %w", logPrefix, err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanUserInto(sc scanner, u *store.User) error {
	return sc.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IPAddress, &u.Photo, &u.Online, &u.Created)
}

func scanUser(row *sql.Row) (*store.User, error) {
	var u store.User
	err := scanUserInto(row, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan user failed: %w", logPrefix, err)
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows) ([]store.User, error) {
	defer rows.Close()
	users := []store.User{}
	for rows.Next() {
		var u store.User
		if err := scanUserInto(rows, &u); err != nil {
			return nil, fmt.Errorf("%s - scan user from rows failed: %w", logPrefix, err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func scanChannelInto(sc scanner, c *store.Channel) error {
	return sc.Scan(&c.ID, &c.Name, &c.Description, &c.Photo, &c.OwnerID, &c.Created)
}

func scanChannel(row *sql.Row) (*store.Channel, error) {
	var c store.Channel
	err := scanChannelInto(row, &c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan channel failed: %w", logPrefix, err)
	}
	return &c, nil
}

func collectChannels(rows *sql.Rows) ([]store.Channel, error) {
	defer rows.Close()
	channels := []store.Channel{}
	for rows.Next() {
		var c store.Channel
		if err := scanChannelInto(rows, &c); err != nil {
			return nil, fmt.Errorf("%s - scan channel from rows failed: %w", logPrefix, err)
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}

