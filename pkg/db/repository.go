package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/chatcore/pkg/store"
)

const repoLogPrefix = "db:repository"

// SQLSTATE codes mapped onto store sentinels.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

var _ store.Store = (*Repository)(nil)

// Repository provides PostgreSQL access for users, channels, invitations and messages.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// mapError translates constraint violations into store sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return store.ErrDuplicate
		case codeForeignKeyViolation:
			return store.ErrNotFound
		}
	}
	return err
}

// nullID stores zero ids as NULL.
func nullID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

// =========================================================================
// USER OPERATIONS
// =========================================================================

const userColumns = `id, username, email, password_hash, ip_address, photo, online, created`

// CreateUser inserts an account. A taken username yields store.ErrDuplicate.
func (r *Repository) CreateUser(ctx context.Context, params store.NewUser) (*store.User, error) {
	slog.Info(fmt.Sprintf("%s - CreateUser username=%s", repoLogPrefix, params.Username))

	row := r.pool.QueryRow(ctx,
		`INSERT INTO users (username, email, password_hash, ip_address, photo)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+userColumns,
		params.Username, params.Email, params.PasswordHash, params.IPAddress, params.Photo)

	u, err := scanUser(row)
	if err != nil {
		if mapError(err) == store.ErrDuplicate {
			return nil, store.ErrDuplicate
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return scanUser(row)
}

// ListUsers returns every account ordered by username.
func (r *Repository) ListUsers(ctx context.Context) ([]store.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListUsers query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// SetOnline updates the presence flag. A missing user yields store.ErrNotFound.
func (r *Repository) SetOnline(ctx context.Context, userID int64, online bool) error {
	slog.Debug(fmt.Sprintf("%s - SetOnline user=%d online=%t", repoLogPrefix, userID, online))

	tag, err := r.pool.Exec(ctx, `UPDATE users SET online = $2 WHERE id = $1`, userID, online)
	if err != nil {
		return fmt.Errorf("%s - SetOnline failed: %w", repoLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =========================================================================
// CHANNEL OPERATIONS
// =========================================================================

const channelColumns = `c.id, c.name, c.description, c.photo, c.owner_id, c.created`

// CreateChannel inserts the channel and its owner's membership in one transaction.
func (r *Repository) CreateChannel(ctx context.Context, params store.NewChannel) (*store.Channel, error) {
	slog.Info(fmt.Sprintf("%s - CreateChannel name=%s owner=%d", repoLogPrefix, params.Name, params.OwnerID))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s - begin tx: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	var c store.Channel
	err = tx.QueryRow(ctx,
		`INSERT INTO channels AS c (name, description, photo, owner_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+channelColumns,
		params.Name, params.Description, params.Photo, params.OwnerID,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Photo, &c.OwnerID, &c.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - CreateChannel insert failed: %w", repoLogPrefix, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)`, c.ID, params.OwnerID); err != nil {
		return nil, fmt.Errorf("%s - CreateChannel owner membership failed: %w", repoLogPrefix, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s - commit: %w", repoLogPrefix, err)
	}
	return &c, nil
}

func (r *Repository) GetChannel(ctx context.Context, id int64) (*store.Channel, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels c WHERE c.id = $1`, id)
	return scanChannel(row)
}

func (r *Repository) ListChannels(ctx context.Context) ([]store.Channel, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels c ORDER BY c.id`)
	if err != nil {
		return nil, fmt.Errorf("%s - ListChannels query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// ListChannelsForUser returns the channels userID belongs to.
func (r *Repository) ListChannelsForUser(ctx context.Context, userID int64) ([]store.Channel, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+channelColumns+`
		 FROM channels c
		 JOIN channel_members m ON m.channel_id = c.id
		 WHERE m.user_id = $1
		 ORDER BY c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListChannelsForUser query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	return collectChannels(rows)
}

// AddMember is idempotent. A missing channel or user yields store.ErrNotFound.
func (r *Repository) AddMember(ctx context.Context, channelID, userID int64) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, userID)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%s - AddMember failed: %w", repoLogPrefix, err)
	}
	return nil
}

// RemoveMember yields store.ErrNotFound when userID is not a member.
func (r *Repository) RemoveMember(ctx context.Context, channelID, userID int64) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("%s - RemoveMember failed: %w", repoLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repository) IsMember(ctx context.Context, channelID, userID int64) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("%s - IsMember failed: %w", repoLogPrefix, err)
	}
	return ok, nil
}

// ListMemberIDs returns member ids in ascending order.
func (r *Repository) ListMemberIDs(ctx context.Context, channelID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListMemberIDs query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s - scan member id failed: %w", repoLogPrefix, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListMemberIDs rows: %w", repoLogPrefix, err)
	}
	return ids, nil
}

func (r *Repository) ListMembers(ctx context.Context, channelID int64) ([]store.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.email, u.password_hash, u.ip_address, u.photo, u.online, u.created
		 FROM users u
		 JOIN channel_members m ON m.user_id = u.id
		 WHERE m.channel_id = $1
		 ORDER BY u.id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("%s - ListMembers query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()
	return collectUsers(rows)
}

// =========================================================================
// INVITATION OPERATIONS
// =========================================================================

const invitationColumns = `id, channel_id, inviter_id, invitee_id, status, created`

// CreateInvitation relies on the partial unique index over pending
// invitations to reject duplicates.
func (r *Repository) CreateInvitation(ctx context.Context, channelID, inviterID, inviteeID int64) (*store.Invitation, error) {
	slog.Info(fmt.Sprintf("%s - CreateInvitation channel=%d invitee=%d", repoLogPrefix, channelID, inviteeID))

	var inv store.Invitation
	err := r.pool.QueryRow(ctx,
		`INSERT INTO invitations (channel_id, inviter_id, invitee_id)
		 VALUES ($1, $2, $3)
		 RETURNING `+invitationColumns,
		channelID, inviterID, inviteeID,
	).Scan(&inv.ID, &inv.ChannelID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.Created)
	if err != nil {
		if mapped := mapError(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("%s - CreateInvitation failed: %w", repoLogPrefix, err)
	}
	return &inv, nil
}

func (r *Repository) GetInvitation(ctx context.Context, id int64) (*store.Invitation, error) {
	var inv store.Invitation
	err := r.pool.QueryRow(ctx, `SELECT `+invitationColumns+` FROM invitations WHERE id = $1`, id).
		Scan(&inv.ID, &inv.ChannelID, &inv.InviterID, &inv.InviteeID, &inv.Status, &inv.Created)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan invitation failed: %w", repoLogPrefix, err)
	}
	return &inv, nil
}

// ListPendingInvitations returns inviteeID's pending invitations with their
// channel and inviter, ordered by id.
func (r *Repository) ListPendingInvitations(ctx context.Context, inviteeID int64) ([]store.InvitationDetail, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT i.id, i.channel_id, i.inviter_id, i.invitee_id, i.status, i.created,
		        u.username, c.name, c.description, c.photo
		 FROM invitations i
		 JOIN channels c ON c.id = i.channel_id
		 JOIN users u ON u.id = i.inviter_id
		 WHERE i.invitee_id = $1 AND i.status = $2
		 ORDER BY i.id`, inviteeID, store.InvitationPending)
	if err != nil {
		return nil, fmt.Errorf("%s - ListPendingInvitations query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []store.InvitationDetail
	for rows.Next() {
		var d store.InvitationDetail
		if err := rows.Scan(
			&d.ID, &d.ChannelID, &d.InviterID, &d.InviteeID, &d.Status, &d.Created,
			&d.InviterUsername, &d.ChannelName, &d.ChannelDescription, &d.ChannelPhoto,
		); err != nil {
			return nil, fmt.Errorf("%s - scan invitation detail failed: %w", repoLogPrefix, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - ListPendingInvitations rows: %w", repoLogPrefix, err)
	}
	return out, nil
}

// AcceptInvitation marks the invitation accepted and adds the invitee as a
// member in one transaction.
func (r *Repository) AcceptInvitation(ctx context.Context, id int64) error {
	slog.Info(fmt.Sprintf("%s - AcceptInvitation id=%d", repoLogPrefix, id))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s - begin tx: %w", repoLogPrefix, err)
	}
	defer tx.Rollback(ctx)

	var channelID, inviteeID int64
	err = tx.QueryRow(ctx,
		`UPDATE invitations SET status = $2 WHERE id = $1 RETURNING channel_id, invitee_id`,
		id, store.InvitationAccepted).Scan(&channelID, &inviteeID)
	if err == pgx.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s - AcceptInvitation update failed: %w", repoLogPrefix, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (channel_id, user_id) DO NOTHING`, channelID, inviteeID); err != nil {
		if mapped := mapError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("%s - AcceptInvitation membership failed: %w", repoLogPrefix, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s - commit: %w", repoLogPrefix, err)
	}
	return nil
}

func (r *Repository) RejectInvitation(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE invitations SET status = $2 WHERE id = $1`, id, store.InvitationRejected)
	if err != nil {
		return fmt.Errorf("%s - RejectInvitation failed: %w", repoLogPrefix, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// =========================================================================
// MESSAGE OPERATIONS
// =========================================================================

const messageColumns = `m.id, m.kind, m.sender_id, u.username AS sender_username,
	COALESCE(m.recipient_id, 0) AS recipient_id, COALESCE(m.channel_id, 0) AS channel_id,
	m.content, m.audio, m.audio_format, m.duration_seconds, m.created`

// SaveMessage persists a message and returns it with the sender's username.
func (r *Repository) SaveMessage(ctx context.Context, params store.NewMessage) (*store.Message, error) {
	slog.Debug(fmt.Sprintf("%s - SaveMessage kind=%s sender=%d", repoLogPrefix, params.Kind, params.SenderID))

	row := r.pool.QueryRow(ctx,
		`WITH m AS (
		   INSERT INTO messages (kind, sender_id, recipient_id, channel_id, content, audio, audio_format, duration_seconds)
		   VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		   RETURNING *
		 )
		 SELECT `+messageColumns+`
		 FROM m JOIN users u ON u.id = m.sender_id`,
		params.Kind, params.SenderID, nullID(params.RecipientID), nullID(params.ChannelID),
		params.Content, params.Audio, params.AudioFormat, params.DurationSeconds)

	msg, err := scanMessage(row)
	if err != nil {
		if mapError(err) == store.ErrNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if msg == nil {
		return nil, store.ErrNotFound
	}
	return msg, nil
}

// PrivateHistory returns the newest limit messages exchanged by two users,
// oldest first. limit <= 0 returns all of them.
func (r *Repository) PrivateHistory(ctx context.Context, userA, userB int64, limit int) ([]store.Message, error) {
	return r.history(ctx,
		`m.recipient_id IS NOT NULL
		 AND ((m.sender_id = $1 AND m.recipient_id = $2) OR (m.sender_id = $2 AND m.recipient_id = $1))`,
		limit, userA, userB)
}

// ChannelHistory returns the newest limit messages of a channel, oldest first.
func (r *Repository) ChannelHistory(ctx context.Context, channelID int64, limit int) ([]store.Message, error) {
	return r.history(ctx, `m.channel_id = $1`, limit, channelID)
}

func (r *Repository) history(ctx context.Context, where string, limit int, args ...any) ([]store.Message, error) {
	var lim *int64
	if limit > 0 {
		l := int64(limit)
		lim = &l
	}
	args = append(args, lim)
	query := fmt.Sprintf(
		`SELECT * FROM (
		   SELECT %s
		   FROM messages m JOIN users u ON u.id = m.sender_id
		   WHERE %s
		   ORDER BY m.id DESC
		   LIMIT $%d
		 ) recent ORDER BY id`, messageColumns, where, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - history query failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	out := []store.Message{}
	for rows.Next() {
		msg, err := scanMessageFromRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - history rows: %w", repoLogPrefix, err)
	}
	return out, nil
}

// =========================================================================
// SCAN HELPERS
// =========================================================================

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IPAddress, &u.Photo, &u.Online, &u.Created)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan user failed: %w", repoLogPrefix, err)
	}
	return &u, nil
}

func collectUsers(rows pgx.Rows) ([]store.User, error) {
	users := []store.User{}
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IPAddress, &u.Photo, &u.Online, &u.Created); err != nil {
			return nil, fmt.Errorf("%s - scan user from rows failed: %w", repoLogPrefix, err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - user rows: %w", repoLogPrefix, err)
	}
	return users, nil
}

func scanChannel(row pgx.Row) (*store.Channel, error) {
	var c store.Channel
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Photo, &c.OwnerID, &c.Created)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan channel failed: %w", repoLogPrefix, err)
	}
	return &c, nil
}

func collectChannels(rows pgx.Rows) ([]store.Channel, error) {
	channels := []store.Channel{}
	for rows.Next() {
		var c store.Channel
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Photo, &c.OwnerID, &c.Created); err != nil {
			return nil, fmt.Errorf("%s - scan channel from rows failed: %w", repoLogPrefix, err)
		}
		channels = append(channels, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - channel rows: %w", repoLogPrefix, err)
	}
	return channels, nil
}

func scanMessage(row pgx.Row) (*store.Message, error) {
	var m store.Message
	err := row.Scan(
		&m.ID, &m.Kind, &m.SenderID, &m.SenderUsername, &m.RecipientID, &m.ChannelID,
		&m.Content, &m.Audio, &m.AudioFormat, &m.DurationSeconds, &m.Created,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan message failed: %w", repoLogPrefix, err)
	}
	return &m, nil
}

func scanMessageFromRows(rows pgx.Rows) (*store.Message, error) {
	var m store.Message
	err := rows.Scan(
		&m.ID, &m.Kind, &m.SenderID, &m.SenderUsername, &m.RecipientID, &m.ChannelID,
		&m.Content, &m.Audio, &m.AudioFormat, &m.DurationSeconds, &m.Created,
	)
	if err != nil {
		return nil, fmt.Errorf("%s - scan message from rows failed: %w", repoLogPrefix, err)
	}
	return &m, nil
}
