package sqlite

// schema is applied on every Open; each statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT     NOT NULL UNIQUE,
	email         TEXT     NOT NULL DEFAULT '',
	password_hash TEXT     NOT NULL,
	ip_address    TEXT     NOT NULL DEFAULT '',
	photo         TEXT     NOT NULL DEFAULT '',
	online        BOOLEAN  NOT NULL DEFAULT FALSE,
	created       DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	name        TEXT     NOT NULL,
	description TEXT     NOT NULL DEFAULT '',
	photo       TEXT     NOT NULL DEFAULT '',
	owner_id    INTEGER  NOT NULL REFERENCES users(id),
	created     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_members (
	channel_id INTEGER  NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	user_id    INTEGER  NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	joined     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (channel_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_channel_members_user ON channel_members(user_id);

CREATE TABLE IF NOT EXISTS invitations (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	channel_id INTEGER  NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
	inviter_id INTEGER  NOT NULL REFERENCES users(id),
	invitee_id INTEGER  NOT NULL REFERENCES users(id),
	status     TEXT     NOT NULL DEFAULT 'PENDIENTE'
	           CHECK (status IN ('PENDIENTE', 'ACEPTADA', 'RECHAZADA')),
	created    DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_invitations_pending
	ON invitations(channel_id, invitee_id) WHERE status = 'PENDIENTE';

CREATE TABLE IF NOT EXISTS messages (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind             TEXT     NOT NULL CHECK (kind IN ('TEXTO', 'AUDIO')),
	sender_id        INTEGER  NOT NULL REFERENCES users(id),
	recipient_id     INTEGER  REFERENCES users(id),
	channel_id       INTEGER  REFERENCES channels(id) ON DELETE CASCADE,
	content          TEXT     NOT NULL DEFAULT '',
	audio            BLOB,
	audio_format     TEXT     NOT NULL DEFAULT '',
	duration_seconds INTEGER  NOT NULL DEFAULT 0,
	created          DATETIME NOT NULL,
	CHECK ((recipient_id IS NULL) <> (channel_id IS NULL))
);

CREATE INDEX IF NOT EXISTS idx_messages_private ON messages(sender_id, recipient_id, id)
	WHERE recipient_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id)
	WHERE channel_id IS NOT NULL;
`
