package store

// migration is one schema version, with DDL per dialect.
type migration struct {
	version  int
	sqlite   []string
	postgres []string
}

// migrations must be sequential starting from 1. Times are Unix
// milliseconds.
var migrations = []migration{
	{
		version: 1,
		sqlite: []string{
			`CREATE TABLE messages (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				envelope            TEXT    NOT NULL,
				recipients          TEXT    NOT NULL DEFAULT '',
				subject             TEXT    NOT NULL DEFAULT '',
				source              TEXT    NOT NULL DEFAULT '',
				status              TEXT    NOT NULL,
				attempts            INTEGER NOT NULL DEFAULT 0,
				max_attempts        INTEGER NOT NULL,
				last_error          TEXT    NOT NULL DEFAULT '',
				provider_message_id TEXT    NOT NULL DEFAULT '',
				created_at          INTEGER NOT NULL,
				updated_at          INTEGER NOT NULL,
				sent_at             INTEGER,
				next_attempt_at     INTEGER NOT NULL,
				claimed_at          INTEGER
			)`,
			`CREATE INDEX idx_messages_claim ON messages (status, next_attempt_at, id)`,
			`CREATE TABLE audit_log (
				id                  INTEGER PRIMARY KEY AUTOINCREMENT,
				created_at          INTEGER NOT NULL,
				recipients          TEXT    NOT NULL DEFAULT '',
				from_addr           TEXT    NOT NULL DEFAULT '',
				subject             TEXT    NOT NULL DEFAULT '',
				method              TEXT    NOT NULL DEFAULT '',
				status              TEXT    NOT NULL,
				error               TEXT    NOT NULL DEFAULT '',
				source              TEXT    NOT NULL DEFAULT '',
				attempts            INTEGER NOT NULL DEFAULT 0,
				message_id          INTEGER,
				provider_message_id TEXT    NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX idx_audit_created ON audit_log (created_at)`,
			`CREATE TABLE delegated_tokens (
				user_email    TEXT    PRIMARY KEY,
				access_token  TEXT    NOT NULL DEFAULT '',
				refresh_token TEXT    NOT NULL DEFAULT '',
				expires_at    INTEGER NOT NULL DEFAULT 0,
				scopes        TEXT    NOT NULL DEFAULT '',
				updated_at    INTEGER NOT NULL
			)`,
		},
		postgres: []string{
			`CREATE TABLE messages (
				id                  BIGSERIAL PRIMARY KEY,
				envelope            TEXT    NOT NULL,
				recipients          TEXT    NOT NULL DEFAULT '',
				subject             TEXT    NOT NULL DEFAULT '',
				source              TEXT    NOT NULL DEFAULT '',
				status              TEXT    NOT NULL,
				attempts            INTEGER NOT NULL DEFAULT 0,
				max_attempts        INTEGER NOT NULL,
				last_error          TEXT    NOT NULL DEFAULT '',
				provider_message_id TEXT    NOT NULL DEFAULT '',
				created_at          BIGINT  NOT NULL,
				updated_at          BIGINT  NOT NULL,
				sent_at             BIGINT,
				next_attempt_at     BIGINT  NOT NULL,
				claimed_at          BIGINT
			)`,
			`CREATE INDEX idx_messages_claim ON messages (status, next_attempt_at, id)`,
			`CREATE TABLE audit_log (
				id                  BIGSERIAL PRIMARY KEY,
				created_at          BIGINT  NOT NULL,
				recipients          TEXT    NOT NULL DEFAULT '',
				from_addr           TEXT    NOT NULL DEFAULT '',
				subject             TEXT    NOT NULL DEFAULT '',
				method              TEXT    NOT NULL DEFAULT '',
				status              TEXT    NOT NULL,
				error               TEXT    NOT NULL DEFAULT '',
				source              TEXT    NOT NULL DEFAULT '',
				attempts            INTEGER NOT NULL DEFAULT 0,
				message_id          BIGINT,
				provider_message_id TEXT    NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX idx_audit_created ON audit_log (created_at)`,
			`CREATE TABLE delegated_tokens (
				user_email    TEXT   PRIMARY KEY,
				access_token  TEXT   NOT NULL DEFAULT '',
				refresh_token TEXT   NOT NULL DEFAULT '',
				expires_at    BIGINT NOT NULL DEFAULT 0,
				scopes        TEXT   NOT NULL DEFAULT '',
				updated_at    BIGINT NOT NULL
			)`,
		},
	},
}
