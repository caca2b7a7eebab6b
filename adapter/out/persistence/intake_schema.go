// Package persistence provides database adapters implementing outbound ports.
//
// Queries are written with ? placeholders and rebound per driver so the same
// adapters run on Postgres and SQLite.
package persistence

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS email_accounts (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		provider              TEXT NOT NULL,
		email_address         TEXT NOT NULL,
		encrypted_credentials TEXT NOT NULL,
		redirect_uri          TEXT,
		is_active             BOOLEAN NOT NULL DEFAULT TRUE,
		last_ingested_at      TIMESTAMP,
		last_ingested_count   INTEGER NOT NULL DEFAULT 0,
		owner_id              TEXT NOT NULL,
		created_at            TIMESTAMP NOT NULL,
		updated_at            TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_accounts_owner ON email_accounts (owner_id)`,

	`CREATE TABLE IF NOT EXISTS projects (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		keywords    TEXT NOT NULL DEFAULT '',
		client_name TEXT NOT NULL DEFAULT '',
		is_active   BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS project_memberships (
		user_id    TEXT NOT NULL,
		project_id TEXT NOT NULL REFERENCES projects (id) ON DELETE CASCADE,
		role_id    TEXT NOT NULL DEFAULT '',
		role_type  TEXT NOT NULL,
		PRIMARY KEY (user_id, project_id)
	)`,

	// account_id is a soft reference: deleting an account keeps its mail.
	`CREATE TABLE IF NOT EXISTS emails (
		id                      TEXT PRIMARY KEY,
		account_id              TEXT,
		subject                 TEXT NOT NULL DEFAULT '',
		body                    TEXT NOT NULL DEFAULT '',
		html_body               TEXT NOT NULL DEFAULT '',
		from_addresses          TEXT NOT NULL DEFAULT '[]',
		to_addresses            TEXT NOT NULL DEFAULT '[]',
		cc_addresses            TEXT NOT NULL DEFAULT '[]',
		bcc_addresses           TEXT NOT NULL DEFAULT '[]',
		received_at             TIMESTAMP NOT NULL,
		provider                TEXT NOT NULL,
		provider_message_id     TEXT NOT NULL,
		message_id_header       TEXT NOT NULL DEFAULT '',
		in_reply_to             TEXT NOT NULL DEFAULT '',
		references_header       TEXT NOT NULL DEFAULT '',
		thread_id               TEXT NOT NULL DEFAULT '',
		status                  TEXT NOT NULL DEFAULT 'open',
		spam_status             TEXT NOT NULL DEFAULT 'possible_spam',
		spam_confidence         DOUBLE PRECISION NOT NULL DEFAULT 0,
		project_id              TEXT,
		assigned_to_id          TEXT,
		assigned_to_role_id     TEXT,
		ai_suggested_project_id TEXT,
		ai_project_confidence   DOUBLE PRECISION,
		is_unassigned           BOOLEAN NOT NULL DEFAULT TRUE,
		classified_at           TIMESTAMP,
		created_at              TIMESTAMP NOT NULL,
		updated_at              TIMESTAMP NOT NULL,
		UNIQUE (provider, provider_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_project ON emails (project_id)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_assigned_to ON emails (assigned_to_id)`,
	`CREATE INDEX IF NOT EXISTS idx_emails_spam_status ON emails (spam_status)`,

	`CREATE TABLE IF NOT EXISTS email_attachments (
		id                     TEXT PRIMARY KEY,
		email_id               TEXT NOT NULL REFERENCES emails (id) ON DELETE CASCADE,
		filename               TEXT NOT NULL,
		content_type           TEXT NOT NULL DEFAULT '',
		size                   BIGINT NOT NULL DEFAULT 0,
		file_path              TEXT NOT NULL,
		provider_attachment_id TEXT NOT NULL DEFAULT '',
		created_at             TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_email_attachments_email ON email_attachments (email_id)`,

	`CREATE TABLE IF NOT EXISTS message_assignments (
		email_id TEXT NOT NULL REFERENCES emails (id) ON DELETE CASCADE,
		user_id  TEXT NOT NULL,
		PRIMARY KEY (email_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_assignments_user ON message_assignments (user_id)`,
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i, err)
		}
	}
	return nil
}
