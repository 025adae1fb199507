package repo

import (
	"context"
	"database/sql"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS message_queue (
	id                  TEXT PRIMARY KEY,
	origin_id           TEXT NOT NULL,
	correlation_id      TEXT NOT NULL,
	message_type        TEXT NOT NULL CHECK (message_type IN ('text','image','document','audio','video','button','list','inbound')),
	payload             JSONB NOT NULL,
	priority            INTEGER NOT NULL DEFAULT 5,
	status              TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','done','failed','dead')),
	retry_count         INTEGER NOT NULL DEFAULT 0,
	max_retries         INTEGER NOT NULL DEFAULT 5,
	scheduled_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_by          TEXT,
	claimed_at          TIMESTAMPTZ,
	dedup_key           TEXT UNIQUE,
	provider_message_id TEXT,
	error_message       TEXT,
	metadata            JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at        TIMESTAMPTZ,
	CHECK (retry_count <= max_retries)
);

CREATE INDEX IF NOT EXISTS idx_message_queue_claim
	ON message_queue (priority, scheduled_at, id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_message_queue_processing
	ON message_queue (claimed_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_message_queue_correlation
	ON message_queue (correlation_id);

CREATE TABLE IF NOT EXISTS failed_messages (
	id                  TEXT PRIMARY KEY,
	original_message_id TEXT NOT NULL UNIQUE,
	correlation_id      TEXT NOT NULL,
	message_type        TEXT NOT NULL,
	payload             JSONB NOT NULL,
	error_message       TEXT NOT NULL,
	failure_count       INTEGER NOT NULL DEFAULT 1,
	first_failed_at     TIMESTAMPTZ NOT NULL,
	last_failed_at      TIMESTAMPTZ NOT NULL,
	metadata            JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	phone      TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	contact_id TEXT NOT NULL REFERENCES contacts(id),
	status     TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active','in_service','closed')),
	channel    TEXT NOT NULL DEFAULT 'whatsapp',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_conversations_open_contact
	ON conversations (contact_id) WHERE status IN ('active','in_service');

CREATE TABLE IF NOT EXISTS inbound_messages (
	id                  TEXT PRIMARY KEY,
	conversation_id     TEXT NOT NULL REFERENCES conversations(id),
	provider_message_id TEXT NOT NULL UNIQUE,
	sender_name         TEXT NOT NULL DEFAULT '',
	kind                TEXT NOT NULL DEFAULT 'text',
	content             TEXT NOT NULL DEFAULT '',
	media_url           TEXT NOT NULL DEFAULT '',
	start_flow          BOOLEAN NOT NULL DEFAULT false,
	engine_invoked_at   TIMESTAMPTZ,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inbound_messages_conversation
	ON inbound_messages (conversation_id);

CREATE TABLE IF NOT EXISTS chatbot_sessions (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	status          TEXT NOT NULL DEFAULT 'active',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chatbot_sessions_conversation
	ON chatbot_sessions (conversation_id) WHERE status = 'active';

CREATE OR REPLACE VIEW queue_monitoring AS
SELECT
	status,
	COUNT(*) AS count,
	AVG(EXTRACT(EPOCH FROM (now() - created_at))) AS avg_age_seconds,
	AVG(retry_count) AS avg_retries,
	MIN(created_at) AS oldest_message,
	MAX(created_at) AS newest_message
FROM message_queue
GROUP BY status;
`

// Migrate creates the queue, dead-letter and conversation tables. It is safe
// to run on every start.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schemaSQL)
	return errs.Store("migrate", err)
}
