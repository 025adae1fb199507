package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

type PostgresConversationRepo struct {
	db *sql.DB
}

func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

func (r *PostgresConversationRepo) UpsertContact(ctx context.Context, phone, name string) (model.Contact, error) {
	var c model.Contact
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO contacts (id, phone, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (phone) DO UPDATE
		SET name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END
		RETURNING id, phone, name, created_at
	`, uuid.NewString(), phone, name).Scan(&c.ID, &c.Phone, &c.Name, &c.CreatedAt)
	if err != nil {
		return model.Contact{}, errs.Store("upsert contact", err)
	}
	return c, nil
}

func (r *PostgresConversationRepo) OpenConversation(ctx context.Context, contactID string) (model.Conversation, bool, error) {
	conv, err := r.findOpen(ctx, contactID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, false, errs.Store("open conversation", err)
	}

	// Concurrent creators race on the partial unique index; the loser reads
	// the winner's row.
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, contact_id, status, channel)
		VALUES ($1, $2, 'active', 'whatsapp')
		ON CONFLICT (contact_id) WHERE status IN ('active', 'in_service') DO NOTHING
		RETURNING id, contact_id, status, channel, created_at
	`, uuid.NewString(), contactID).Scan(&conv.ID, &conv.ContactID, &conv.Status, &conv.Channel, &conv.CreatedAt)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, false, errs.Store("open conversation", err)
	}

	conv, err = r.findOpen(ctx, contactID)
	if err != nil {
		return model.Conversation{}, false, errs.Store("open conversation", err)
	}
	return conv, false, nil
}

func (r *PostgresConversationRepo) findOpen(ctx context.Context, contactID string) (model.Conversation, error) {
	var conv model.Conversation
	err := r.db.QueryRowContext(ctx, `
		SELECT id, contact_id, status, channel, created_at
		FROM conversations
		WHERE contact_id = $1 AND status IN ('active', 'in_service')
		ORDER BY created_at DESC
		LIMIT 1
	`, contactID).Scan(&conv.ID, &conv.ContactID, &conv.Status, &conv.Channel, &conv.CreatedAt)
	return conv, err
}

const inboundColumns = `id, conversation_id, provider_message_id, sender_name, kind,
	content, media_url, start_flow, engine_invoked_at, created_at`

func scanInbound(row rowScanner) (model.InboundMessage, error) {
	var (
		m       model.InboundMessage
		invoked sql.NullTime
	)
	err := row.Scan(&m.ID, &m.ConversationID, &m.ProviderMessageID, &m.SenderName, &m.Kind,
		&m.Content, &m.MediaURL, &m.StartFlow, &invoked, &m.CreatedAt)
	if invoked.Valid {
		t := invoked.Time
		m.EngineInvokedAt = &t
	}
	return m, err
}

func (r *PostgresConversationRepo) SaveInboundMessage(ctx context.Context, msg model.InboundMessage) (model.InboundMessage, bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	saved, err := scanInbound(r.db.QueryRowContext(ctx, `
		INSERT INTO inbound_messages (
			id, conversation_id, provider_message_id, sender_name, kind, content, media_url, start_flow
		)
		SELECT $1, $2, $3, $4, $5, $6, $7,
		       $8 OR NOT EXISTS (SELECT 1 FROM inbound_messages WHERE conversation_id = $2)
		ON CONFLICT (provider_message_id) DO NOTHING
		RETURNING `+inboundColumns,
		msg.ID, msg.ConversationID, msg.ProviderMessageID, msg.SenderName, msg.Kind, msg.Content, msg.MediaURL, msg.StartFlow,
	))
	if err == nil {
		return saved, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.InboundMessage{}, false, errs.Store("save inbound message", err)
	}

	saved, err = scanInbound(r.db.QueryRowContext(ctx,
		`SELECT `+inboundColumns+` FROM inbound_messages WHERE provider_message_id = $1`, msg.ProviderMessageID))
	if err != nil {
		return model.InboundMessage{}, false, errs.Store("save inbound message", err)
	}
	return saved, false, nil
}

func (r *PostgresConversationRepo) MarkEngineInvoked(ctx context.Context, messageID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE inbound_messages SET engine_invoked_at = $2
		WHERE id = $1 AND engine_invoked_at IS NULL
	`, messageID, at)
	if err != nil {
		return errs.Store("mark engine invoked", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return errs.Store("mark engine invoked", err)
	}
	return nil
}

func (r *PostgresConversationRepo) HasActiveChatbotSession(ctx context.Context, conversationID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM chatbot_sessions WHERE conversation_id = $1 AND status = 'active'
		)
	`, conversationID).Scan(&ok)
	if err != nil {
		return false, errs.Store("chatbot session", err)
	}
	return ok, nil
}
