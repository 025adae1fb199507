// Package events publishes queue lifecycle transitions to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/LeventeLantos/whatsapp-queue/internal/dispatcher"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

const (
	TypeDone  = "message.done"
	TypeRetry = "message.retry"
	TypeDead  = "message.dead"

	defaultWriteTimeout = 5 * time.Second
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Event struct {
	Type              string            `json:"type"`
	MessageID         string            `json:"messageId"`
	OriginID          string            `json:"originId"`
	CorrelationID     string            `json:"correlationId"`
	MessageType       model.MessageType `json:"messageType"`
	Status            model.Status      `json:"status"`
	RetryCount        int               `json:"retryCount"`
	MaxRetries        int               `json:"maxRetries"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	Error             string            `json:"error,omitempty"`
	NextAttemptAt     *time.Time        `json:"nextAttemptAt,omitempty"`
	OccurredAt        time.Time         `json:"occurredAt"`
}

// NewKafkaWriter builds a writer for topic. Messages are hashed by key so one
// correlation id always lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

type Publisher struct {
	w       MessageWriter
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewPublisher(w MessageWriter, log zerolog.Logger) *Publisher {
	return &Publisher{
		w:       w,
		timeout: defaultWriteTimeout,
		now:     time.Now,
		log:     log.With().Str("component", "events").Logger(),
	}
}

func (p *Publisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := e.CorrelationID
	if key == "" {
		key = e.MessageID
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

func (p *Publisher) event(typ string, m model.QueueMessage, reason string) Event {
	e := Event{
		Type:              typ,
		MessageID:         m.ID,
		OriginID:          m.OriginID,
		CorrelationID:     m.CorrelationID,
		MessageType:       m.Type,
		Status:            m.Status,
		RetryCount:        m.RetryCount,
		MaxRetries:        m.MaxRetries,
		ProviderMessageID: m.ProviderMessageID,
		Error:             reason,
		OccurredAt:        p.now().UTC(),
	}
	if typ == TypeRetry {
		next := m.ScheduledAt
		e.NextAttemptAt = &next
	}
	return e
}

func (p *Publisher) send(ctx context.Context, e Event) {
	if err := p.Publish(ctx, e); err != nil {
		p.log.Warn().
			Err(err).
			Str("event", e.Type).
			Str("message_id", e.MessageID).
			Str("correlation_id", e.CorrelationID).
			Msg("lifecycle event not published")
	}
}

// Hooks adapts the publisher to dispatcher lifecycle callbacks. Publish
// failures are logged and never affect the row.
func (p *Publisher) Hooks() dispatcher.Hooks {
	return dispatcher.Hooks{
		OnDone: func(ctx context.Context, m model.QueueMessage) {
			p.send(ctx, p.event(TypeDone, m, ""))
		},
		OnRetry: func(ctx context.Context, m model.QueueMessage, reason string) {
			p.send(ctx, p.event(TypeRetry, m, reason))
		},
		OnDead: func(ctx context.Context, m model.QueueMessage, reason string) {
			p.send(ctx, p.event(TypeDead, m, reason))
		},
	}
}
