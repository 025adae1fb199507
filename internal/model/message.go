package model

import (
	"encoding/json"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Done       Status = "done"
	// Failed is kept for rows written by older producers; the dispatcher
	// never moves a row into it.
	Failed Status = "failed"
	Dead   Status = "dead"
)

func (s Status) Valid() bool {
	switch s {
	case Pending, Processing, Done, Failed, Dead:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == Done || s == Dead
}

const DefaultMaxRetries = 5

type QueueMessage struct {
	ID                string            `json:"id"`
	OriginID          string            `json:"originId"`
	CorrelationID     string            `json:"correlationId"`
	Type              MessageType       `json:"messageType"`
	Payload           json.RawMessage   `json:"payload"`
	Priority          int               `json:"priority"`
	Status            Status            `json:"status"`
	RetryCount        int               `json:"retryCount"`
	MaxRetries        int               `json:"maxRetries"`
	ScheduledAt       time.Time         `json:"scheduledAt"`
	ClaimedBy         string            `json:"claimedBy,omitempty"`
	ClaimedAt         *time.Time        `json:"claimedAt,omitempty"`
	DedupKey          string            `json:"dedupKey,omitempty"`
	ProviderMessageID string            `json:"providerMessageId,omitempty"`
	ErrorMessage      string            `json:"errorMessage,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ProcessedAt       *time.Time        `json:"processedAt,omitempty"`
}

// Decode returns the typed payload carried by the row.
func (m *QueueMessage) Decode() (Payload, error) {
	return DecodePayload(m.Type, m.Payload)
}

// CanRetry reports whether one more attempt fits in the retry budget.
func (m *QueueMessage) CanRetry() bool {
	return m.RetryCount+1 <= m.MaxRetries
}

type FailedMessage struct {
	ID                string            `json:"id"`
	OriginalMessageID string            `json:"originalMessageId"`
	CorrelationID     string            `json:"correlationId"`
	Type              MessageType       `json:"messageType"`
	Payload           json.RawMessage   `json:"payload"`
	ErrorMessage      string            `json:"errorMessage"`
	FailureCount      int               `json:"failureCount"`
	FirstFailedAt     time.Time         `json:"firstFailedAt"`
	LastFailedAt      time.Time         `json:"lastFailedAt"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}
