package model

import "time"

type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationInService ConversationStatus = "in_service"
	ConversationClosed    ConversationStatus = "closed"
)

func (s ConversationStatus) Open() bool {
	return s == ConversationActive || s == ConversationInService
}

type Contact struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Conversation struct {
	ID        string             `json:"id"`
	ContactID string             `json:"contactId"`
	Status    ConversationStatus `json:"status"`
	Channel   string             `json:"channel"`
	CreatedAt time.Time          `json:"createdAt"`
}

type InboundMessage struct {
	ID                string     `json:"id"`
	ConversationID    string     `json:"conversationId"`
	ProviderMessageID string     `json:"providerMessageId"`
	SenderName        string     `json:"senderName"`
	Kind              string     `json:"kind"`
	Content           string     `json:"content"`
	MediaURL          string     `json:"mediaUrl,omitempty"`
	StartFlow         bool       `json:"startFlow"`
	EngineInvokedAt   *time.Time `json:"engineInvokedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}
