package cache

import (
	"context"
	"time"
)

// MessageCache remembers provider message ids the service has sent, so the
// webhook can drop their echoes, and the inbound ids it has already accepted.
type MessageCache interface {
	StoreSent(ctx context.Context, providerMessageID, queueID string, sentAt time.Time) error
	WasSent(ctx context.Context, providerMessageID string) (bool, error)
	// MarkSeen records an inbound id and reports whether it was new.
	MarkSeen(ctx context.Context, providerMessageID string) (bool, error)
	// ForgetSeen drops an inbound id so a redelivery is accepted again.
	ForgetSeen(ctx context.Context, providerMessageID string) error
}

// Nop is used when Redis is not configured. Durable dedupe still happens in
// the queue store.
type Nop struct{}

func (Nop) StoreSent(context.Context, string, string, time.Time) error { return nil }
func (Nop) WasSent(context.Context, string) (bool, error)              { return false, nil }
func (Nop) MarkSeen(context.Context, string) (bool, error)             { return true, nil }
func (Nop) ForgetSeen(context.Context, string) error                   { return nil }
