package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

var (
	ErrNotFound       = errors.New("repo: not found")
	ErrDuplicate      = errors.New("repo: duplicate dedup key")
	ErrNotCancellable = errors.New("repo: message is not pending")
)

// ClaimRequest selects the next eligible row. Rows scheduled at or before
// StarvedBefore jump ahead of every priority, oldest first.
type ClaimRequest struct {
	WorkerID      string
	Now           time.Time
	StarvedBefore time.Time
}

type ListFilter struct {
	Status model.Status
	Limit  int
	Offset int
}

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// QueueRepository is the durable job table plus its dead-letter table.
// Transitions out of processing are guarded by the owning worker id and
// return *errs.ClaimConflictError when the guard does not hold.
type QueueRepository interface {
	Insert(ctx context.Context, m *model.QueueMessage) error
	Get(ctx context.Context, id string) (*model.QueueMessage, error)
	FindByDedupKey(ctx context.Context, key string) (*model.QueueMessage, error)
	List(ctx context.Context, f ListFilter) ([]model.QueueMessage, error)

	// Claim returns nil, nil when no row is eligible.
	Claim(ctx context.Context, req ClaimRequest) (*model.QueueMessage, error)
	Heartbeat(ctx context.Context, id, workerID string, at time.Time) error
	Complete(ctx context.Context, id, workerID, providerMessageID string, at time.Time) error
	Retry(ctx context.Context, id, workerID, errMsg string, nextAt time.Time) error
	DeadLetter(ctx context.Context, id, workerID, errMsg string, at time.Time) error
	Cancel(ctx context.Context, id string, at time.Time) error

	// ReclaimStale hands processing rows whose heartbeat is older than
	// staleBefore over to reaperID and returns them.
	ReclaimStale(ctx context.Context, staleBefore time.Time, reaperID string, now time.Time, limit int) ([]model.QueueMessage, error)

	GetFailed(ctx context.Context, id string) (*model.FailedMessage, error)
	ListFailed(ctx context.Context, limit, offset int) ([]model.FailedMessage, error)

	Stats(ctx context.Context, now time.Time) ([]model.StatusStat, error)
	Summary(ctx context.Context, now time.Time) (model.QueueSummary, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// ConversationRepository persists what the inbound processor resolves from a
// provider callback. Every method is idempotent for the same input.
type ConversationRepository interface {
	UpsertContact(ctx context.Context, phone, name string) (model.Contact, error)
	// OpenConversation returns the open conversation of the contact, creating
	// one when none is active or in service.
	OpenConversation(ctx context.Context, contactID string) (conv model.Conversation, created bool, err error)
	// SaveInboundMessage stores msg keyed by its provider id. An existing row is
	// returned untouched with created=false. StartFlow is also set when the
	// message is the first one of its conversation.
	SaveInboundMessage(ctx context.Context, msg model.InboundMessage) (saved model.InboundMessage, created bool, err error)
	MarkEngineInvoked(ctx context.Context, messageID string, at time.Time) error
	HasActiveChatbotSession(ctx context.Context, conversationID string) (bool, error)
}
