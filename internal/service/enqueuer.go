package service

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
)

type EnqueuerConfig struct {
	DefaultPriority int
	InboundPriority int
	MaxRetries      int
}

// Enqueuer is the only writer of new pending rows.
type Enqueuer struct {
	repo repo.QueueRepository
	cfg  EnqueuerConfig
	now  func() time.Time
	log  zerolog.Logger
}

func NewEnqueuer(r repo.QueueRepository, cfg EnqueuerConfig, log zerolog.Logger) *Enqueuer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = model.DefaultMaxRetries
	}
	return &Enqueuer{
		repo: r,
		cfg:  cfg,
		now:  time.Now,
		log:  log.With().Str("component", "enqueuer").Logger(),
	}
}

func (e *Enqueuer) WithClock(now func() time.Time) *Enqueuer {
	e.now = now
	return e
}

type enqueueOptions struct {
	priority      *int
	maxRetries    *int
	correlationID string
	dedupKey      string
	metadata      map[string]string
	delay         time.Duration
}

type EnqueueOption func(*enqueueOptions)

func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = &p }
}

func WithCorrelationID(id string) EnqueueOption {
	return func(o *enqueueOptions) { o.correlationID = strings.TrimSpace(id) }
}

// WithDedupKey makes the insert fail with repo.ErrDuplicate when a row with
// the same key exists.
func WithDedupKey(key string) EnqueueOption {
	return func(o *enqueueOptions) { o.dedupKey = strings.TrimSpace(key) }
}

func WithMetadata(md map[string]string) EnqueueOption {
	return func(o *enqueueOptions) { o.metadata = maps.Clone(md) }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = &n }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// Enqueue validates p and writes it as a pending row. On a dedup key
// collision the id of the existing row is returned with repo.ErrDuplicate.
func (e *Enqueuer) Enqueue(ctx context.Context, p model.Payload, opts ...EnqueueOption) (string, error) {
	if p == nil {
		return "", errs.Validation("payload", "is required")
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	raw, err := model.EncodePayload(p)
	if err != nil {
		return "", err
	}

	var o enqueueOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	now := e.now().UTC()
	id := uuid.NewString()
	m := &model.QueueMessage{
		ID:            id,
		OriginID:      id,
		CorrelationID: o.correlationID,
		Type:          p.Type(),
		Payload:       raw,
		Priority:      e.cfg.DefaultPriority,
		Status:        model.Pending,
		MaxRetries:    e.cfg.MaxRetries,
		ScheduledAt:   now.Add(max(o.delay, 0)),
		DedupKey:      o.dedupKey,
		Metadata:      o.metadata,
		CreatedAt:     now,
	}
	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if o.priority != nil {
		m.Priority = *o.priority
	}
	if o.maxRetries != nil {
		if *o.maxRetries < 0 {
			return "", errs.Validation("maxRetries", "must be >= 0")
		}
		m.MaxRetries = *o.maxRetries
	}

	return e.insert(ctx, m)
}

func (e *Enqueuer) insert(ctx context.Context, m *model.QueueMessage) (string, error) {
	err := e.repo.Insert(ctx, m)
	if errors.Is(err, repo.ErrDuplicate) && m.DedupKey != "" {
		existing, ferr := e.repo.FindByDedupKey(ctx, m.DedupKey)
		if ferr != nil {
			return "", ferr
		}
		e.log.Debug().
			Str("dedup_key", m.DedupKey).
			Str("message_id", existing.ID).
			Msg("duplicate enqueue suppressed")
		return existing.ID, repo.ErrDuplicate
	}
	if err != nil {
		return "", err
	}

	e.log.Info().
		Str("message_id", m.ID).
		Str("correlation_id", m.CorrelationID).
		Str("message_type", string(m.Type)).
		Int("priority", m.Priority).
		Msg("message enqueued")
	return m.ID, nil
}

// Replay enqueues a fresh pending row for a dead-lettered message. The new
// row keeps the original message id as its origin so a second death updates
// the same dead-letter record.
func (e *Enqueuer) Replay(ctx context.Context, failedID string) (string, error) {
	f, err := e.repo.GetFailed(ctx, failedID)
	if err != nil {
		return "", err
	}
	p, err := model.DecodePayload(f.Type, f.Payload)
	if err != nil {
		return "", err
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	priority := e.cfg.DefaultPriority
	if f.Type == model.TypeInbound {
		priority = e.cfg.InboundPriority
	}

	now := e.now().UTC()
	md := maps.Clone(f.Metadata)
	if md == nil {
		md = make(map[string]string, 1)
	}
	md["replayOf"] = f.ID

	m := &model.QueueMessage{
		ID:            uuid.NewString(),
		OriginID:      f.OriginalMessageID,
		CorrelationID: f.CorrelationID,
		Type:          f.Type,
		Payload:       f.Payload,
		Priority:      priority,
		Status:        model.Pending,
		MaxRetries:    e.cfg.MaxRetries,
		ScheduledAt:   now,
		Metadata:      md,
		CreatedAt:     now,
	}
	id, err := e.insert(ctx, m)
	if err != nil {
		return "", err
	}
	e.log.Info().Str("failed_id", f.ID).Str("message_id", id).Msg("dead-lettered message replayed")
	return id, nil
}

// Cancel kills a pending row. Rows in any other status return
// repo.ErrNotCancellable.
func (e *Enqueuer) Cancel(ctx context.Context, id string) error {
	if err := e.repo.Cancel(ctx, id, e.now().UTC()); err != nil {
		return err
	}
	e.log.Info().Str("message_id", id).Msg("message cancelled")
	return nil
}
