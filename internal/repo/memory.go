package repo

import (
	"context"
	"encoding/json"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
)

// MemoryQueueRepo keeps the queue in process memory. It implements the same
// claim ordering and transition guards as the Postgres repository and is
// meant for single-process deployments and tests.
type MemoryQueueRepo struct {
	mu       sync.Mutex
	rows     map[string]*model.QueueMessage
	dedup    map[string]string
	failed   map[string]*model.FailedMessage // keyed by original message id
	failedID map[string]string               // failed id -> original message id
}

func NewMemoryQueueRepo() *MemoryQueueRepo {
	return &MemoryQueueRepo{
		rows:     make(map[string]*model.QueueMessage),
		dedup:    make(map[string]string),
		failed:   make(map[string]*model.FailedMessage),
		failedID: make(map[string]string),
	}
}

func cloneMessage(m *model.QueueMessage) *model.QueueMessage {
	c := *m
	c.Payload = append(json.RawMessage(nil), m.Payload...)
	c.Metadata = maps.Clone(m.Metadata)
	if m.ClaimedAt != nil {
		t := *m.ClaimedAt
		c.ClaimedAt = &t
	}
	if m.ProcessedAt != nil {
		t := *m.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

func (r *MemoryQueueRepo) Insert(_ context.Context, m *model.QueueMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rows[m.ID]; ok {
		return ErrDuplicate
	}
	if m.DedupKey != "" {
		if _, ok := r.dedup[m.DedupKey]; ok {
			return ErrDuplicate
		}
		r.dedup[m.DedupKey] = m.ID
	}
	r.rows[m.ID] = cloneMessage(m)
	return nil
}

func (r *MemoryQueueRepo) Get(_ context.Context, id string) (*model.QueueMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MemoryQueueRepo) FindByDedupKey(_ context.Context, key string) (*model.QueueMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.dedup[key]
	if !ok {
		return nil, ErrNotFound
	}
	m, ok := r.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(m), nil
}

func (r *MemoryQueueRepo) List(_ context.Context, f ListFilter) ([]model.QueueMessage, error) {
	f = f.normalized()

	r.mu.Lock()
	var all []model.QueueMessage
	for _, m := range r.rows {
		if f.Status == "" || m.Status == f.Status {
			all = append(all, *cloneMessage(m))
		}
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID < all[j].ID
	})
	return page(all, f.Limit, f.Offset), nil
}

func page[T any](in []T, limit, offset int) []T {
	if offset >= len(in) {
		return nil
	}
	in = in[offset:]
	if len(in) > limit {
		in = in[:limit]
	}
	return in
}

// claimsBefore reports whether a should be claimed before b.
func claimsBefore(a, b *model.QueueMessage, starvedBefore time.Time) bool {
	aStarved := !a.ScheduledAt.After(starvedBefore)
	bStarved := !b.ScheduledAt.After(starvedBefore)
	if aStarved != bStarved {
		return aStarved
	}
	if !aStarved && a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ScheduledAt.Before(b.ScheduledAt)
	}
	return a.ID < b.ID
}

func (r *MemoryQueueRepo) Claim(ctx context.Context, req ClaimRequest) (*model.QueueMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Store("claim", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var best *model.QueueMessage
	for _, m := range r.rows {
		if m.Status != model.Pending || m.ScheduledAt.After(req.Now) {
			continue
		}
		if best == nil || claimsBefore(m, best, req.StarvedBefore) {
			best = m
		}
	}
	if best == nil {
		return nil, nil
	}

	at := req.Now
	best.Status = model.Processing
	best.ClaimedBy = req.WorkerID
	best.ClaimedAt = &at
	return cloneMessage(best), nil
}

// owned returns the row when it is processing and held by workerID. Callers
// hold r.mu.
func (r *MemoryQueueRepo) owned(id, workerID string) (*model.QueueMessage, error) {
	m, ok := r.rows[id]
	if !ok || m.Status != model.Processing || m.ClaimedBy != workerID {
		return nil, &errs.ClaimConflictError{MessageID: id, WorkerID: workerID}
	}
	return m, nil
}

func (r *MemoryQueueRepo) Heartbeat(_ context.Context, id, workerID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.owned(id, workerID)
	if err != nil {
		return err
	}
	m.ClaimedAt = &at
	return nil
}

func (r *MemoryQueueRepo) Complete(_ context.Context, id, workerID, providerMessageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.owned(id, workerID)
	if err != nil {
		return err
	}
	m.Status = model.Done
	m.ProcessedAt = &at
	m.ProviderMessageID = providerMessageID
	m.ErrorMessage = ""
	return nil
}

func (r *MemoryQueueRepo) Retry(_ context.Context, id, workerID, errMsg string, nextAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.owned(id, workerID)
	if err != nil {
		return err
	}
	if m.RetryCount >= m.MaxRetries {
		return &errs.ClaimConflictError{MessageID: id, WorkerID: workerID}
	}
	m.Status = model.Pending
	m.RetryCount++
	m.ScheduledAt = nextAt
	m.ErrorMessage = errMsg
	m.ClaimedBy = ""
	m.ClaimedAt = nil
	return nil
}

func (r *MemoryQueueRepo) DeadLetter(_ context.Context, id, workerID, errMsg string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.owned(id, workerID)
	if err != nil {
		return err
	}
	r.kill(m, errMsg, at)
	return nil
}

func (r *MemoryQueueRepo) Cancel(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.rows[id]
	if !ok {
		return ErrNotFound
	}
	if m.Status != model.Pending {
		return ErrNotCancellable
	}
	r.kill(m, "cancelled", at)
	return nil
}

// kill marks m dead and upserts its dead-letter record. Callers hold r.mu.
func (r *MemoryQueueRepo) kill(m *model.QueueMessage, errMsg string, at time.Time) {
	m.Status = model.Dead
	m.ErrorMessage = errMsg
	m.ProcessedAt = &at

	if f, ok := r.failed[m.OriginID]; ok {
		f.FailureCount++
		f.LastFailedAt = at
		f.ErrorMessage = errMsg
		return
	}
	f := &model.FailedMessage{
		ID:                uuid.NewString(),
		OriginalMessageID: m.OriginID,
		CorrelationID:     m.CorrelationID,
		Type:              m.Type,
		Payload:           append(json.RawMessage(nil), m.Payload...),
		ErrorMessage:      errMsg,
		FailureCount:      1,
		FirstFailedAt:     at,
		LastFailedAt:      at,
		Metadata:          maps.Clone(m.Metadata),
	}
	r.failed[m.OriginID] = f
	r.failedID[f.ID] = m.OriginID
}

func (r *MemoryQueueRepo) ReclaimStale(_ context.Context, staleBefore time.Time, reaperID string, now time.Time, limit int) ([]model.QueueMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*model.QueueMessage
	for _, m := range r.rows {
		if m.Status == model.Processing && m.ClaimedAt != nil && m.ClaimedAt.Before(staleBefore) {
			stale = append(stale, m)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ClaimedAt.Before(*stale[j].ClaimedAt) })
	stale = page(stale, limit, 0)

	out := make([]model.QueueMessage, 0, len(stale))
	for _, m := range stale {
		at := now
		m.ClaimedBy = reaperID
		m.ClaimedAt = &at
		out = append(out, *cloneMessage(m))
	}
	return out, nil
}

func (r *MemoryQueueRepo) GetFailed(_ context.Context, id string) (*model.FailedMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	origin, ok := r.failedID[id]
	if !ok {
		return nil, ErrNotFound
	}
	f := *r.failed[origin]
	f.Metadata = maps.Clone(f.Metadata)
	return &f, nil
}

func (r *MemoryQueueRepo) ListFailed(_ context.Context, limit, offset int) ([]model.FailedMessage, error) {
	f := ListFilter{Limit: limit, Offset: offset}.normalized()

	r.mu.Lock()
	out := make([]model.FailedMessage, 0, len(r.failed))
	for _, fm := range r.failed {
		c := *fm
		c.Metadata = maps.Clone(fm.Metadata)
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastFailedAt.Equal(out[j].LastFailedAt) {
			return out[i].LastFailedAt.After(out[j].LastFailedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (r *MemoryQueueRepo) Stats(_ context.Context, now time.Time) ([]model.StatusStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type acc struct {
		stat    model.StatusStat
		age     float64
		retries float64
	}
	by := make(map[model.Status]*acc)
	for _, m := range r.rows {
		a, ok := by[m.Status]
		if !ok {
			a = &acc{stat: model.StatusStat{Status: m.Status}}
			by[m.Status] = a
		}
		a.stat.Count++
		a.age += now.Sub(m.CreatedAt).Seconds()
		a.retries += float64(m.RetryCount)
		created := m.CreatedAt
		if a.stat.OldestMessage == nil || created.Before(*a.stat.OldestMessage) {
			a.stat.OldestMessage = &created
		}
		if a.stat.NewestMessage == nil || created.After(*a.stat.NewestMessage) {
			a.stat.NewestMessage = &created
		}
	}

	out := make([]model.StatusStat, 0, len(by))
	for _, a := range by {
		a.stat.AvgAgeSeconds = a.age / float64(a.stat.Count)
		a.stat.AvgRetries = a.retries / float64(a.stat.Count)
		out = append(out, a.stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
	return out, nil
}

func (r *MemoryQueueRepo) Summary(_ context.Context, now time.Time) (model.QueueSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		s      model.QueueSummary
		oldest *time.Time
	)
	for _, m := range r.rows {
		switch m.Status {
		case model.Pending:
			s.TotalPending++
			if m.RetryCount > 0 {
				s.PendingWithRetry++
			}
			if oldest == nil || m.CreatedAt.Before(*oldest) {
				t := m.CreatedAt
				oldest = &t
			}
		case model.Processing:
			s.TotalProcessing++
		case model.Done:
			s.TotalDone++
		case model.Dead:
			s.TotalDead++
		}
	}
	if oldest != nil {
		s.OldestPendingAge = now.Sub(*oldest).Seconds()
	}
	s.DeadLetterRecords = int64(len(r.failed))
	return s, nil
}

func (r *MemoryQueueRepo) Purge(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.rows {
		if !m.Status.Terminal() {
			continue
		}
		ref := m.CreatedAt
		if m.ProcessedAt != nil {
			ref = *m.ProcessedAt
		}
		if ref.Before(before) {
			delete(r.rows, id)
			if m.DedupKey != "" {
				delete(r.dedup, m.DedupKey)
			}
			n++
		}
	}
	return n, nil
}

// MemoryConversationRepo is the in-process counterpart of
// PostgresConversationRepo.
type MemoryConversationRepo struct {
	mu            sync.Mutex
	now           func() time.Time
	contacts      map[string]*model.Contact // keyed by phone
	conversations map[string]*model.Conversation
	messages      map[string]*model.InboundMessage // keyed by provider message id
}

func NewMemoryConversationRepo() *MemoryConversationRepo {
	return &MemoryConversationRepo{
		now:           time.Now,
		contacts:      make(map[string]*model.Contact),
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.InboundMessage),
	}
}

func (r *MemoryConversationRepo) UpsertContact(_ context.Context, phone, name string) (model.Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.contacts[phone]; ok {
		if c.Name == "" {
			c.Name = name
		}
		return *c, nil
	}
	c := &model.Contact{ID: uuid.NewString(), Phone: phone, Name: name, CreatedAt: r.now().UTC()}
	r.contacts[phone] = c
	return *c, nil
}

func (r *MemoryConversationRepo) OpenConversation(_ context.Context, contactID string) (model.Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, conv := range r.conversations {
		if conv.ContactID == contactID && conv.Status.Open() {
			return *conv, false, nil
		}
	}
	conv := &model.Conversation{
		ID:        uuid.NewString(),
		ContactID: contactID,
		Status:    model.ConversationActive,
		Channel:   "whatsapp",
		CreatedAt: r.now().UTC(),
	}
	r.conversations[conv.ID] = conv
	return *conv, true, nil
}

func (r *MemoryConversationRepo) SaveInboundMessage(_ context.Context, msg model.InboundMessage) (model.InboundMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.messages[msg.ProviderMessageID]; ok {
		return *existing, false, nil
	}

	first := true
	for _, m := range r.messages {
		if m.ConversationID == msg.ConversationID {
			first = false
			break
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.StartFlow = msg.StartFlow || first
	msg.EngineInvokedAt = nil
	msg.CreatedAt = r.now().UTC()
	stored := msg
	r.messages[msg.ProviderMessageID] = &stored
	return msg, true, nil
}

func (r *MemoryConversationRepo) MarkEngineInvoked(_ context.Context, messageID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.messages {
		if m.ID == messageID {
			if m.EngineInvokedAt == nil {
				m.EngineInvokedAt = &at
			}
			return nil
		}
	}
	return ErrNotFound
}

// HasActiveChatbotSession always reports false: chatbot sessions belong to
// the conversation engine and only exist in the Postgres schema it writes to.
func (r *MemoryConversationRepo) HasActiveChatbotSession(context.Context, string) (bool, error) {
	return false, nil
}
