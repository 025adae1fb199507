package service

import (
	"context"
	"time"

	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
)

// Monitor is the read-only view over the queue.
type Monitor struct {
	repo repo.QueueRepository
	now  func() time.Time
}

func NewMonitor(r repo.QueueRepository) *Monitor {
	return &Monitor{repo: r, now: time.Now}
}

// Status returns one row per status present in the queue. Statuses with no
// rows are omitted.
func (m *Monitor) Status(ctx context.Context) ([]model.StatusStat, error) {
	stats, err := m.repo.Stats(ctx, m.now().UTC())
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []model.StatusStat{}
	}
	return stats, nil
}

func (m *Monitor) Summary(ctx context.Context) (model.QueueSummary, error) {
	return m.repo.Summary(ctx, m.now().UTC())
}

func (m *Monitor) ListMessages(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueMessage, error) {
	msgs, err := m.repo.List(ctx, repo.ListFilter{Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []model.QueueMessage{}
	}
	return msgs, nil
}

func (m *Monitor) GetMessage(ctx context.Context, id string) (*model.QueueMessage, error) {
	return m.repo.Get(ctx, id)
}

func (m *Monitor) ListFailed(ctx context.Context, limit, offset int) ([]model.FailedMessage, error) {
	failed, err := m.repo.ListFailed(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if failed == nil {
		failed = []model.FailedMessage{}
	}
	return failed, nil
}
