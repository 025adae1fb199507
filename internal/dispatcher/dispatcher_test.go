package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo/pgtest"
	"github.com/LeventeLantos/whatsapp-queue/internal/service"
)

const testPhone = "5511999998888"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeSender struct {
	mu    sync.Mutex
	calls map[string]int // by correlation id
	order []string
	fn    func(attempt int, p model.Payload) (service.SendResult, error)
}

func newSender(fn func(attempt int, p model.Payload) (service.SendResult, error)) *fakeSender {
	return &fakeSender{calls: make(map[string]int), fn: fn}
}

func (f *fakeSender) Send(_ context.Context, correlationID string, p model.Payload) (service.SendResult, error) {
	f.mu.Lock()
	f.calls[correlationID]++
	f.order = append(f.order, correlationID)
	n := f.calls[correlationID]
	f.mu.Unlock()

	if f.fn == nil {
		return service.SendResult{ProviderMessageID: "zaap-" + correlationID}, nil
	}
	return f.fn(n, p)
}

func (f *fakeSender) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

type fakeInbound struct {
	mu   sync.Mutex
	seen []model.InboundPayload
	err  error
}

func (f *fakeInbound) Process(_ context.Context, _ string, in model.InboundPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, in)
	return f.err
}

func testConfig() Config {
	return Config{
		Workers:          1,
		ClaimTimeout:     time.Minute,
		PollInterval:     time.Millisecond,
		PollMaxInterval:  5 * time.Millisecond,
		StarvationWindow: 5 * time.Minute,
		BackoffBase:      time.Second,
		BackoffMax:       time.Hour,
	}
}

func newDispatcher(t *testing.T, cfg Config, r repo.QueueRepository, s MessageSender, clk *fakeClock) *Dispatcher {
	t.Helper()

	deps := Deps{Repo: r, Sender: s, Log: zerolog.Nop()}
	if clk != nil {
		deps.Now = clk.Now
	}
	d, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

func enqueueText(t *testing.T, r repo.QueueRepository, clk *fakeClock, corr string, opts ...service.EnqueueOption) string {
	t.Helper()

	enq := service.NewEnqueuer(r, service.EnqueuerConfig{MaxRetries: model.DefaultMaxRetries}, zerolog.Nop())
	if clk != nil {
		enq.WithClock(clk.Now)
	}
	opts = append(opts, service.WithCorrelationID(corr))
	id, err := enq.Enqueue(context.Background(), model.TextPayload{Phone: testPhone, Message: "hello"}, opts...)
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}
	return id
}

func mustGet(t *testing.T, r repo.QueueRepository, id string) *model.QueueMessage {
	t.Helper()
	m, err := r.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error: %v", id, err)
	}
	return m
}

func TestNew_RequiresRepoAndSender(t *testing.T) {
	if _, err := New(Config{}, Deps{Sender: newSender(nil)}); err == nil {
		t.Fatalf("expected error without repo")
	}
	if _, err := New(Config{}, Deps{Repo: repo.NewMemoryQueueRepo()}); err == nil {
		t.Fatalf("expected error without sender")
	}
}

func TestStep_EmptyQueue(t *testing.T) {
	d := newDispatcher(t, testConfig(), repo.NewMemoryQueueRepo(), newSender(nil), newClock())

	processed, err := d.Step(context.Background(), "w1")
	if err != nil || processed {
		t.Fatalf("expected nothing processed, got processed=%v err=%v", processed, err)
	}
}

// A transient failure is retried after the backoff delay and then delivered.
func TestStep_TransientThenSuccess(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(func(n int, _ model.Payload) (service.SendResult, error) {
		if n == 1 {
			return service.SendResult{}, errs.Transient(503, errors.New("unavailable"))
		}
		return service.SendResult{ProviderMessageID: "zaap-1"}, nil
	})
	d := newDispatcher(t, testConfig(), r, s, clk)
	id := enqueueText(t, r, clk, "corr-a")

	if processed, err := d.Step(ctx, "w1"); err != nil || !processed {
		t.Fatalf("first Step: processed=%v err=%v", processed, err)
	}
	m := mustGet(t, r, id)
	if m.Status != model.Pending || m.RetryCount != 1 {
		t.Fatalf("expected pending retry 1, got %s retry %d", m.Status, m.RetryCount)
	}
	if !m.ScheduledAt.Equal(clk.Now().Add(time.Second)) {
		t.Fatalf("expected retry in 1s, scheduled at %s", m.ScheduledAt)
	}
	if !strings.Contains(m.ErrorMessage, "503") {
		t.Fatalf("expected error message to mention status, got %q", m.ErrorMessage)
	}

	if processed, _ := d.Step(ctx, "w1"); processed {
		t.Fatalf("expected row to wait for its backoff")
	}

	clk.Advance(time.Second)
	if processed, err := d.Step(ctx, "w1"); err != nil || !processed {
		t.Fatalf("second Step: processed=%v err=%v", processed, err)
	}
	m = mustGet(t, r, id)
	if m.Status != model.Done || m.ProviderMessageID != "zaap-1" || m.ProcessedAt == nil {
		t.Fatalf("expected delivered row, got %+v", m)
	}
	if m.RetryCount != 1 {
		t.Fatalf("expected retry count to stay 1, got %d", m.RetryCount)
	}
}

// A row that keeps failing transiently gets maxRetries+1 attempts with
// doubling delays and ends in the dead-letter table once.
func TestStep_TransientExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		return service.SendResult{}, errs.Transient(503, errors.New("unavailable"))
	})
	d := newDispatcher(t, testConfig(), r, s, clk)

	var delays []time.Duration
	var deadReason string
	d.WithHooks(Hooks{
		OnRetry: func(_ context.Context, m model.QueueMessage, _ string) {
			delays = append(delays, m.ScheduledAt.Sub(clk.Now()))
		},
		OnDead: func(_ context.Context, _ model.QueueMessage, reason string) {
			deadReason = reason
		},
	})

	id := enqueueText(t, r, clk, "corr-b")
	for i := 0; i < 50 && mustGet(t, r, id).Status != model.Dead; i++ {
		if processed, _ := d.Step(ctx, "w1"); !processed {
			clk.Advance(time.Hour)
		}
	}

	m := mustGet(t, r, id)
	if m.Status != model.Dead || m.RetryCount != model.DefaultMaxRetries {
		t.Fatalf("expected dead with retry count %d, got %s %d", model.DefaultMaxRetries, m.Status, m.RetryCount)
	}
	if got := s.total(); got != model.DefaultMaxRetries+1 {
		t.Fatalf("expected %d attempts, got %d", model.DefaultMaxRetries+1, got)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	if fmt.Sprint(delays) != fmt.Sprint(want) {
		t.Fatalf("expected delays %v, got %v", want, delays)
	}
	if !strings.Contains(deadReason, "unavailable") {
		t.Fatalf("unexpected dead reason %q", deadReason)
	}

	failed, err := r.ListFailed(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListFailed() error: %v", err)
	}
	if len(failed) != 1 || failed[0].OriginalMessageID != id || failed[0].FailureCount != 1 {
		t.Fatalf("unexpected dead-letter records: %+v", failed)
	}
}

// A row that fails validation at dispatch time is dead-lettered without a
// provider call and without consuming retries.
func TestStep_InvalidPayloadGoesStraightToDead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(nil)
	d := newDispatcher(t, testConfig(), r, s, clk)

	now := clk.Now()
	row := &model.QueueMessage{
		ID:            "bad-1",
		OriginID:      "bad-1",
		CorrelationID: "corr-c",
		Type:          model.TypeText,
		Payload:       json.RawMessage(`{"phone":"5511999998888","message":""}`),
		Status:        model.Pending,
		MaxRetries:    model.DefaultMaxRetries,
		ScheduledAt:   now,
		CreatedAt:     now,
	}
	if err := r.Insert(ctx, row); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	if processed, err := d.Step(ctx, "w1"); err != nil || !processed {
		t.Fatalf("Step: processed=%v err=%v", processed, err)
	}

	m := mustGet(t, r, "bad-1")
	if m.Status != model.Dead || m.RetryCount != 0 {
		t.Fatalf("expected dead with no retries, got %s %d", m.Status, m.RetryCount)
	}
	if !strings.Contains(m.ErrorMessage, "validation") {
		t.Fatalf("expected validation reason, got %q", m.ErrorMessage)
	}
	if s.total() != 0 {
		t.Fatalf("expected no provider call, got %d", s.total())
	}
	if failed, _ := r.ListFailed(ctx, 10, 0); len(failed) != 1 {
		t.Fatalf("expected one dead-letter record, got %d", len(failed))
	}
}

func TestStep_UndecodablePayloadGoesToDead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)

	now := clk.Now()
	_ = r.Insert(ctx, &model.QueueMessage{
		ID: "bad-2", OriginID: "bad-2", Type: "sticker", Payload: json.RawMessage(`{}`),
		Status: model.Pending, MaxRetries: 5, ScheduledAt: now, CreatedAt: now,
	})

	_, _ = d.Step(ctx, "w1")
	if m := mustGet(t, r, "bad-2"); m.Status != model.Dead || m.RetryCount != 0 {
		t.Fatalf("expected dead row, got %s %d", m.Status, m.RetryCount)
	}
}

func TestStep_PermanentErrorDeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		return service.SendResult{}, errs.Permanent(400, errors.New("invalid phone"))
	})
	d := newDispatcher(t, testConfig(), r, s, clk)
	id := enqueueText(t, r, clk, "corr-p")

	_, _ = d.Step(ctx, "w1")

	m := mustGet(t, r, id)
	if m.Status != model.Dead || m.RetryCount != 0 {
		t.Fatalf("expected dead without retries, got %s %d", m.Status, m.RetryCount)
	}
	if s.total() != 1 {
		t.Fatalf("expected one attempt, got %d", s.total())
	}
}

func TestStep_HandlerPanicIsPermanent(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		panic("boom")
	})
	d := newDispatcher(t, testConfig(), r, s, clk)
	id := enqueueText(t, r, clk, "corr-x")

	if processed, err := d.Step(ctx, "w1"); err != nil || !processed {
		t.Fatalf("Step: processed=%v err=%v", processed, err)
	}

	m := mustGet(t, r, id)
	if m.Status != model.Dead || !strings.Contains(m.ErrorMessage, "handler panic: boom") {
		t.Fatalf("expected dead row after panic, got %s %q", m.Status, m.ErrorMessage)
	}
}

func TestStep_RespectsMaxRetriesZero(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		return service.SendResult{}, errs.Transient(0, errors.New("timeout"))
	})
	d := newDispatcher(t, testConfig(), r, s, clk)
	id := enqueueText(t, r, clk, "corr-z", service.WithMaxRetries(0))

	_, _ = d.Step(ctx, "w1")
	if m := mustGet(t, r, id); m.Status != model.Dead || m.RetryCount != 0 {
		t.Fatalf("expected dead after the only attempt, got %s %d", m.Status, m.RetryCount)
	}
}

func TestStep_InboundRowsGoToInboundHandler(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(nil)
	in := &fakeInbound{}

	d, err := New(testConfig(), Deps{Repo: r, Sender: s, Inbound: in, Now: clk.Now})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	enq := service.NewEnqueuer(r, service.EnqueuerConfig{MaxRetries: 5}, zerolog.Nop()).WithClock(clk.Now)
	id, err := enq.Enqueue(ctx, model.InboundPayload{ProviderMessageID: "wamid-1", From: testPhone, Kind: "text", Text: "oi"})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	_, _ = d.Step(ctx, "w1")

	if m := mustGet(t, r, id); m.Status != model.Done {
		t.Fatalf("expected done, got %s (%s)", m.Status, m.ErrorMessage)
	}
	if len(in.seen) != 1 || in.seen[0].ProviderMessageID != "wamid-1" {
		t.Fatalf("unexpected inbound calls: %+v", in.seen)
	}
	if s.total() != 0 {
		t.Fatalf("expected no gateway call for inbound row")
	}
}

func TestStep_InboundWithoutProcessorIsDead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)

	enq := service.NewEnqueuer(r, service.EnqueuerConfig{MaxRetries: 5}, zerolog.Nop()).WithClock(clk.Now)
	id, _ := enq.Enqueue(ctx, model.InboundPayload{ProviderMessageID: "wamid-2", From: testPhone})

	_, _ = d.Step(ctx, "w1")
	if m := mustGet(t, r, id); m.Status != model.Dead {
		t.Fatalf("expected dead, got %s", m.Status)
	}
}

func TestStep_StarvedRowsJumpPriority(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	s := newSender(nil)
	d := newDispatcher(t, testConfig(), r, s, clk)

	enqueueText(t, r, clk, "old-low", service.WithPriority(9))
	clk.Advance(10 * time.Minute)
	enqueueText(t, r, clk, "new-high", service.WithPriority(0))
	enqueueText(t, r, clk, "new-mid", service.WithPriority(5))

	for i := 0; i < 3; i++ {
		_, _ = d.Step(ctx, "w1")
	}

	want := []string{"old-low", "new-high", "new-mid"}
	if fmt.Sprint(s.order) != fmt.Sprint(want) {
		t.Fatalf("expected order %v, got %v", want, s.order)
	}
}

func TestHooks_OnDoneReceivesProviderID(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)

	var got []model.QueueMessage
	d.WithHooks(
		Hooks{OnDone: func(_ context.Context, m model.QueueMessage) { got = append(got, m) }},
		Hooks{OnDone: func(_ context.Context, m model.QueueMessage) { got = append(got, m) }},
	)

	enqueueText(t, r, clk, "corr-h")
	_, _ = d.Step(ctx, "w1")

	if len(got) != 2 {
		t.Fatalf("expected both hooks to fire, got %d", len(got))
	}
	if got[0].Status != model.Done || got[0].ProviderMessageID != "zaap-corr-h" {
		t.Fatalf("unexpected hook message: %+v", got[0])
	}
}

func TestReap_StaleClaimIsRetried(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)
	id := enqueueText(t, r, clk, "corr-r")

	// A worker claims the row and disappears.
	if _, err := r.Claim(ctx, repo.ClaimRequest{WorkerID: "gone", Now: clk.Now()}); err != nil {
		t.Fatalf("Claim() error: %v", err)
	}

	if n, err := d.Reap(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing to reap yet, got n=%d err=%v", n, err)
	}

	clk.Advance(2 * time.Minute)
	n, err := d.Reap(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one reclaimed row, got n=%d err=%v", n, err)
	}

	m := mustGet(t, r, id)
	if m.Status != model.Pending || m.RetryCount != 1 || m.ErrorMessage != "claim expired" {
		t.Fatalf("unexpected reclaimed row: %s retry=%d err=%q", m.Status, m.RetryCount, m.ErrorMessage)
	}
	if err := r.Complete(ctx, id, "gone", "late", clk.Now()); !errs.IsClaimConflict(err) {
		t.Fatalf("expected claim conflict for the lost worker, got %v", err)
	}
	if d.Stats().Reclaimed != 1 {
		t.Fatalf("expected reclaimed counter 1, got %d", d.Stats().Reclaimed)
	}
}

func TestReap_ExhaustedRowIsDead(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)
	id := enqueueText(t, r, clk, "corr-r0", service.WithMaxRetries(0))

	_, _ = r.Claim(ctx, repo.ClaimRequest{WorkerID: "gone", Now: clk.Now()})
	clk.Advance(2 * time.Minute)
	_, _ = d.Reap(ctx)

	if m := mustGet(t, r, id); m.Status != model.Dead {
		t.Fatalf("expected dead, got %s", m.Status)
	}
}

// When the reaper takes a row over while its worker is still sending, the
// worker's late result is discarded.
func TestStep_LateResultAfterReclaimIsDiscarded(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()

	var d *Dispatcher
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		clk.Advance(2 * time.Minute)
		if _, err := d.Reap(ctx); err != nil {
			return service.SendResult{}, err
		}
		return service.SendResult{ProviderMessageID: "late"}, nil
	})
	d = newDispatcher(t, testConfig(), r, s, clk)
	id := enqueueText(t, r, clk, "corr-l")

	_, _ = d.Step(ctx, "w1")

	m := mustGet(t, r, id)
	if m.Status != model.Pending || m.ProviderMessageID != "" {
		t.Fatalf("expected the reaper's retry to stand, got %s provider=%q", m.Status, m.ProviderMessageID)
	}
	if d.Stats().Conflicts != 1 {
		t.Fatalf("expected one conflict, got %d", d.Stats().Conflicts)
	}
}

func TestHeartbeat_KeepsLongSendClaimed(t *testing.T) {
	ctx := context.Background()
	r := repo.NewMemoryQueueRepo()
	release := make(chan struct{})
	s := newSender(func(int, model.Payload) (service.SendResult, error) {
		<-release
		return service.SendResult{ProviderMessageID: "slow"}, nil
	})
	cfg := testConfig()
	cfg.ClaimTimeout = 90 * time.Millisecond
	d := newDispatcher(t, cfg, r, s, nil)
	id := enqueueText(t, r, nil, "corr-hb")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.Step(ctx, "w1")
	}()

	time.Sleep(200 * time.Millisecond)
	n, err := d.Reap(ctx)
	close(release)
	<-done

	if err != nil || n != 0 {
		t.Fatalf("expected heartbeats to keep the claim, reaped=%d err=%v", n, err)
	}
	if m := mustGet(t, r, id); m.Status != model.Done {
		t.Fatalf("expected done, got %s", m.Status)
	}
}

type failingClaimRepo struct {
	*repo.MemoryQueueRepo
	calls atomic.Int64
}

func (f *failingClaimRepo) Claim(context.Context, repo.ClaimRequest) (*model.QueueMessage, error) {
	f.calls.Add(1)
	return nil, errs.Store("claim", errors.New("connection refused"))
}

func TestStoreOutage_DoesNotCrashPool(t *testing.T) {
	r := &failingClaimRepo{MemoryQueueRepo: repo.NewMemoryQueueRepo()}
	cfg := testConfig()
	cfg.Workers = 2
	cfg.PollInterval = 2 * time.Millisecond
	cfg.PollMaxInterval = 20 * time.Millisecond
	d := newDispatcher(t, cfg, r, newSender(nil), nil)

	if _, err := d.Step(context.Background(), "w1"); !errs.IsStoreError(err) {
		t.Fatalf("expected store error from Step, got %v", err)
	}

	if !d.Start() {
		t.Fatalf("expected Start() true")
	}
	time.Sleep(100 * time.Millisecond)
	if !d.IsRunning() {
		t.Fatalf("expected pool to survive store errors")
	}
	if !d.Stop() {
		t.Fatalf("expected Stop() true")
	}

	// Backing off keeps the claim rate far below one per poll interval.
	if n := r.calls.Load(); n < 3 || n > 60 {
		t.Fatalf("unexpected claim attempts during outage: %d", n)
	}
}

func TestStartStop(t *testing.T) {
	d := newDispatcher(t, testConfig(), repo.NewMemoryQueueRepo(), newSender(nil), nil)

	if d.IsRunning() {
		t.Fatalf("expected not running initially")
	}
	if !d.Start() || d.Start() {
		t.Fatalf("expected Start() true then false")
	}
	if !d.Stats().Running {
		t.Fatalf("expected stats to report running")
	}
	if !d.Stop() || d.Stop() {
		t.Fatalf("expected Stop() true then false")
	}
	if !d.Start() {
		t.Fatalf("expected restart to work")
	}
	d.Stop()
}

// Many workers over many rows: every row is sent exactly once.
func TestPool_EachRowProcessedExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	assertExactlyOnce(t, repo.NewMemoryQueueRepo(), 2000)
}

func TestPool_EachRowProcessedExactlyOnce_Postgres(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	db := pgtest.Open(t)
	if err := repo.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	assertExactlyOnce(t, repo.NewPostgresQueueRepo(db), 1000)
}

// assertExactlyOnce drains rows through an 8 worker pool and checks every
// row was sent once.
func assertExactlyOnce(t *testing.T, r repo.QueueRepository, rows int) {
	t.Helper()

	ctx := context.Background()
	s := newSender(nil)
	cfg := testConfig()
	cfg.Workers = 8
	d := newDispatcher(t, cfg, r, s, nil)

	for i := 0; i < rows; i++ {
		enqueueText(t, r, nil, fmt.Sprintf("corr-%04d", i), service.WithPriority(i%5))
	}

	d.Start()
	deadline := time.Now().Add(60 * time.Second)
	for {
		sum, err := r.Summary(ctx, time.Now())
		if err != nil {
			d.Stop()
			t.Fatalf("Summary() error: %v", err)
		}
		if sum.TotalDone == int64(rows) {
			break
		}
		if time.Now().After(deadline) {
			d.Stop()
			t.Fatalf("timeout: %d of %d rows done", sum.TotalDone, rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
	d.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) != rows || len(s.calls) != rows {
		t.Fatalf("expected %d sends over %d rows, got %d sends over %d rows", rows, rows, len(s.order), len(s.calls))
	}
	for corr, n := range s.calls {
		if n != 1 {
			t.Fatalf("row %s sent %d times", corr, n)
		}
	}
	if st := d.Stats(); st.Claimed != int64(rows) || st.Delivered != int64(rows) || st.Conflicts != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPurge_RemovesOldTerminalRows(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	r := repo.NewMemoryQueueRepo()
	d := newDispatcher(t, testConfig(), r, newSender(nil), clk)

	done := enqueueText(t, r, clk, "corr-old")
	_, _ = d.Step(ctx, "w1")
	pending := enqueueText(t, r, clk, "corr-pending", service.WithDelay(time.Hour))

	clk.Advance(48 * time.Hour)
	n, err := d.Purge(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("expected one purged row, got n=%d err=%v", n, err)
	}
	if _, err := r.Get(ctx, done); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected done row to be purged, got %v", err)
	}
	mustGet(t, r, pending)

	if n, _ := d.Purge(ctx, 0); n != 0 {
		t.Fatalf("expected zero retention to disable purge")
	}
}
