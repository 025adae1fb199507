package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/whatsapp-queue/internal/errs"
	"github.com/LeventeLantos/whatsapp-queue/internal/model"
	"github.com/LeventeLantos/whatsapp-queue/internal/repo"
	"github.com/LeventeLantos/whatsapp-queue/internal/service"
)

const (
	maxErrorMessage  = 2000
	defaultReapBatch = 100
)

var errClaimExpired = errors.New("claim expired")

type MessageSender interface {
	Send(ctx context.Context, correlationID string, p model.Payload) (service.SendResult, error)
}

type InboundHandler interface {
	Process(ctx context.Context, correlationID string, in model.InboundPayload) error
}

type Config struct {
	Workers          int
	ClaimTimeout     time.Duration
	PollInterval     time.Duration
	PollMaxInterval  time.Duration
	StarvationWindow time.Duration
	ReapBatch        int

	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffJitter float64
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.PollMaxInterval < c.PollInterval {
		c.PollMaxInterval = c.PollInterval
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = defaultReapBatch
	}
	return c
}

type Deps struct {
	Repo    repo.QueueRepository
	Sender  MessageSender
	Inbound InboundHandler
	Now     func() time.Time
	Log     zerolog.Logger
}

// Hooks observe resolved transitions. They run on the worker goroutine after
// the store write succeeded and must not block for long.
type Hooks struct {
	OnDone  func(ctx context.Context, m model.QueueMessage)
	OnRetry func(ctx context.Context, m model.QueueMessage, reason string)
	OnDead  func(ctx context.Context, m model.QueueMessage, reason string)
}

type Stats struct {
	Running   bool  `json:"running"`
	Workers   int   `json:"workers"`
	Claimed   int64 `json:"claimed"`
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Dead      int64 `json:"dead"`
	Conflicts int64 `json:"conflicts"`
	Reclaimed int64 `json:"reclaimed"`
}

// Dispatcher runs a fixed pool of workers, each claiming one row at a time,
// handing it to the sender or the inbound processor and resolving the
// outcome with a guarded transition.
type Dispatcher struct {
	cfg      Config
	repo     repo.QueueRepository
	sender   MessageSender
	inbound  InboundHandler
	backoff  *Backoff
	now      func() time.Time
	log      zerolog.Logger
	instance string
	hooks    []Hooks

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	claimed   atomic.Int64
	delivered atomic.Int64
	retried   atomic.Int64
	dead      atomic.Int64
	conflicts atomic.Int64
	reclaimed atomic.Int64
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Repo == nil {
		return nil, errors.New("repo must not be nil")
	}
	if deps.Sender == nil {
		return nil, errors.New("sender must not be nil")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		repo:     deps.Repo,
		sender:   deps.Sender,
		inbound:  deps.Inbound,
		backoff:  NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
		now:      deps.Now,
		log:      deps.Log.With().Str("component", "dispatcher").Logger(),
		instance: uuid.NewString()[:8],
		done:     make(chan struct{}),
	}, nil
}

// WithHooks registers lifecycle callbacks. It must be called before Start.
func (d *Dispatcher) WithHooks(h ...Hooks) *Dispatcher {
	d.hooks = append(d.hooks, h...)
	return d
}

func (d *Dispatcher) workerID(i int) string {
	return fmt.Sprintf("%s-w%d", d.instance, i)
}

func (d *Dispatcher) reaperID() string {
	return d.instance + "-reaper"
}

func (d *Dispatcher) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	for i := range d.cfg.Workers {
		id := d.workerID(i)
		g.Go(func() error {
			d.work(gctx, id)
			return nil
		})
	}
	go func() {
		defer close(d.done)
		_ = g.Wait()
	}()

	d.log.Info().Int("workers", d.cfg.Workers).Str("instance", d.instance).Msg("dispatcher started")
	return true
}

// Stop stops claiming and waits for in-flight rows to be resolved.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return false
	}

	d.cancel()
	<-d.done
	d.running.Store(false)

	d.log.Info().Msg("dispatcher stopped")
	return true
}

func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Running:   d.running.Load(),
		Workers:   d.cfg.Workers,
		Claimed:   d.claimed.Load(),
		Delivered: d.delivered.Load(),
		Retried:   d.retried.Load(),
		Dead:      d.dead.Load(),
		Conflicts: d.conflicts.Load(),
		Reclaimed: d.reclaimed.Load(),
	}
}

func (d *Dispatcher) work(ctx context.Context, workerID string) {
	log := d.log.With().Str("worker_id", workerID).Logger()
	wait := d.cfg.PollInterval

	for ctx.Err() == nil {
		processed, err := d.Step(ctx, workerID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Dur("wait", wait).Msg("claim failed")
			wait = d.idle(ctx, wait)
		case !processed:
			wait = d.idle(ctx, wait)
		default:
			wait = d.cfg.PollInterval
		}
	}
}

// idle sleeps for wait and returns the next wait, doubled up to the poll
// ceiling.
func (d *Dispatcher) idle(ctx context.Context, wait time.Duration) time.Duration {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
	return min(wait*2, d.cfg.PollMaxInterval)
}

// Step claims at most one eligible row and processes it to a resolved state.
// It reports whether a row was claimed. Only claim failures are returned;
// everything after the claim is recorded on the row.
func (d *Dispatcher) Step(ctx context.Context, workerID string) (bool, error) {
	now := d.now().UTC()
	req := repo.ClaimRequest{WorkerID: workerID, Now: now}
	if d.cfg.StarvationWindow > 0 {
		req.StarvedBefore = now.Add(-d.cfg.StarvationWindow)
	}

	m, err := d.repo.Claim(ctx, req)
	if err != nil {
		return false, err
	}
	if m == nil {
		return false, nil
	}
	d.claimed.Add(1)

	// A claimed row is finished even when the pool is stopping.
	d.process(context.WithoutCancel(ctx), workerID, m)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, workerID string, m *model.QueueMessage) {
	log := d.log.With().
		Str("message_id", m.ID).
		Str("correlation_id", m.CorrelationID).
		Str("message_type", string(m.Type)).
		Str("worker_id", workerID).
		Int("attempt", m.RetryCount+1).
		Logger()

	stop := d.heartbeat(ctx, workerID, m.ID, log)
	providerID, err := d.dispatch(ctx, m)
	stop()

	m.ProviderMessageID = providerID
	d.resolve(ctx, workerID, m, err, log)
}

// dispatch runs the handler for the row. A panicking handler is reported as
// a permanent failure.
func (d *Dispatcher) dispatch(ctx context.Context, m *model.QueueMessage) (providerID string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.Permanent(0, fmt.Errorf("handler panic: %v", r))
		}
	}()

	p, err := m.Decode()
	if err != nil {
		return "", err
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	if in, ok := p.(model.InboundPayload); ok {
		if d.inbound == nil {
			return "", errs.Permanent(0, errors.New("no inbound processor configured"))
		}
		return "", d.inbound.Process(ctx, m.CorrelationID, in)
	}

	res, err := d.sender.Send(ctx, m.CorrelationID, p)
	return res.ProviderMessageID, err
}

// resolve moves the row out of processing according to cause.
func (d *Dispatcher) resolve(ctx context.Context, workerID string, m *model.QueueMessage, cause error, log zerolog.Logger) {
	now := d.now().UTC()

	if cause == nil {
		if d.lost(d.repo.Complete(ctx, m.ID, workerID, m.ProviderMessageID, now), "complete", log) {
			return
		}
		d.delivered.Add(1)
		m.Status = model.Done
		m.ProcessedAt = &now
		m.ErrorMessage = ""
		log.Info().Str("provider_message_id", m.ProviderMessageID).Msg("message delivered")
		d.fire(func(h Hooks) {
			if h.OnDone != nil {
				h.OnDone(ctx, *m)
			}
		})
		return
	}

	reason := errs.Truncate(cause.Error(), maxErrorMessage)

	if errs.IsRetryable(cause) && m.CanRetry() {
		next := now.Add(d.backoff.Delay(m.RetryCount + 1))
		if d.lost(d.repo.Retry(ctx, m.ID, workerID, reason, next), "retry", log) {
			return
		}
		d.retried.Add(1)
		m.Status = model.Pending
		m.RetryCount++
		m.ScheduledAt = next
		m.ErrorMessage = reason
		log.Warn().Err(cause).Time("next_attempt_at", next).Msg("delivery failed, retry scheduled")
		d.fire(func(h Hooks) {
			if h.OnRetry != nil {
				h.OnRetry(ctx, *m, reason)
			}
		})
		return
	}

	if d.lost(d.repo.DeadLetter(ctx, m.ID, workerID, reason, now), "dead-letter", log) {
		return
	}
	d.dead.Add(1)
	m.Status = model.Dead
	m.ProcessedAt = &now
	m.ErrorMessage = reason
	log.Error().Err(cause).Int("retry_count", m.RetryCount).Msg("message dead-lettered")
	d.fire(func(h Hooks) {
		if h.OnDead != nil {
			h.OnDead(ctx, *m, reason)
		}
	})
}

// lost reports whether a transition did not happen. A lost claim means
// another worker or the reaper owns the row now; the result is dropped.
func (d *Dispatcher) lost(err error, op string, log zerolog.Logger) bool {
	if err == nil {
		return false
	}
	if errs.IsClaimConflict(err) {
		d.conflicts.Add(1)
		log.Warn().Str("op", op).Msg("claim lost, result discarded")
		return true
	}
	log.Error().Err(err).Str("op", op).Msg("transition failed, row left to the reaper")
	return true
}

func (d *Dispatcher) fire(call func(Hooks)) {
	for _, h := range d.hooks {
		call(h)
	}
}

// heartbeat refreshes claimedAt every ClaimTimeout/3 until the returned stop
// func is called.
func (d *Dispatcher) heartbeat(ctx context.Context, workerID, id string, log zerolog.Logger) (stop func()) {
	interval := d.cfg.ClaimTimeout / 3
	if interval <= 0 {
		return func() {}
	}

	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-t.C:
				err := d.repo.Heartbeat(hbCtx, id, workerID, d.now().UTC())
				if errs.IsClaimConflict(err) {
					log.Warn().Msg("claim lost during processing")
					return
				}
				if err != nil && hbCtx.Err() == nil {
					log.Warn().Err(err).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// Reap takes over processing rows whose heartbeat is older than the claim
// timeout and resolves each as a transient failure. It returns how many rows
// were reclaimed.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	now := d.now().UTC()
	reaper := d.reaperID()

	rows, err := d.repo.ReclaimStale(ctx, now.Add(-d.cfg.ClaimTimeout), reaper, now, d.cfg.ReapBatch)
	if err != nil {
		return 0, err
	}

	for i := range rows {
		m := &rows[i]
		log := d.log.With().
			Str("message_id", m.ID).
			Str("correlation_id", m.CorrelationID).
			Str("message_type", string(m.Type)).
			Str("worker_id", reaper).
			Int("attempt", m.RetryCount+1).
			Logger()
		log.Warn().Msg("reclaiming stale message")
		d.reclaimed.Add(1)
		d.resolve(ctx, reaper, m, errClaimExpired, log)
	}
	return len(rows), nil
}

// Purge deletes done and dead rows processed more than retention ago.
func (d *Dispatcher) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	n, err := d.repo.Purge(ctx, d.now().UTC().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.log.Info().Int64("deleted", n).Dur("retention", retention).Msg("old queue rows purged")
	}
	return n, nil
}
