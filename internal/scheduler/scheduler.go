package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Job is one periodic maintenance task. Run reports how many queue rows it
// touched so every job logs the same way.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; zero means the run may take a full interval.
	Timeout time.Duration
	Run     func(context.Context) (int64, error)
}

// JobStats is a snapshot of one job's run history.
type JobStats struct {
	Runs     int64     `json:"runs"`
	Failures int64     `json:"failures"`
	Affected int64     `json:"affected"`
	LastRun  time.Time `json:"lastRun,omitzero"`
	LastErr  string    `json:"lastError,omitempty"`
}

type jobState struct {
	Job

	runs     atomic.Int64
	failures atomic.Int64
	affected atomic.Int64

	mu      sync.Mutex
	lastRun time.Time
	lastErr string
}

// Scheduler runs its jobs on independent tickers. Each job runs once
// immediately on Start, and a run never overlaps the next one of the same job.
type Scheduler struct {
	jobs []*jobState
	log  zerolog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(log zerolog.Logger, jobs ...Job) (*Scheduler, error) {
	if len(jobs) == 0 {
		return nil, errors.New("at least one job is required")
	}
	seen := make(map[string]bool, len(jobs))
	states := make([]*jobState, 0, len(jobs))
	for _, j := range jobs {
		switch {
		case j.Name == "":
			return nil, errors.New("job name must not be empty")
		case seen[j.Name]:
			return nil, fmt.Errorf("duplicate job %q", j.Name)
		case j.Interval <= 0:
			return nil, fmt.Errorf("job %q: interval must be > 0", j.Name)
		case j.Timeout < 0:
			return nil, fmt.Errorf("job %q: timeout must be >= 0", j.Name)
		case j.Run == nil:
			return nil, fmt.Errorf("job %q: run func must not be nil", j.Name)
		}
		seen[j.Name] = true
		if j.Timeout == 0 {
			j.Timeout = j.Interval
		}
		states = append(states, &jobState{Job: j})
	}
	return &Scheduler{
		jobs: states,
		log:  log.With().Str("component", "scheduler").Logger(),
	}, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running.Store(true)

	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	return true
}

// Stop cancels in-flight runs and waits for every job loop to exit.
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	s.wg.Wait()
	s.running.Store(false)
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Stats() map[string]JobStats {
	out := make(map[string]JobStats, len(s.jobs))
	for _, j := range s.jobs {
		j.mu.Lock()
		out[j.Name] = JobStats{
			Runs:     j.runs.Load(),
			Failures: j.failures.Load(),
			Affected: j.affected.Load(),
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
		}
		j.mu.Unlock()
	}
	return out
}

func (s *Scheduler) loop(ctx context.Context, j *jobState) {
	defer s.wg.Done()

	log := s.log.With().Str("job", j.Name).Logger()
	log.Info().Dur("interval", j.Interval).Dur("timeout", j.Timeout).Msg("job started")

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	s.runOnce(ctx, j, log)
	for {
		select {
		case <-ctx.Done():
			log.Info().Int64("runs", j.runs.Load()).Int64("failures", j.failures.Load()).Msg("job stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx, j, log)
		}
	}
}

func (s *Scheduler) runOnce(parent context.Context, j *jobState, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(parent, j.Timeout)
	defer cancel()

	start := time.Now()
	n, err := safeRun(ctx, j.Run)

	j.runs.Add(1)
	j.affected.Add(n)
	j.mu.Lock()
	j.lastRun = start
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.mu.Unlock()

	elapsed := time.Since(start)
	switch {
	case err != nil && parent.Err() != nil:
		// Shutting down; the cancellation is ours.
	case err != nil:
		j.failures.Add(1)
		log.Error().Err(err).Dur("elapsed", elapsed).Msg("job run failed")
	case n > 0:
		log.Info().Int64("affected", n).Dur("elapsed", elapsed).Msg("job run completed")
	default:
		log.Debug().Dur("elapsed", elapsed).Msg("job run completed")
	}
}

func safeRun(ctx context.Context, fn func(context.Context) (int64, error)) (n int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
