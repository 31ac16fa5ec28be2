// Package scheduler runs configured maintenance jobs on cron schedules.
// Each job invokes a catalog method through the same dispatcher the RPC server
// uses, so scheduled work obeys the same admission rules as remote calls.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/doughall/linuxrmm/management/internal/config"
	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

const defaultInterval = 30 * time.Second

// Dispatcher invokes an RPC method in-process.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params rpc.Params) (any, error)
}

// LastRunStore remembers when each job last ran.
type LastRunStore interface {
	LastRun(job string) (time.Time, bool, error)
	SetLastRun(job string, t time.Time) error
}

type job struct {
	name     string
	method   string
	params   rpc.Params
	schedule cron.Schedule
	next     time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler runs the maintenance loop.
type Scheduler struct {
	jobs       []*job
	dispatcher Dispatcher
	state      LastRunStore
	logger     *slog.Logger
	interval   time.Duration
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New parses the configured jobs. state may be nil, in which case missed runs
// are not caught up after a restart.
func New(jobs []config.MaintenanceJob, dispatcher Dispatcher, state LastRunStore, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		dispatcher: dispatcher,
		state:      state,
		logger:     logging.WithComponent(logger, "scheduler"),
		interval:   defaultInterval,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	parser := NewCronParser()
	for _, j := range jobs {
		schedule, err := parser.Parse(j.Schedule)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		params, err := rpc.EncodeParams(j.Params...)
		if err != nil {
			return nil, fmt.Errorf("job %q: failed to encode params: %w", j.Name, err)
		}
		s.jobs = append(s.jobs, &job{
			name:     j.Name,
			method:   j.Method,
			params:   params,
			schedule: schedule,
		})
	}
	return s, nil
}

// Start runs the loop in a goroutine until Shutdown.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Run checks for due jobs every interval until ctx is done (blocking).
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		s.logger.Debug("no maintenance jobs configured")
		return
	}
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	s.planJobs()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Catch jobs that became due while the daemon was down
	s.runDue(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// planJobs computes the first run of every job from its recorded last run.
func (s *Scheduler) planJobs() {
	now := s.now()
	for _, j := range s.jobs {
		from := now
		if s.state != nil {
			last, ok, err := s.state.LastRun(j.name)
			if err != nil {
				s.logger.Warn("failed to read last run",
					slog.String("job", j.name),
					slog.String("error", err.Error()),
				)
			} else if ok {
				from = last
			}
		}
		j.next = j.schedule.Next(from)
		s.logger.Debug("maintenance job planned",
			slog.String("job", j.name),
			slog.Time("next_run_at", j.next),
		)
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		s.execute(ctx, j)
		j.next = j.schedule.Next(now)

		if s.state != nil {
			if err := s.state.SetLastRun(j.name, now); err != nil {
				s.logger.Error("failed to record last run",
					slog.String("job", j.name),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	logger := s.logger.With(
		slog.String("job", j.name),
		slog.String("method", j.method),
	)

	result, err := s.dispatcher.Dispatch(ctx, j.method, j.params)
	if err != nil {
		logger.Error("maintenance job failed", slog.String("error", err.Error()))
		return
	}
	if id, ok := result.(int32); ok && id < 0 {
		logger.Warn("maintenance job not admitted", slog.Int("code", int(id)))
		return
	}
	logger.Info("maintenance job started", slog.Any("result", result))
}

// Shutdown stops the loop started by Start and waits for it to return.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
