// Package commands tracks background shell commands started on behalf of RPC callers.
//
// The Registry admits commands under a concurrency cap, runs each one on its own
// goroutine and keeps the finished record queryable for a retention window.
// Finished records are reclaimed lazily: only a later Start call removes them.
// Commands are never cancelled once started; an Executor runtime limit is the
// only bound.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/metrics"
)

// DefaultRetention is how long a finished record stays queryable.
const DefaultRetention = 60 * time.Second

// Runner is the execution primitive used for each command.
type Runner interface {
	// Run executes commandLine to completion and returns its exit code and combined output.
	Run(ctx context.Context, commandLine string) (int, string, error)

	// RunDetached executes commandLine to completion without capturing output.
	RunDetached(ctx context.Context, commandLine string) (int, error)
}

// Gate grants write access to the root filesystem for the duration of a command.
type Gate interface {
	Acquire()
	Release()
}

// Options describe how a command is run.
type Options struct {
	// Detached discards output and reduces status to 0 or -1.
	Detached bool

	// Metadata is echoed unchanged in every snapshot of the command.
	Metadata any

	// SelfManagedGate means the command line acquires and releases the writable
	// gate itself, so the executor must not.
	SelfManagedGate bool

	// Source names the operation that started the command, for history and events.
	Source string
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxConcurrent sets the number of commands that may run at once. Values below 1 are ignored.
func WithMaxConcurrent(n int) Option {
	return func(r *Registry) {
		if n >= 1 {
			r.maxConcurrent = n
		}
	}
}

// WithRetention overrides DefaultRetention. Non-positive values are ignored.
func WithRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.retention = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithSinks registers lifecycle observers.
func WithSinks(sinks ...Sink) Option {
	return func(r *Registry) { r.sinks = append(r.sinks, sinks...) }
}

// Registry owns every tracked command record.
type Registry struct {
	runner        Runner
	gate          Gate
	logger        *slog.Logger
	sinks         []Sink
	maxConcurrent int
	retention     time.Duration
	now           func() time.Time

	mu        sync.Mutex
	records   map[int32]*record
	nextID    int32
	disposing bool

	wg sync.WaitGroup
}

// NewRegistry creates a registry that runs commands with runner, holding gate
// while each command runs. The concurrency cap defaults to 10.
func NewRegistry(runner Runner, gate Gate, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		runner:        runner,
		gate:          gate,
		logger:        logging.WithComponent(logger, "commands"),
		maxConcurrent: 10,
		retention:     DefaultRetention,
		now:           time.Now,
		records:       make(map[int32]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start admits commandLine and runs it in the background. It returns the new
// command id immediately, or ErrDisposing / ErrTooManyCommands.
func (r *Registry) Start(commandLine string, opts Options) (int32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposing {
		metrics.IncRejected("disposing")
		return CodeUnavailable, ErrDisposing
	}

	r.collectLocked()

	running := 0
	for _, rec := range r.records {
		if rec.running.Load() {
			running++
		}
	}
	if running >= r.maxConcurrent {
		metrics.IncRejected("too_many_commands")
		r.logger.Warn("command rejected, concurrency limit reached",
			slog.Int("running", running),
			slog.Int("max", r.maxConcurrent),
		)
		return CodeTooMany, fmt.Errorf("%w (%d running)", ErrTooManyCommands, running)
	}

	id := r.allocateIDLocked()
	rec := newRecord(id, commandLine, opts, r.now())
	r.records[id] = rec

	r.wg.Add(1)
	go r.execute(rec)

	metrics.IncStarted()
	r.logger.Info("command started",
		slog.Int("command_id", int(id)),
		slog.String("source", opts.Source),
		slog.Bool("detached", opts.Detached),
	)
	return id, nil
}

// collectLocked joins and removes records that finished more than the retention
// window ago. r.mu must be held.
func (r *Registry) collectLocked() {
	now := r.now()
	for id, rec := range r.records {
		if !rec.expired(now, r.retention) {
			continue
		}
		<-rec.done
		delete(r.records, id)
		r.logger.Debug("reclaimed finished command", slog.Int("command_id", int(id)))
	}
}

// allocateIDLocked returns the next free id. The counter wraps at the int32
// boundary, skips the -1 and -2 admission codes and any id still tracked.
// r.mu must be held.
func (r *Registry) allocateIDLocked() int32 {
	for {
		r.nextID++
		if r.nextID == CodeUnavailable || r.nextID == CodeTooMany {
			continue
		}
		if _, taken := r.records[r.nextID]; taken {
			continue
		}
		return r.nextID
	}
}

// execute runs one command and publishes its terminal state.
func (r *Registry) execute(rec *record) {
	defer r.wg.Done()

	// Sinks may be slow. The command does not wait for the start event, but
	// the finish event is held until the start event has been delivered.
	started := make(chan struct{})
	go func(res Result) {
		defer close(started)
		r.notifyStarted(res)
	}(rec.result())

	status, output := r.run(rec)
	rec.finish(status, output, r.now())

	res := rec.result()
	outcome := "success"
	if status != 0 {
		outcome = "failure"
	}
	metrics.ObserveFinished(outcome, res.Duration())
	r.logger.Info("command finished",
		slog.Int("command_id", int(rec.id)),
		slog.Int("status", int(status)),
		slog.Duration("duration", res.Duration()),
	)

	<-started
	r.notifyFinished(res)
}

// run executes the command line under the gate. Panics and runner errors
// become status -1.
func (r *Registry) run(rec *record) (status int32, output string) {
	status = -1
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("command executor panicked",
				slog.Int("command_id", int(rec.id)),
				slog.Any("panic", p),
			)
			status = -1
		}
	}()

	if !rec.selfManagedGate {
		r.gate.Acquire()
		defer r.gate.Release()
	}

	ctx := context.Background()
	if rec.detached {
		code, err := r.runner.RunDetached(ctx, rec.commandLine)
		if err != nil {
			r.logger.Error("detached command failed to run",
				slog.Int("command_id", int(rec.id)),
				slog.String("error", err.Error()),
			)
			return -1, ""
		}
		if code != 0 {
			return -1, ""
		}
		return 0, ""
	}

	code, out, err := r.runner.Run(ctx, rec.commandLine)
	if err != nil {
		r.logger.Error("command failed to run",
			slog.Int("command_id", int(rec.id)),
			slog.String("error", err.Error()),
		)
		return -1, out
	}
	return int32(code), out
}

// Status returns the snapshot of one tracked command.
func (r *Registry) Status(id int32) (Snapshot, error) {
	r.mu.Lock()
	rec, ok := r.records[id]
	r.mu.Unlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrUnknownCommand, id)
	}
	return rec.snapshot(), nil
}

// StatusAll returns snapshots of every tracked command in map order.
func (r *Registry) StatusAll() []Snapshot {
	r.mu.Lock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, rec.snapshot())
	}
	return snaps
}

// Running returns the number of commands still executing.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, rec := range r.records {
		if rec.running.Load() {
			n++
		}
	}
	return n
}

// Shutdown rejects further admissions and waits for every running command to
// finish, or until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.disposing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		r.logger.Warn("shutdown deadline reached with commands still running",
			slog.Int("running", r.Running()),
		)
		return ctx.Err()
	}
}
