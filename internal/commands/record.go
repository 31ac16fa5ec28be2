package commands

import (
	"sync"
	"sync/atomic"
	"time"
)

// record is the bookkeeping entry for one background command.
// id, commandLine, detached, selfManagedGate, source, metadata and startTime are
// immutable after creation. status, output and endTime are written once by the
// executor goroutine under mu.
type record struct {
	id              int32
	commandLine     string
	detached        bool
	selfManagedGate bool
	source          string
	metadata        any
	startTime       time.Time

	running atomic.Bool

	mu      sync.Mutex
	status  int32
	output  string
	endTime int64 // Unix milliseconds, 0 while running

	// done is closed after the terminal state is published.
	done chan struct{}
}

func newRecord(id int32, commandLine string, opts Options, now time.Time) *record {
	r := &record{
		id:              id,
		commandLine:     commandLine,
		detached:        opts.Detached,
		selfManagedGate: opts.SelfManagedGate,
		source:          opts.Source,
		metadata:        opts.Metadata,
		startTime:       now,
		status:          -1,
		done:            make(chan struct{}),
	}
	r.running.Store(true)
	return r
}

// finish publishes the terminal state. running is cleared only after the
// fields are set, so an observer seeing running == false sees the final values.
func (r *record) finish(status int32, output string, end time.Time) {
	endMs := end.UnixMilli()
	if endMs == 0 {
		endMs = 1
	}

	r.mu.Lock()
	r.status = status
	r.output = output
	r.endTime = endMs
	r.mu.Unlock()

	r.running.Store(false)
	close(r.done)
}

// expired reports whether the record finished more than retention before now.
func (r *record) expired(now time.Time, retention time.Duration) bool {
	if r.running.Load() {
		return false
	}
	r.mu.Lock()
	end := r.endTime
	r.mu.Unlock()
	return now.UnixMilli()-end > retention.Milliseconds()
}

func (r *record) snapshot() Snapshot {
	s := Snapshot{
		ID:       r.id,
		Metadata: r.metadata,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// endTime is the terminal marker; it is set under mu before running is cleared.
	if r.endTime == 0 {
		return s
	}
	status, output, end := r.status, r.output, r.endTime
	s.Finished = true
	s.Status = &status
	s.Output = &output
	s.EndTime = &end
	return s
}

func (r *record) result() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := Result{
		ID:          r.id,
		CommandLine: r.commandLine,
		Source:      r.source,
		Detached:    r.detached,
		Metadata:    r.metadata,
		Status:      r.status,
		Output:      r.output,
		StartTime:   r.startTime,
		Running:     r.endTime == 0,
	}
	if r.endTime != 0 {
		res.EndTime = time.UnixMilli(r.endTime)
	}
	return res
}
