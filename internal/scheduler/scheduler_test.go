package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/doughall/linuxrmm/management/internal/config"
	"github.com/doughall/linuxrmm/management/internal/rpc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type call struct {
	method string
	params rpc.Params
}

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []call
	result any
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, method string, params rpc.Params) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call{method, params})
	return d.result, d.err
}

func (d *fakeDispatcher) Calls() []call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]call(nil), d.calls...)
}

func openTestState(t *testing.T) *State {
	t.Helper()
	st, err := OpenState(filepath.Join(t.TempDir(), "maintenance.db"))
	if err != nil {
		t.Fatalf("OpenState: %v", err)
	}
	t.Cleanup(func() { _ = st.Shutdown(context.Background()) })
	return st
}

var nightly = config.MaintenanceJob{
	Name:     "nightly-update",
	Schedule: "0 3 * * *",
	Method:   "managementAptUpdate",
}

func TestNew_InvalidSchedule(t *testing.T) {
	jobs := []config.MaintenanceJob{{Name: "bad", Schedule: "every day", Method: "x"}}
	if _, err := New(jobs, &fakeDispatcher{}, nil, discardLogger()); err == nil {
		t.Fatal("expected an error for an invalid schedule")
	}
}

func TestRunDue_RunsWhenScheduled(t *testing.T) {
	now := time.Date(2026, 10, 18, 2, 59, 0, 0, time.Local)
	d := &fakeDispatcher{result: int32(4)}
	st := openTestState(t)

	job := nightly
	job.Params = []any{"x", 5}
	s, err := New([]config.MaintenanceJob{job}, d, st, discardLogger(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.planJobs()

	s.runDue(context.Background())
	if n := len(d.Calls()); n != 0 {
		t.Fatalf("job ran %d times before 03:00", n)
	}

	now = now.Add(time.Minute)
	s.runDue(context.Background())
	s.runDue(context.Background())

	calls := d.Calls()
	if len(calls) != 1 {
		t.Fatalf("job ran %d times, want 1", len(calls))
	}
	if calls[0].method != "managementAptUpdate" || len(calls[0].params) != 2 || string(calls[0].params[1]) != "5" {
		t.Errorf("unexpected call %+v", calls[0])
	}

	last, ok, err := st.LastRun("nightly-update")
	if err != nil || !ok || !last.Equal(now) {
		t.Errorf("LastRun = %v, %v, %v; want %v", last, ok, err, now)
	}
}

func TestPlanJobs_CatchesUpMissedRun(t *testing.T) {
	st := openTestState(t)
	lastRun := time.Date(2026, 10, 16, 3, 0, 0, 0, time.Local)
	if err := st.SetLastRun("nightly-update", lastRun); err != nil {
		t.Fatalf("SetLastRun: %v", err)
	}

	now := time.Date(2026, 10, 18, 12, 0, 0, 0, time.Local)
	d := &fakeDispatcher{result: int32(1)}
	s, err := New([]config.MaintenanceJob{nightly}, d, st, discardLogger(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.planJobs()
	s.runDue(context.Background())

	if n := len(d.Calls()); n != 1 {
		t.Fatalf("missed job ran %d times, want 1", n)
	}
	want := time.Date(2026, 10, 19, 3, 0, 0, 0, time.Local)
	if !s.jobs[0].next.Equal(want) {
		t.Errorf("next = %v, want %v", s.jobs[0].next, want)
	}
}

func TestRunDue_FailuresDoNotStopSchedule(t *testing.T) {
	tests := []struct {
		name   string
		result any
		err    error
	}{
		{"rejected", int32(-2), nil},
		{"fault", nil, rpc.NewFault(rpc.FaultMethodNotFound, "Requested method not found.")},
		{"error", nil, errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2026, 10, 18, 3, 0, 0, 0, time.Local)
			d := &fakeDispatcher{result: tt.result, err: tt.err}
			s, err := New([]config.MaintenanceJob{nightly}, d, nil, discardLogger(), WithClock(func() time.Time { return now }))
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			s.planJobs()
			now = now.Add(24 * time.Hour)
			s.runDue(context.Background())
			now = now.Add(24 * time.Hour)
			s.runDue(context.Background())

			if n := len(d.Calls()); n != 2 {
				t.Errorf("job ran %d times, want 2", n)
			}
		})
	}
}

func TestStartShutdown(t *testing.T) {
	d := &fakeDispatcher{result: int32(1)}
	s, err := New([]config.MaintenanceJob{nightly}, d, nil, discardLogger(), WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestShutdown_NotStarted(t *testing.T) {
	s, err := New(nil, &fakeDispatcher{}, nil, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
