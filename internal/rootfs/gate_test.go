package rootfs

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeRemounter struct {
	rw, ro   atomic.Int32
	fail     bool
	roFails  atomic.Int32
	mu       sync.Mutex
	writable bool
}

func (f *fakeRemounter) RemountReadWrite(string) error {
	f.rw.Add(1)
	f.mu.Lock()
	f.writable = true
	f.mu.Unlock()
	if f.fail {
		return errors.New("mount: permission denied")
	}
	return nil
}

func (f *fakeRemounter) RemountReadOnly(string) error {
	f.ro.Add(1)
	f.mu.Lock()
	f.writable = false
	f.mu.Unlock()
	if f.roFails.Load() > 0 {
		f.roFails.Add(-1)
		return errors.New("mount: device busy")
	}
	if f.fail {
		return errors.New("mount: device busy")
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGate_Disabled(t *testing.T) {
	r := &fakeRemounter{}
	g := NewGate(false, "/", r, discardLogger())

	g.Acquire()
	g.Release()
	g.Release()

	if r.rw.Load() != 0 || r.ro.Load() != 0 {
		t.Errorf("disabled gate remounted: rw=%d ro=%d", r.rw.Load(), r.ro.Load())
	}
	if g.Holders() != 0 {
		t.Errorf("Holders = %d, want 0", g.Holders())
	}
}

func TestGate_NestedHolders(t *testing.T) {
	r := &fakeRemounter{}
	g := NewGate(true, "/", r, discardLogger())

	g.Acquire()
	g.Acquire()
	if r.rw.Load() != 1 {
		t.Errorf("rw remounts = %d, want 1", r.rw.Load())
	}
	if g.Holders() != 2 {
		t.Errorf("Holders = %d, want 2", g.Holders())
	}

	g.Release()
	if r.ro.Load() != 0 {
		t.Error("remounted read-only while a holder remained")
	}
	g.Release()
	if r.ro.Load() != 1 {
		t.Errorf("ro remounts = %d, want 1", r.ro.Load())
	}
}

func TestGate_ReleaseWithoutAcquireClamps(t *testing.T) {
	r := &fakeRemounter{}
	g := NewGate(true, "/", r, discardLogger())

	g.Release()
	if g.Holders() != 0 {
		t.Errorf("Holders = %d, want 0", g.Holders())
	}
	if r.ro.Load() != 0 {
		t.Errorf("unmatched release remounted read-only %d times", r.ro.Load())
	}

	g.Acquire()
	if r.rw.Load() != 1 || g.Holders() != 1 {
		t.Errorf("after acquire: rw=%d holders=%d", r.rw.Load(), g.Holders())
	}
}

func TestGate_RemountFailureDoesNotBlock(t *testing.T) {
	r := &fakeRemounter{fail: true}
	g := NewGate(true, "/", r, discardLogger())

	g.Acquire()
	if g.Holders() != 1 {
		t.Errorf("Holders = %d, want 1 despite remount failure", g.Holders())
	}
	g.Release()
	if g.Holders() != 0 {
		t.Errorf("Holders = %d, want 0", g.Holders())
	}
}

func TestGate_UnmatchedReleaseRetriesFailedReadOnly(t *testing.T) {
	r := &fakeRemounter{}
	r.roFails.Store(1)
	g := NewGate(true, "/", r, discardLogger())

	g.Acquire()
	g.Release()
	if r.ro.Load() != 1 {
		t.Fatalf("ro remounts = %d, want 1", r.ro.Load())
	}

	g.Release()
	if r.ro.Load() != 2 {
		t.Errorf("ro remounts after retry = %d, want 2", r.ro.Load())
	}
	if g.Holders() != 0 {
		t.Errorf("Holders = %d, want 0", g.Holders())
	}

	g.Release()
	if r.ro.Load() != 2 {
		t.Errorf("release after successful retry remounted again: ro=%d", r.ro.Load())
	}
}

func TestGate_ConcurrentPairs(t *testing.T) {
	r := &fakeRemounter{}
	g := NewGate(true, "/", r, discardLogger())

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Acquire()
			r.mu.Lock()
			writable := r.writable
			r.mu.Unlock()
			if !writable {
				t.Error("holder observed a read-only filesystem")
			}
			g.Release()
		}()
	}
	wg.Wait()

	if g.Holders() != 0 {
		t.Errorf("Holders = %d, want 0", g.Holders())
	}
	rw, ro := r.rw.Load(), r.ro.Load()
	if rw != ro {
		t.Errorf("unbalanced remounts: rw=%d ro=%d", rw, ro)
	}
	if rw < 1 || rw > workers {
		t.Errorf("rw remounts = %d, want between 1 and %d", rw, workers)
	}
}
