package pidfile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestAcquire_WritesPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "management.pid")
	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file contains %q", got)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pid file still exists: %v", err)
	}
}

func TestAcquire_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "management.pid")
	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Shutdown(context.Background())

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts.
	if _, err := Acquire(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Acquire err = %v, want ErrLocked", err)
	}
}

func TestAcquire_ReplacesStaleContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "management.pid")
	if err := os.WriteFile(path, []byte("999999999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Shutdown(context.Background())

	data, _ := os.ReadFile(path)
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Errorf("pid file contains %q", data)
	}
}
