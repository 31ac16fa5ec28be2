package systemd

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// listenNotify creates a datagram socket and points NOTIFY_SOCKET at it.
func listenNotify(t *testing.T) *net.UnixConn {
	t.Helper()
	dir, err := os.MkdirTemp("", "sd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := filepath.Join(dir, "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatalf("ListenUnixgram: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	t.Setenv("NOTIFY_SOCKET", path)
	return conn
}

func readMessage(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	buf := make([]byte, 256)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read notification: %v", err)
	}
	return string(buf[:n])
}

func TestNotify_NoSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(discardLogger())
	if n.NotifyReady() {
		t.Error("NotifyReady returned true without NOTIFY_SOCKET")
	}
	if IsRunningUnderSystemd() {
		t.Error("IsRunningUnderSystemd returned true")
	}
}

func TestNotify_Messages(t *testing.T) {
	conn := listenNotify(t)
	n := NewNotifier(discardLogger())

	if !n.NotifyReady() {
		t.Fatal("NotifyReady returned false")
	}
	if got := readMessage(t, conn); got != "READY=1" {
		t.Errorf("got %q, want READY=1", got)
	}

	n.NotifyStatus("%d commands running", 3)
	if got := readMessage(t, conn); got != "STATUS=3 commands running" {
		t.Errorf("got %q", got)
	}

	n.NotifyStopping()
	if got := readMessage(t, conn); got != "STOPPING=1" {
		t.Errorf("got %q, want STOPPING=1", got)
	}
}

func TestStartWatchdog_Pings(t *testing.T) {
	conn := listenNotify(t)
	t.Setenv("WATCHDOG_USEC", "20000")
	t.Setenv("WATCHDOG_PID", strconv.Itoa(os.Getpid()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks atomic.Int32
	n := NewNotifier(discardLogger())
	if !n.StartWatchdog(ctx, func() bool { checks.Add(1); return true }) {
		t.Fatal("watchdog did not start")
	}
	if got := readMessage(t, conn); !strings.HasPrefix(got, "WATCHDOG=1") {
		t.Errorf("got %q, want WATCHDOG=1", got)
	}
	if checks.Load() == 0 {
		t.Error("health check was not consulted")
	}
}

func TestStartWatchdog_Disabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")
	n := NewNotifier(discardLogger())
	if n.StartWatchdog(context.Background(), func() bool { return true }) {
		t.Error("watchdog started without WATCHDOG_USEC")
	}
}
