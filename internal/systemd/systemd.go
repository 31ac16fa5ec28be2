// Package systemd integrates the daemon with systemd's notify protocol.
//
// The unit runs as Type=notify: READY=1 is sent once the RPC socket accepts
// connections, so parents started After= the unit never see a missing socket.
// When WatchdogSec is set the daemon pings at half the interval while its
// health check passes. Every call degrades to a no-op outside systemd.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/doughall/linuxrmm/management/internal/logging"
)

// HealthCheckFunc reports whether the daemon is healthy enough to ping the watchdog.
type HealthCheckFunc func() bool

// Notifier sends sd_notify messages.
type Notifier struct {
	logger *slog.Logger
}

// NewNotifier creates a notifier that logs through logger.
func NewNotifier(logger *slog.Logger) *Notifier {
	return &Notifier{logger: logging.WithComponent(logger, "systemd")}
}

func (n *Notifier) notify(state, what string) bool {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.logger.Warn("failed to send systemd notification",
			slog.String("state", what),
			slog.String("error", err.Error()),
		)
		return false
	}
	if sent {
		n.logger.Debug("sent systemd notification", slog.String("state", what))
	}
	return sent
}

// NotifyReady sends READY=1. Returns false when not running under systemd.
func (n *Notifier) NotifyReady() bool {
	return n.notify(daemon.SdNotifyReady, "ready")
}

// NotifyStopping sends STOPPING=1.
func (n *Notifier) NotifyStopping() bool {
	return n.notify(daemon.SdNotifyStopping, "stopping")
}

// NotifyStatus sets the free-form status line shown by systemctl status.
func (n *Notifier) NotifyStatus(format string, args ...any) bool {
	return n.notify("STATUS="+fmt.Sprintf(format, args...), "status")
}

// StartWatchdog pings the watchdog every half WatchdogSec while healthCheck
// passes, until ctx is done. It returns false if no watchdog is configured.
func (n *Notifier) StartWatchdog(ctx context.Context, healthCheck HealthCheckFunc) bool {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.logger.Debug("watchdog not enabled", slog.String("error", err.Error()))
		return false
	}
	if interval == 0 {
		return false
	}

	pingInterval := interval / 2
	n.logger.Info("starting systemd watchdog",
		slog.Duration("watchdog_interval", interval),
		slog.Duration("ping_interval", pingInterval),
	)
	go n.watchdogLoop(ctx, pingInterval, healthCheck)
	return true
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration, healthCheck HealthCheckFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !healthCheck() {
				n.logger.Warn("health check failed, skipping watchdog ping")
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				n.logger.Warn("failed to send watchdog ping", slog.String("error", err.Error()))
			}
		}
	}
}

// IsRunningUnderSystemd returns true if NOTIFY_SOCKET is set.
func IsRunningUnderSystemd() bool {
	return os.Getenv("NOTIFY_SOCKET") != ""
}
