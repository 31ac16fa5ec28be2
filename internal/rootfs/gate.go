// Package rootfs coordinates temporary write access to a read-only root filesystem.
//
// Many independent operations need the root filesystem writable while they run.
// The Gate reference-counts those holders: the first Acquire remounts read-write,
// the last Release remounts read-only. Remount failures are logged and counted,
// never returned, so callers always proceed.
package rootfs

import (
	"log/slog"
	"sync"

	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/metrics"
)

// Remounter performs the remount side effects for the Gate.
type Remounter interface {
	RemountReadWrite(mountPoint string) error
	RemountReadOnly(mountPoint string) error
}

// Gate is a reference-counted writable toggle. The zero value is not usable; use NewGate.
type Gate struct {
	enabled    bool
	mountPoint string
	remounter  Remounter
	logger     *slog.Logger

	mu      sync.Mutex
	holders int
	// roPending is set while the last read-only remount has failed.
	roPending bool
}

// NewGate creates a gate for mountPoint. A disabled gate turns Acquire and Release
// into no-ops. A nil remounter uses the system mount call.
func NewGate(enabled bool, mountPoint string, remounter Remounter, logger *slog.Logger) *Gate {
	if remounter == nil {
		remounter = SystemRemounter{}
	}
	if mountPoint == "" {
		mountPoint = "/"
	}
	return &Gate{
		enabled:    enabled,
		mountPoint: mountPoint,
		remounter:  remounter,
		logger:     logging.WithComponent(logger, "rootfs").With(slog.String("mount_point", mountPoint)),
	}
}

// Enabled reports whether the gate performs remounts.
func (g *Gate) Enabled() bool {
	return g.enabled
}

// Holders returns the current number of outstanding Acquire calls.
func (g *Gate) Holders() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.holders
}

// Acquire makes the filesystem writable if this is the first holder.
func (g *Gate) Acquire() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holders == 0 {
		g.roPending = false
		err := g.remounter.RemountReadWrite(g.mountPoint)
		metrics.IncRemount("rw", err == nil)
		if err != nil {
			g.logger.Error("failed to remount read-write", slog.String("error", err.Error()))
		} else {
			g.logger.Debug("remounted read-write")
		}
	}
	g.holders++
	metrics.SetGateHolders(g.holders)
}

// Release drops one holder and remounts read-only when none remain.
// A Release without a matching Acquire is logged. It retries the read-only
// remount if the previous attempt failed, and is otherwise ignored.
func (g *Gate) Release() {
	if !g.enabled {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holders == 0 {
		g.logger.Warn("writable gate released without a holder", slog.Bool("retry_read_only", g.roPending))
		if g.roPending {
			g.remountReadOnly()
		}
		return
	}
	g.holders--
	metrics.SetGateHolders(g.holders)
	if g.holders > 0 {
		return
	}
	g.remountReadOnly()
}

func (g *Gate) remountReadOnly() {
	err := g.remounter.RemountReadOnly(g.mountPoint)
	metrics.IncRemount("ro", err == nil)
	g.roPending = err != nil
	if err != nil {
		g.logger.Error("failed to remount read-only", slog.String("error", err.Error()))
		return
	}
	g.logger.Debug("remounted read-only")
}
