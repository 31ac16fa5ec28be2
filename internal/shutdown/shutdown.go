// Package shutdown stops daemon components in reverse registration order.
//
// Components registered later usually depend on earlier ones: the RPC server
// depends on the command registry, which depends on the history store. Stopping
// in LIFO order lets each dependent drain before its dependency goes away.
//
//	coord := shutdown.NewCoordinator(logger)
//	coord.Register("history", store)
//	coord.Register("registry", registry)
//	coord.Register("rpc", server)
//	coord.Shutdown(ctx) // rpc, then registry, then history
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/linuxrmm/management/internal/logging"
)

// Shutdowner is implemented by every component that takes part in shutdown.
// Shutdown should respect the context deadline and return ctx.Err() if it
// cannot complete in time.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Func adapts a plain function to Shutdowner.
type Func func(ctx context.Context) error

// Shutdown calls f.
func (f Func) Shutdown(ctx context.Context) error {
	return f(ctx)
}

type component struct {
	name       string
	shutdowner Shutdowner
}

// Coordinator manages ordered shutdown.
type Coordinator struct {
	components []component
	logger     *slog.Logger
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger: logging.WithComponent(logger, "shutdown"),
	}
}

// Register adds a component. A nil Shutdowner is ignored.
func (c *Coordinator) Register(name string, s Shutdowner) {
	if s == nil {
		return
	}
	c.components = append(c.components, component{name: name, shutdowner: s})
	c.logger.Debug("registered shutdown handler", slog.String("handler", name))
}

// Shutdown stops all components in reverse order. A failing component does
// not stop the sequence; all failures are joined into the returned error.
// Once ctx is done the remaining components are skipped.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.logger.Info("starting coordinated shutdown",
		slog.Int("components", len(c.components)),
	)

	var errs []error
	for i := len(c.components) - 1; i >= 0; i-- {
		comp := c.components[i]

		if ctx.Err() != nil {
			c.logger.Error("shutdown deadline exceeded",
				slog.String("remaining_component", comp.name),
			)
			errs = append(errs, fmt.Errorf("shutdown deadline exceeded at component %s: %w", comp.name, ctx.Err()))
			break
		}

		start := time.Now()
		err := comp.shutdowner.Shutdown(ctx)
		duration := time.Since(start)

		if err != nil {
			c.logger.Error("component shutdown failed",
				slog.String("handler", comp.name),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("failed to shutdown %s: %w", comp.name, err))
			continue
		}
		c.logger.Info("component shutdown complete",
			slog.String("handler", comp.name),
			slog.Duration("duration", duration),
		)
	}

	if len(errs) > 0 {
		c.logger.Warn("coordinated shutdown completed with errors", slog.Int("errors", len(errs)))
		return errors.Join(errs...)
	}
	c.logger.Info("coordinated shutdown complete")
	return nil
}

// ComponentCount returns the number of registered components.
func (c *Coordinator) ComponentCount() int {
	return len(c.components)
}
