package commands

import (
	"context"
	"log/slog"
	"time"
)

// Sink observes command lifecycle events. Start events are delivered
// concurrently with the command, so a slow sink never delays its execution
// or polling. A command's finish event is delivered after its start event.
// Errors are logged and dropped.
type Sink interface {
	CommandStarted(ctx context.Context, res Result) error
	CommandFinished(ctx context.Context, res Result) error
}

const sinkTimeout = 30 * time.Second

func (r *Registry) notifyStarted(res Result) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.CommandStarted(ctx, res); err != nil {
			r.logger.Warn("sink rejected start event",
				slog.Int("command_id", int(res.ID)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (r *Registry) notifyFinished(res Result) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := s.CommandFinished(ctx, res); err != nil {
			r.logger.Warn("sink rejected finish event",
				slog.Int("command_id", int(res.ID)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}
