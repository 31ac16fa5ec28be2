package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/doughall/linuxrmm/management/internal/commands"
	"github.com/doughall/linuxrmm/management/internal/logging"
)

// Envelope wraps every published event with type information.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// CommandStartedMessage is published when a background command begins.
type CommandStartedMessage struct {
	CommandID   int32  `json:"commandId"`
	Source      string `json:"source,omitempty"`
	CommandLine string `json:"commandLine"`
	Detached    bool   `json:"detached"`
	Metadata    any    `json:"metadata,omitempty"`
}

// CommandFinishedMessage is published when a background command completes.
type CommandFinishedMessage struct {
	CommandID         int32  `json:"commandId"`
	Source            string `json:"source,omitempty"`
	Status            int32  `json:"status"`
	Output            string `json:"output"`
	ExecutionDuration int64  `json:"executionDuration"` // Milliseconds
	Metadata          any    `json:"metadata,omitempty"`
}

// Conn is the publishing side of a NATS connection.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Publisher implements commands.Sink on top of NATS.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher creates a publisher that sends to <prefix>.commands.started and
// <prefix>.commands.finished.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		prefix: prefix,
		logger: logging.WithComponent(logger, "events"),
	}
}

// CommandStarted publishes a command_started event.
func (p *Publisher) CommandStarted(_ context.Context, res commands.Result) error {
	return p.publish(p.prefix+".commands.started", "command_started", CommandStartedMessage{
		CommandID:   res.ID,
		Source:      res.Source,
		CommandLine: res.CommandLine,
		Detached:    res.Detached,
		Metadata:    res.Metadata,
	})
}

// CommandFinished publishes a command_finished event.
func (p *Publisher) CommandFinished(_ context.Context, res commands.Result) error {
	return p.publish(p.prefix+".commands.finished", "command_finished", CommandFinishedMessage{
		CommandID:         res.ID,
		Source:            res.Source,
		Status:            res.Status,
		Output:            res.Output,
		ExecutionDuration: res.Duration().Milliseconds(),
		Metadata:          res.Metadata,
	})
}

func (p *Publisher) publish(subject, msgType string, payload any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Payload:   payloadBytes,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	p.logger.Debug("Published event",
		slog.String("subject", subject),
		slog.String("type", msgType),
	)
	return nil
}
