// Package events publishes command lifecycle events to NATS so that a remote
// management server can follow background commands without polling the socket.
//
// Usage:
//
//	client := events.NewClient(events.Config{Servers: "nats://...", NKeySeed: seed}, logger)
//	if err := client.Connect(); err != nil { ... }
//	registry := commands.NewRegistry(..., commands.WithSinks(events.NewPublisher(client, prefix, logger)))
package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"

	"github.com/doughall/linuxrmm/management/internal/logging"
)

// Config holds NATS connection configuration.
type Config struct {
	Servers  string // Comma-separated list of NATS server URLs
	NKeySeed string // Optional NKey seed for authentication (starts with SU)
}

// Client manages the NATS connection.
type Client struct {
	config    Config
	nc        *nats.Conn
	logger    *slog.Logger
	mu        sync.RWMutex
	connected bool
}

// NewClient creates a new NATS client with the given configuration.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	return &Client{
		config: cfg,
		logger: logging.WithComponent(logger, "events"),
	}
}

// Connect establishes a connection to the NATS server.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	hostname, _ := os.Hostname()
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("rmm-management-%s", hostname)),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectBufSize(1024 * 1024),
		nats.PingInterval(30 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			if err != nil {
				c.logger.Warn("NATS disconnected", slog.String("error", err.Error()))
			} else {
				c.logger.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.mu.Lock()
			c.connected = true
			c.mu.Unlock()
			c.logger.Info("NATS reconnected", slog.String("server", nc.ConnectedUrl()))
		}),
	}

	if c.config.NKeySeed != "" {
		kp, err := nkeys.FromSeed([]byte(c.config.NKeySeed))
		if err != nil {
			return fmt.Errorf("invalid nkey seed: %w", err)
		}
		pubKey, err := kp.PublicKey()
		if err != nil {
			return fmt.Errorf("failed to get public key: %w", err)
		}
		opts = append(opts, nats.Nkey(pubKey, func(nonce []byte) ([]byte, error) {
			return kp.Sign(nonce)
		}))
	}

	nc, err := nats.Connect(c.config.Servers, opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	c.nc = nc
	c.connected = true
	c.logger.Info("NATS connected", slog.String("server", nc.ConnectedUrl()))
	return nil
}

// Publish sends data on subject via core NATS.
func (c *Client) Publish(subject string, data []byte) error {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil {
		return fmt.Errorf("not connected")
	}
	return nc.Publish(subject, data)
}

// IsConnected returns whether the client is currently connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.nc != nil && c.nc.IsConnected()
}

// Shutdown drains the connection so buffered events are delivered.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
