package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Client calls methods on a management socket. A Client is safe for concurrent
// use; calls are serialized on one connection.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	nextID  uint64
}

// Dial connects to the socket at socketPath.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	if _, ok := ctx.Deadline(); !ok {
		d.Timeout = 5 * time.Second
	}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("management daemon not available: %w", err)
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

// Call invokes method with positional args and returns the raw result.
// A fault from the server is returned as a *Fault error.
func (c *Client) Call(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	params, err := EncodeParams(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	return c.CallRaw(ctx, method, params)
}

// CallRaw invokes method with already-encoded params.
func (c *Client) CallRaw(ctx context.Context, method string, params Params) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}

	c.nextID++
	req := Request{ID: c.nextID, Method: method, Params: params}
	if err := c.encoder.Encode(&req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.ID != req.ID {
		return nil, fmt.Errorf("response id %d does not match request id %d", resp.ID, req.ID)
	}
	if resp.Fault != nil {
		return nil, resp.Fault
	}
	return resp.Result, nil
}

// CallInto invokes method and unmarshals the result into out.
func (c *Client) CallInto(ctx context.Context, out any, method string, args ...any) error {
	raw, err := c.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// IsFault reports whether err is a fault with the given code.
func IsFault(err error, code int) bool {
	var f *Fault
	return errors.As(err, &f) && f.Code == code
}
