package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doughall/linuxrmm/management/internal/logging"
	"github.com/doughall/linuxrmm/management/internal/metrics"
)

// HandlerFunc implements one RPC method. Returning a *Fault sends that fault;
// any other error becomes an unknown-application-error fault.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

// idleTimeout closes connections that send nothing for this long.
const idleTimeout = 10 * time.Minute

type requestIDKey struct{}

// RequestID returns the correlation id of the request being handled, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Server serves registered methods on a Unix domain socket.
type Server struct {
	socketPath  string
	socketGroup string
	logger      *slog.Logger

	mu       sync.RWMutex
	methods  map[string]HandlerFunc
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool

	wg sync.WaitGroup
}

// NewServer creates a server for socketPath. socketGroup, when set, is given
// group ownership of the socket.
func NewServer(socketPath, socketGroup string, logger *slog.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		socketGroup: socketGroup,
		logger:      logging.WithComponent(logger, "rpc"),
		methods:     make(map[string]HandlerFunc),
		conns:       make(map[net.Conn]struct{}),
	}
}

// Register binds name to h, replacing any previous handler.
func (s *Server) Register(name string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = h
}

// Methods returns the sorted names of all methods, including system.listMethods.
func (s *Server) Methods() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.methods)+1)
	names = append(names, ListMethodsMethod)
	for name := range s.methods {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch invokes method directly, without a connection. Used for scheduled jobs.
func (s *Server) Dispatch(ctx context.Context, method string, params Params) (any, error) {
	if method == ListMethodsMethod {
		return s.Methods(), nil
	}

	s.mu.RLock()
	h, ok := s.methods[method]
	s.mu.RUnlock()
	if !ok {
		return nil, NewFault(FaultMethodNotFound, "Requested method not found.")
	}
	return s.call(ctx, method, h, params)
}

// call runs h, converting panics into faults.
func (s *Server) call(ctx context.Context, method string, h HandlerFunc, params Params) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("rpc handler panicked",
				slog.String("method", method),
				slog.String("request_id", RequestID(ctx)),
				slog.Any("panic", p),
			)
			result, err = nil, NewFault(FaultUnknownError, unknownErrorMessage)
		}
	}()
	return h(ctx, params)
}

// Listen creates the socket. An existing socket file is replaced.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket from a previous run
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}
	if s.socketGroup != "" {
		if err := chownGroup(s.socketPath, s.socketGroup); err != nil {
			listener.Close()
			return err
		}
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("rpc server listening", slog.String("socket", s.socketPath))
	return nil
}

func chownGroup(path, group string) error {
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("failed to look up socket group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("invalid gid %q for group %q: %w", g.Gid, group, err)
	}
	if err := os.Chown(path, -1, gid); err != nil {
		return fmt.Errorf("failed to set socket group: %w", err)
	}
	return nil
}

// Serve accepts connections until Shutdown. Listen must have been called.
func (s *Server) Serve() error {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		return errors.New("rpc server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing {
				return nil
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(idleTimeout))

		var req Request
		if err := decoder.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("closing connection", slog.String("error", err.Error()))
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					_ = encoder.Encode(&Response{Fault: NewFault(FaultWrongParams, "Malformed request.")})
				}
			}
			return
		}

		resp := s.handleRequest(req)
		if err := encoder.Encode(resp); err != nil {
			s.logger.Warn("failed to write response",
				slog.String("method", req.Method),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

func (s *Server) handleRequest(req Request) *Response {
	requestID := uuid.NewString()
	ctx := context.WithValue(context.Background(), requestIDKey{}, requestID)
	logger := s.logger.With(
		slog.String("request_id", requestID),
		slog.String("method", req.Method),
	)

	start := time.Now()
	result, err := s.Dispatch(ctx, req.Method, Params(req.Params))
	resp := &Response{ID: req.ID}

	if err == nil {
		raw, mErr := json.Marshal(result)
		if mErr == nil {
			resp.Result = raw
		} else {
			err = fmt.Errorf("failed to encode result: %w", mErr)
		}
	}

	if err != nil {
		var fault *Fault
		if !errors.As(err, &fault) {
			logger.Error("rpc method failed", slog.String("error", err.Error()))
			fault = NewFault(FaultUnknownError, unknownErrorMessage)
		}
		resp.Fault = fault
		resp.Result = nil
		metrics.IncRPC(req.Method, "fault")
		logger.Info("rpc request faulted",
			slog.Int("fault_code", fault.Code),
			slog.Duration("duration", time.Since(start)),
		)
		return resp
	}

	metrics.IncRPC(req.Method, "ok")
	logger.Debug("rpc request handled", slog.Duration("duration", time.Since(start)))
	return resp
}

// Shutdown stops accepting, closes open connections and waits for their
// handlers to return, or until ctx is done. The socket file is removed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	defer os.Remove(s.socketPath)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
