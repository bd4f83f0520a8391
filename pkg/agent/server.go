// Package agent implements the worker side of the supervisor protocol: a
// minimal HTTP/1.1 listener that serves exactly one JSON request per
// connection and dispatches it to a static route table.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/types"
)

const readChunkSize = 4096

// HandlerFunc handles a request body and returns a status code and a
// JSON-encodable payload. The body is always a JSON object.
type HandlerFunc func(ctx context.Context, body json.RawMessage) (int, any)

// Route binds a handler to a path
type Route struct {
	Handler HandlerFunc

	// OnExecutor runs the handler on the server's Executor instead of the
	// connection goroutine. Required for anything touching UI automation.
	OnExecutor bool
}

// Routes maps a request path to its route. It must not change after the
// server is created.
type Routes map[string]Route

// ServerConfig holds configuration for the transport
type ServerConfig struct {
	Addr        string
	ReadTimeout time.Duration
	MaxBodySize int
}

// Server is the worker's transport
type Server struct {
	addr        string
	routes      Routes
	executor    *Executor
	listener    net.Listener
	conns       map[net.Conn]struct{}
	mu          sync.RWMutex
	logger      *logger.Logger
	closed      bool
	wg          sync.WaitGroup
	baseCtx     context.Context
	readTimeout time.Duration
	maxBodySize int
}

// NewServer creates a transport serving routes. executor may be nil only if
// no route sets OnExecutor.
func NewServer(cfg ServerConfig, routes Routes, executor *Executor, log *logger.Logger) (*Server, error) {
	if cfg.Addr == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "listen address cannot be empty")
	}
	for path, route := range routes {
		if route.Handler == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("route %s has no handler", path))
		}
		if route.OnExecutor && executor == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("route %s requires an executor", path))
		}
	}
	log = logger.OrDefault(log)

	return &Server{
		addr:        cfg.Addr,
		routes:      routes,
		executor:    executor,
		conns:       make(map[net.Conn]struct{}),
		logger:      log.With("component", "agent_transport"),
		baseCtx:     context.Background(),
		readTimeout: cfg.ReadTimeout,
		maxBodySize: cfg.MaxBodySize,
	}, nil
}

// Listen binds the listener and starts accepting connections in the background
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	s.mu.Unlock()

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, fmt.Sprintf("failed to listen on %s", s.addr), err)
	}

	s.mu.Lock()
	s.listener = listener
	s.baseCtx = ctx
	s.mu.Unlock()

	s.logger.Info("Agent transport listening", "addr", listener.Addr().String(), "routes", len(s.routes))

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the bound address, or the configured one before Listen
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()

			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConnection(conn)
	}
}

// handleConnection reads until one complete request is assembled, answers
// it, and closes the connection.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	if s.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	parser := newRequestParser(s.maxBodySize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			req, perr := parser.feed(chunk[:n])
			if perr != nil {
				var pe *parseError
				status := http.StatusBadRequest
				if errors.As(perr, &pe) {
					status = pe.status
				}
				s.logger.Warn("Rejecting malformed request", "remote_addr", conn.RemoteAddr().String(), "error", perr)
				s.writeResponse(conn, status, errorBody(perr.Error()))
				return
			}
			if req != nil {
				_ = conn.SetReadDeadline(time.Time{})
				s.dispatch(conn, req)
				return
			}
		}
		if err != nil {
			if parser.pending() || !errors.Is(err, io.EOF) {
				s.logger.Debug("Abandoning incomplete request",
					"remote_addr", conn.RemoteAddr().String(),
					"error", err)
			}
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, req *Request) {
	start := time.Now()
	requestID := req.Header("X-Request-Id")

	route, ok := s.routes[req.Path]
	if !ok {
		s.logger.Warn("Unknown path", "path", req.Path, "request_id", requestID)
		s.writeResponse(conn, http.StatusNotFound, errorBody("unknown path: "+req.Path))
		return
	}

	status, payload := s.invoke(route, normalizeBody(req.Body))
	s.writeResponse(conn, status, payload)

	s.logger.Debug("Request served",
		"method", req.Method,
		"path", req.Path,
		"status", status,
		"request_id", requestID,
		"duration", time.Since(start))
}

// invoke runs a handler, on the executor when the route requires it, and
// blocks until it has produced a reply.
func (s *Server) invoke(route Route, body json.RawMessage) (status int, payload any) {
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()

	call := func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Handler panicked", "panic", r)
				status, payload = http.StatusInternalServerError, errorBody(fmt.Sprintf("handler panic: %v", r))
			}
		}()
		status, payload = route.Handler(ctx, body)
	}

	if !route.OnExecutor {
		call()
		return status, payload
	}
	if err := s.executor.Do(ctx, call); err != nil {
		return http.StatusServiceUnavailable, errorBody(err.Error())
	}
	return status, payload
}

// writeResponse writes one complete response whose Content-Length matches
// the encoded body exactly.
func (s *Server) writeResponse(conn net.Conn, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorBody("failed to encode response"))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	buf.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	buf.WriteString("Connection: close\r\n\r\n")
	buf.Write(body)

	if _, err := conn.Write(buf.Bytes()); err != nil {
		s.logger.Warn("Failed to write response", "remote_addr", conn.RemoteAddr().String(), "error", err)
	}
}

// Close stops accepting, drops open connections and waits for handlers
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Agent transport closed")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return types.WrapError(types.ErrCodeInternal, "failed to close listener", err)
	}
	return nil
}

// normalizeBody returns body if it is a JSON object and "{}" otherwise.
// Handlers validate fields themselves.
func normalizeBody(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
