// Package rpc implements the control protocol: newline-delimited JSON-RPC
// 2.0 over a reader/writer pair, processed strictly one line at a time.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/internal/version"
	"github.com/billm/simpilot/pkg/types"
)

// LatestProtocolVersion is advertised when the client asks for an unknown version
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
}

// ServerName is reported in the initialize result
const ServerName = "simpilot"

// ToolProvider lists and runs tools
type ToolProvider interface {
	Tools() []*mcp.Tool
	Call(ctx context.Context, name string, args json.RawMessage) *mcp.CallToolResult
}

// Server runs the line protocol
type Server struct {
	tools  ToolProvider
	logger *logger.Logger
}

// NewServer creates a protocol server over a tool provider
func NewServer(tools ToolProvider, log *logger.Logger) (*Server, error) {
	if tools == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "tool provider cannot be nil")
	}
	log = logger.OrDefault(log)

	return &Server{
		tools:  tools,
		logger: log.With("component", "rpc"),
	}, nil
}

// Serve reads one message per line from in and writes one response line per
// request to out. Each line, including any blocking tool call, is finished
// before the next is read, so responses keep request order.
// It returns nil when in reaches EOF.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	reader := bufio.NewReaderSize(in, 64<<10)
	writer := bufio.NewWriter(out)

	s.logger.Info("Protocol loop started")
	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if resp := s.HandleLine(ctx, line); resp != nil {
				if err := writeResponse(writer, resp); err != nil {
					return types.WrapError(types.ErrCodeUnavailable, "failed to write response", err)
				}
			}
		}

		if readErr == io.EOF {
			s.logger.Info("Input closed, protocol loop exiting")
			return nil
		}
		if readErr != nil {
			return types.WrapError(types.ErrCodeUnavailable, "failed to read input", readErr)
		}
	}
}

func writeResponse(w *bufio.Writer, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		// Result types are ours; this only fires on a programming error.
		data, _ = json.Marshal(errorResponse(resp.ID, NewError(CodeInternalError, "failed to encode result: %v", err)))
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return err
	}
	return w.Flush()
}

// HandleLine processes one input line and returns the response to write,
// or nil when nothing must be written.
func (s *Server) HandleLine(ctx context.Context, line []byte) (resp *Response) {
	var req Request
	if err := json.Unmarshal(bytes.TrimSpace(line), &req); err != nil {
		s.logger.Warn("Skipping unparseable input line", "error", err, "bytes", len(line))
		return nil
	}

	if req.Method == "" {
		if req.IsNotification() {
			s.logger.Debug("Ignoring message without method or id")
			return nil
		}
		return errorResponse(req.ID, NewError(CodeInvalidRequest, "missing method"))
	}

	if req.IsNotification() {
		s.handleNotification(&req)
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Request handler panicked", "method", req.Method, "panic", r)
			resp = errorResponse(req.ID, NewError(CodeInternalError, "internal error: %v", r))
		}
	}()

	start := time.Now()
	result, rpcErr := s.dispatch(ctx, &req)
	s.logger.Debug("Handled request",
		"method", req.Method,
		"id", string(req.ID),
		"duration", time.Since(start),
		"error", rpcErr != nil)

	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return resultResponse(req.ID, result)
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case MethodInitialized:
		s.logger.Info("Client initialized")
	case MethodCancelled:
		// Requests run to completion; there is nothing to cancel.
		s.logger.Debug("Ignoring cancellation notification")
	default:
		s.logger.Debug("Ignoring notification", "method", req.Method)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (any, *Error) {
	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req.Params)
	case MethodPing:
		return struct{}{}, nil
	case MethodToolsList:
		return &mcp.ListToolsResult{Tools: s.tools.Tools()}, nil
	case MethodToolsCall:
		return s.handleToolsCall(ctx, req.Params)
	default:
		return nil, NewError(CodeMethodNotFound, "method not found: %s", req.Method)
	}
}

func (s *Server) handleInitialize(params json.RawMessage) (any, *Error) {
	if !isObject(params) {
		return nil, NewError(CodeInvalidParams, "initialize params must be an object")
	}
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewError(CodeInvalidParams, "invalid initialize params: %v", err)
		}
	}

	protocolVersion := LatestProtocolVersion
	if supportedProtocolVersions[p.ProtocolVersion] {
		protocolVersion = p.ProtocolVersion
	}

	s.logger.Info("Initialize",
		"client", p.ClientInfo.Name,
		"client_version", p.ClientInfo.Version,
		"protocol_version", protocolVersion)

	return &mcp.InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: &mcp.ServerCapabilities{
			Tools: &mcp.ToolCapabilities{},
		},
		ServerInfo: &mcp.Implementation{
			Name:    ServerName,
			Version: version.GetVersion(),
		},
		Instructions: "Drive iOS simulators. Device tools take a simulator udid; " +
			"the first call for a device starts its automation worker.",
	}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, *Error) {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || !isObject(trimmed) {
		return nil, NewError(CodeInvalidParams, "tools/call params must be an object")
	}
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewError(CodeInvalidParams, "invalid tools/call params: %v", err)
	}

	start := time.Now()
	result := s.tools.Call(ctx, p.Name, p.Arguments)
	s.logger.Info("Tool call",
		"tool", p.Name,
		"is_error", result.IsError,
		"duration", time.Since(start).Round(time.Millisecond))
	return result, nil
}

