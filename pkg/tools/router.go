// Package tools holds the static tool catalog and routes tool calls either
// to a device worker or to the local simulator control utility.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/billm/simpilot/internal/logger"
	"github.com/billm/simpilot/pkg/command"
	"github.com/billm/simpilot/pkg/supervisor"
	"github.com/billm/simpilot/pkg/types"
)

// Forwarder sends a call to the worker for a device
type Forwarder interface {
	Forward(ctx context.Context, deviceID, path string, body any) (*supervisor.Reply, error)
}

type route struct {
	spec     *Spec
	resolved *jsonschema.Resolved
}

// Router maps tool names to their schema and routing target
type Router struct {
	routes    map[string]*route
	order     []string
	forwarder Forwarder
	simctl    command.Executor
	logger    *logger.Logger
}

// NewRouter creates a router over the full catalog
func NewRouter(forwarder Forwarder, simctl command.Executor, log *logger.Logger) (*Router, error) {
	return NewRouterWithCatalog(Catalog(), forwarder, simctl, log)
}

// NewRouterWithCatalog creates a router over specs. Schemas are resolved
// once here so a bad catalog fails at startup.
func NewRouterWithCatalog(specs []*Spec, forwarder Forwarder, simctl command.Executor, log *logger.Logger) (*Router, error) {
	if forwarder == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "forwarder cannot be nil")
	}
	if simctl == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "simctl executor cannot be nil")
	}
	log = logger.OrDefault(log)

	r := &Router{
		routes:    make(map[string]*route, len(specs)),
		forwarder: forwarder,
		simctl:    simctl,
		logger:    log.With("component", "tool_router"),
	}
	for _, spec := range specs {
		if _, dup := r.routes[spec.Name]; dup {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "duplicate tool: "+spec.Name)
		}
		if spec.Target == TargetAgent && spec.Path == "" {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "agent tool has no path: "+spec.Name)
		}
		if spec.Target == TargetLocal && spec.build == nil {
			return nil, types.NewError(types.ErrCodeInvalidArgument, "local tool has no command: "+spec.Name)
		}
		resolved, err := spec.Schema.Resolve(&jsonschema.ResolveOptions{})
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInvalidArgument, "invalid schema for tool "+spec.Name, err)
		}
		r.routes[spec.Name] = &route{spec: spec, resolved: resolved}
		r.order = append(r.order, spec.Name)
	}
	return r, nil
}

// Tools returns the MCP definitions in catalog order
func (r *Router) Tools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.routes[name].spec.Tool())
	}
	return out
}

// Lookup returns the catalog entry for name
func (r *Router) Lookup(name string) (*Spec, bool) {
	rt, ok := r.routes[name]
	if !ok {
		return nil, false
	}
	return rt.spec, true
}

// Call validates and dispatches one tool call. Every failure, including an
// unknown tool, is reported in the result with IsError set.
func (r *Router) Call(ctx context.Context, name string, rawArgs json.RawMessage) *mcp.CallToolResult {
	if name == "" {
		return errorResult("missing tool name")
	}
	rt, ok := r.routes[name]
	if !ok {
		return errorResult("unknown tool: " + name)
	}

	trimmed := bytes.TrimSpace(rawArgs)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return errorResult(fmt.Sprintf("missing arguments for %s", name))
	}
	var args map[string]any
	if err := json.Unmarshal(trimmed, &args); err != nil || args == nil {
		return errorResult(fmt.Sprintf("arguments for %s must be a JSON object", name))
	}
	if err := rt.resolved.Validate(args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments for %s: %v", name, err))
	}

	switch rt.spec.Target {
	case TargetAgent:
		// Forward the raw values so numbers keep their exact text
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return errorResult(fmt.Sprintf("arguments for %s must be a JSON object", name))
		}
		return r.callAgent(ctx, rt.spec, raw)
	case TargetLocal:
		return r.callLocal(ctx, rt.spec, args)
	default:
		return errorResult("unroutable tool: " + name)
	}
}

// callAgent forwards every argument except the device identity
func (r *Router) callAgent(ctx context.Context, spec *Spec, args map[string]json.RawMessage) *mcp.CallToolResult {
	var deviceID string
	if err := json.Unmarshal(args[DeviceArg], &deviceID); err != nil {
		return errorResult(fmt.Sprintf("invalid %s for %s", DeviceArg, spec.Name))
	}
	body := make(map[string]json.RawMessage, len(args))
	for k, v := range args {
		if k != DeviceArg {
			body[k] = v
		}
	}

	reply, err := r.forwarder.Forward(ctx, deviceID, spec.Path, body)
	if err != nil {
		r.logger.Warn("Agent tool failed", "tool", spec.Name, "device_id", deviceID, "error", err)
		return errorResult(describeError(spec.Name, err))
	}

	if reply.JSON == nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: reply.Text}},
			IsError: !reply.OK(),
		}
	}
	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(reply.JSON)}},
		IsError: !reply.OK(),
	}
	if reply.JSON[0] == '{' {
		result.StructuredContent = reply.JSON
	}
	return result
}

// localOutput is what provisioning tools report back
type localOutput struct {
	ExitCode int            `json:"exit_code"`
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`
	Extra    map[string]any `json:"-"`
}

func (o localOutput) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"exit_code": o.ExitCode,
		"stdout":    o.Stdout,
		"stderr":    o.Stderr,
	}
	for k, v := range o.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

func (r *Router) callLocal(ctx context.Context, spec *Spec, args map[string]any) *mcp.CallToolResult {
	inv, err := spec.build(args)
	if err != nil {
		return errorResult(describeError(spec.Name, err))
	}
	if inv.cleanup != nil {
		defer inv.cleanup()
	}

	res, err := r.simctl.Run(ctx, inv.args...)
	if err != nil {
		r.logger.Warn("Provisioning tool failed", "tool", spec.Name, "error", err)
		return errorResult(describeError(spec.Name, err))
	}

	out := localOutput{
		ExitCode: res.ExitCode,
		Stdout:   strings.TrimRight(res.Stdout, "\n"),
		Stderr:   strings.TrimRight(res.Stderr, "\n"),
		Extra:    inv.extra,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return errorResult(describeError(spec.Name, err))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: !res.Success(),
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}

// describeError names the failure kind so callers can tell a missing
// template from a spawn timeout or a network error
func describeError(tool string, err error) string {
	if code := types.GetErrorCode(err); code != "" {
		return fmt.Sprintf("%s failed [%s]: %v", tool, code, err)
	}
	return fmt.Sprintf("%s failed: %v", tool, err)
}
