package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/billm/simpilot/pkg/types"
)

// maxReplyBytes bounds how much of a worker reply is read
const maxReplyBytes = 32 << 20

// HealthPath is the worker liveness route
const HealthPath = "/health"

// Reply is a worker's answer to a forwarded call
type Reply struct {
	// Status is the HTTP status code
	Status int `json:"status"`

	// JSON is the decoded body when the worker replied with valid JSON
	JSON json.RawMessage `json:"json,omitempty"`

	// Text is the raw body when it could not be decoded as JSON
	Text string `json:"text,omitempty"`
}

// OK reports whether the worker answered with a 2xx status
func (r *Reply) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// agentClient talks to workers over loopback HTTP. Every call blocks until
// the reply is read or ctx expires.
type agentClient struct {
	host string
	http *http.Client
}

func newAgentClient(host string) *agentClient {
	return &agentClient{
		host: host,
		http: &http.Client{
			// Workers close every connection after one response.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

func (c *agentClient) url(port int, path string) string {
	return "http://" + c.host + ":" + strconv.Itoa(port) + path
}

// probe reports nil once the worker's liveness route answers 2xx
func (c *agentClient) probe(ctx context.Context, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := c.post(ctx, port, HealthPath, struct{}{}, "")
	if err != nil {
		return err
	}
	if !reply.OK() {
		return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("health check returned status %d", reply.Status))
	}
	return nil
}

// post sends body as JSON to path and reads the whole reply
func (c *agentClient) post(ctx context.Context, port int, path string, body any, requestID string) (*Reply, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(port, path), bytes.NewReader(payload))
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, err
	}

	reply := &Reply{Status: resp.StatusCode}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && json.Valid(trimmed) {
		reply.JSON = json.RawMessage(trimmed)
	} else {
		reply.Text = string(data)
	}
	return reply, nil
}
