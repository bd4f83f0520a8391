package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/simpilot/internal/logger"
)

type toolCall struct {
	name string
	args string
}

type fakeTools struct {
	calls []toolCall
}

func (f *fakeTools) Tools() []*mcp.Tool {
	return []*mcp.Tool{{
		Name:        "tap",
		Description: "Tap the screen",
		InputSchema: map[string]any{"type": "object"},
	}}
}

func (f *fakeTools) Call(_ context.Context, name string, args json.RawMessage) *mcp.CallToolResult {
	f.calls = append(f.calls, toolCall{name: name, args: string(args)})
	if name == "explode" {
		panic("tool exploded")
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: `{"success":true}`}}}
}

func serve(t *testing.T, input string) ([]string, *fakeTools) {
	t.Helper()
	tools := &fakeTools{}
	srv, err := NewServer(tools, logger.Discard())
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(input), &out))

	text := strings.TrimRight(out.String(), "\n")
	if text == "" {
		return nil, tools
	}
	return strings.Split(text, "\n"), tools
}

func TestPing(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`+"\n")
	require.Len(t, lines, 1)
	assert.Equal(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, lines[0])
}

func TestUnknownMethod(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":2,"method":"bogus"}`+"\n")
	require.Len(t, lines, 1)

	var resp struct {
		ID    int `json:"id"`
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, 2, resp.ID)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
	assert.Nil(t, resp.Result)
}

func TestOneResponsePerRequestNoneForNotifications(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		``,
		`   `,
		`this is not json`,
		`[1,2,3]`,
		`{"jsonrpc":"2.0","method":"ping"}`,
		`{"jsonrpc":"2.0","params":{}}`,
		`{"jsonrpc":"2.0","id":"abc","method":"ping"}`,
		`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":4,"method":"nope"}`,
	}, "\n")

	lines, _ := serve(t, input)
	require.Len(t, lines, 4)

	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		var resp map[string]json.RawMessage
		require.NoError(t, json.Unmarshal([]byte(line), &resp))
		assert.JSONEq(t, `"2.0"`, string(resp["jsonrpc"]))
		ids = append(ids, string(resp["id"]))
	}
	assert.Equal(t, []string{`1`, `"abc"`, `3`, `4`}, ids)
}

func TestFinalLineWithoutNewline(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	require.Len(t, lines, 1)
	assert.Equal(t, `{"jsonrpc":"2.0","id":9,"result":{}}`, lines[0])
}

func TestExplicitNullIDIsAnswered(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":null,"method":"ping"}`+"\n")
	require.Len(t, lines, 1)
	assert.Equal(t, `{"jsonrpc":"2.0","id":null,"result":{}}`, lines[0])
}

func TestIDWithoutMethod(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":5}`+"\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"code":-32600`)
}

func TestInitialize(t *testing.T) {
	tests := []struct {
		name        string
		requested   string
		wantVersion string
	}{
		{name: "supported version echoed", requested: "2024-11-05", wantVersion: "2024-11-05"},
		{name: "unknown version gets latest", requested: "1999-01-01", wantVersion: LatestProtocolVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, _ := serve(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"`+tt.requested+`"}}`+"\n")
			require.Len(t, lines, 1)

			var resp struct {
				Result struct {
					ProtocolVersion string `json:"protocolVersion"`
					Capabilities    struct {
						Tools *json.RawMessage `json:"tools"`
					} `json:"capabilities"`
					ServerInfo struct {
						Name string `json:"name"`
					} `json:"serverInfo"`
				} `json:"result"`
			}
			require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
			assert.Equal(t, tt.wantVersion, resp.Result.ProtocolVersion)
			assert.NotNil(t, resp.Result.Capabilities.Tools)
			assert.Equal(t, ServerName, resp.Result.ServerInfo.Name)
		})
	}
}

func TestToolsList(t *testing.T) {
	lines, _ := serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`+"\n")
	require.Len(t, lines, 1)

	var resp struct {
		Result struct {
			Tools []struct {
				Name        string         `json:"name"`
				InputSchema map[string]any `json:"inputSchema"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	require.Len(t, resp.Result.Tools, 1)
	assert.Equal(t, "tap", resp.Result.Tools[0].Name)
	assert.Equal(t, "object", resp.Result.Tools[0].InputSchema["type"])
}

func TestToolsCall(t *testing.T) {
	lines, tools := serve(t,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"tap","arguments":{"udid":"ABC","x":10,"y":20}}}`+"\n")
	require.Len(t, lines, 1)

	require.Len(t, tools.calls, 1)
	assert.Equal(t, "tap", tools.calls[0].name)
	assert.JSONEq(t, `{"udid":"ABC","x":10,"y":20}`, tools.calls[0].args)

	var resp struct {
		ID     int `json:"id"`
		Result struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &resp))
	assert.Equal(t, 7, resp.ID)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "text", resp.Result.Content[0].Type)
	assert.JSONEq(t, `{"success":true}`, resp.Result.Content[0].Text)
}

func TestToolsCallInvalidParams(t *testing.T) {
	for _, params := range []string{``, `,"params":null`, `,"params":[1]`, `,"params":"tap"`} {
		lines, tools := serve(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"`+params+`}`+"\n")
		require.Len(t, lines, 1, "params %q", params)
		assert.Contains(t, lines[0], `"code":-32602`, "params %q", params)
		assert.Empty(t, tools.calls)
	}
}

func TestToolPanicIsNotFatal(t *testing.T) {
	input := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"explode","arguments":{}}}` + "\n" +
		`{"jsonrpc":"2.0","id":2,"method":"ping"}` + "\n"

	lines, _ := serve(t, input)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"code":-32603`)
	assert.Equal(t, `{"jsonrpc":"2.0","id":2,"result":{}}`, lines[1])
}

func TestRequestUnmarshal(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		notification bool
		wantErr      bool
	}{
		{name: "request", input: `{"id":1,"method":"ping"}`},
		{name: "null id is a request", input: `{"id":null,"method":"ping"}`},
		{name: "notification", input: `{"method":"notifications/initialized"}`, notification: true},
		{name: "array", input: `[]`, wantErr: true},
		{name: "null", input: `null`, wantErr: true},
		{name: "method not a string", input: `{"id":1,"method":5}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req Request
			err := json.Unmarshal([]byte(tt.input), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.notification, req.IsNotification())
		})
	}
}
