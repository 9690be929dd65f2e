// Package mockagent is the USE_MOCK_AGENT test hook (§4.1): a minimal
// in-process stand-in for a real ACP agent subprocess, wired into the
// Process Manager instead of exec'ing a real binary. It speaks the same
// line-delimited JSON-RPC 2.0 framing a real agent would, simulating one
// realistic turn (a thought chunk, a read-file tool call, and a final
// assistant message; the turn makes no permission request) so the rest
// of the pipeline can be exercised without a live coding-agent installed.
package mockagent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Run drives the mock agent loop: it reads JSON-RPC frames from in and
// writes responses/notifications to out, until in is closed or ctx is
// cancelled. It is run as a goroutine by the Process Manager in place of
// a real subprocess's stdin/stdout pump.
func Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a := &agent{out: out}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		a.handle(ctx, req)
	}
	return scanner.Err()
}

type agent struct {
	out     io.Writer
	nextID  atomic.Int64
	session atomic.Value // string
}

func (a *agent) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	b = append(b, '\n')
	_, _ = a.out.Write(b)
}

func (a *agent) reply(id json.RawMessage, result any) {
	a.write(rpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (a *agent) fail(id json.RawMessage, code int, msg string) {
	a.write(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}

func (a *agent) notify(method string, params any) {
	a.write(rpcNotification{JSONRPC: "2.0", Method: method, Params: params})
}

func (a *agent) handle(ctx context.Context, req rpcRequest) {
	switch req.Method {
	case "initialize":
		a.reply(req.ID, map[string]any{
			"protocolVersion": 1,
			"agentInfo":       map[string]any{"name": "mock-agent", "version": "0.0.0-mock"},
		})

	case "session/new":
		id := fmt.Sprintf("mock-session-%d", a.nextID.Add(1))
		a.session.Store(id)
		a.reply(req.ID, map[string]any{"sessionId": id})

	case "session/load":
		var params struct {
			SessionId string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &params)
		a.session.Store(params.SessionId)
		a.reply(req.ID, map[string]any{})

	case "session/prompt":
		var params struct {
			SessionId string `json:"sessionId"`
		}
		_ = json.Unmarshal(req.Params, &params)
		a.simulateTurn(ctx, params.SessionId)
		a.reply(req.ID, map[string]any{"stopReason": "end_turn"})

	case "session/cancel":
		a.reply(req.ID, map[string]any{})

	case "session/set_mode", "session/set_model", "session/set_config_option":
		a.reply(req.ID, map[string]any{})

	default:
		if req.ID != nil {
			a.fail(req.ID, -32601, "unsupported method: "+req.Method)
		}
	}
}

// simulateTurn emits a representative sequence of sessionUpdate
// notifications: a thought, a read-file tool call reaching completion,
// and a final assistant message chunk. It does not call back into
// requestPermission: the mock has no transport back-channel to await a
// permission response mid-turn, so permission flows are not exercised
// through it.
func (a *agent) simulateTurn(ctx context.Context, sessionID string) {
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]any{"type": "text", "text": "Looking at the request..."},
		},
	})

	toolCallID := "mock-tool-1"
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    toolCallID,
			"title":         "Read file",
			"kind":          "read",
			"status":        "in_progress",
		},
	})
	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call_update",
			"toolCallId":    toolCallID,
			"status":        "completed",
		},
	})

	a.notify("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content":       map[string]any{"type": "text", "text": "Here is the mock response for this turn."},
		},
	})
}
