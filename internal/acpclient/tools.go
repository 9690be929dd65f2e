package acpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// ToolDefinition describes one locally-registered tool exposed to the
// agent via the autocoder/tool/list ext method (§4.2).
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolHandler executes a registered tool by name.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolRegistry holds the local tools the bridge advertises to the agent
// over the autocoder/tool/* ext methods.
type ToolRegistry struct {
	mu       sync.RWMutex
	defs     map[string]ToolDefinition
	handlers map[string]ToolHandler
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		defs:     make(map[string]ToolDefinition),
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds (or replaces) a tool definition and its handler.
func (r *ToolRegistry) Register(def ToolDefinition, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.Name] = def
	r.handlers[def.Name] = handler
}

// List returns a snapshot of all registered tool definitions
// (autocoder/tool/list).
func (r *ToolRegistry) List() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// Call dispatches by tool name and returns the handler's result
// (autocoder/tool/call). Unknown names fail with "unsupported".
func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported tool: %s", name)
	}
	return handler(ctx, args)
}

// HandleExtMethod dispatches the two ext methods the bridge supports and
// fails any other method with "unsupported", per §4.2.
func (c *Client) HandleExtMethod(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case "autocoder/tool/list":
		return c.tools.List(), nil
	case "autocoder/tool/call":
		var req struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("autocoder/tool/call: invalid params: %w", err)
		}
		return c.tools.Call(ctx, req.Name, req.Args)
	default:
		return nil, fmt.Errorf("unsupported ext method: %s", method)
	}
}
