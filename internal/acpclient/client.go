// Package acpclient is the ACP Client Bridge (§4.2): it wraps a JSON-RPC
// connection to an ACP agent subprocess, implements the acp.Client
// interface the SDK calls into for inbound requests, and exposes the
// outbound operations (initialize, newSession, prompt, ...) the
// Orchestrator drives.
package acpclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kandev/larkacp/internal/logger"
)

// UpdateHandler is invoked for every inbound ACP sessionUpdate notification.
type UpdateHandler func(ctx context.Context, n acp.SessionNotification)

// PermissionHandler is invoked for every inbound requestPermission call. It
// returns the outcome to send back to the agent.
type PermissionHandler func(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error)

// Client implements acp.Client: the callback surface the SDK's
// ClientSideConnection invokes for requests originating from the agent.
type Client struct {
	logger        *logger.Logger
	workspaceRoot string

	mu                sync.RWMutex
	updateHandler     UpdateHandler
	permissionHandler PermissionHandler
	tools             *ToolRegistry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithLogger(l *logger.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithWorkspaceRoot(root string) ClientOption {
	return func(c *Client) { c.workspaceRoot = root }
}

func WithUpdateHandler(h UpdateHandler) ClientOption {
	return func(c *Client) { c.updateHandler = h }
}

func WithPermissionHandler(h PermissionHandler) ClientOption {
	return func(c *Client) { c.permissionHandler = h }
}

func WithToolRegistry(r *ToolRegistry) ClientOption {
	return func(c *Client) { c.tools = r }
}

// NewClient constructs a Client. Without a permission handler, requests
// auto-approve the first allow-kind option (§4.2); without an update
// handler, notifications are silently dropped (the caller is expected to
// always register one in production).
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		logger:        logger.Default(),
		workspaceRoot: ".",
		tools:         NewToolRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetUpdateHandler(h UpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = h
}

func (c *Client) SetPermissionHandler(h PermissionHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permissionHandler = h
}

// RequestPermission implements acp.Client. If no handler is registered the
// first allow-kind option is auto-selected, or cancelled if there are no
// options at all (§4.2).
func (c *Client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	ctx, span := traceCall(ctx, string(p.SessionId), "request_permission")
	defer span.End()
	span.SetAttributes(attribute.Int("acp.options_count", len(p.Options)))

	if len(p.Options) == 0 {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	c.mu.RLock()
	handler := c.permissionHandler
	c.mu.RUnlock()

	if handler != nil {
		return handler(ctx, p)
	}
	return autoApprove(p), nil
}

func autoApprove(p acp.RequestPermissionRequest) acp.RequestPermissionResponse {
	var selected *acp.PermissionOption
	for i := range p.Options {
		opt := &p.Options[i]
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			selected = opt
			break
		}
	}
	if selected == nil {
		selected = &p.Options[0]
	}
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: selected.OptionId},
		},
	}
}

// SessionUpdate implements acp.Client, forwarding every notification to the
// registered handler (the Session Update Router, §4.10).
func (c *Client) SessionUpdate(ctx context.Context, n acp.SessionNotification) error {
	c.mu.RLock()
	handler := c.updateHandler
	c.mu.RUnlock()
	if handler != nil {
		handler(ctx, n)
	}
	return nil
}

// resolvePath guards against path traversal outside the session's
// working directory, mirroring the reference backend's client.go.
func (c *Client) resolvePath(reqPath string) (string, error) {
	var resolved string
	if filepath.IsAbs(reqPath) {
		resolved = filepath.Clean(reqPath)
	} else {
		resolved = filepath.Join(c.workspaceRoot, reqPath)
	}
	root := filepath.Clean(c.workspaceRoot) + string(filepath.Separator)
	if resolved != filepath.Clean(c.workspaceRoot) && !strings.HasPrefix(resolved, root) {
		return "", fmt.Errorf("path %q resolves outside workspace root %q", reqPath, c.workspaceRoot)
	}
	return resolved, nil
}

func (c *Client) ReadTextFile(ctx context.Context, p acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	_, span := traceCall(ctx, string(p.SessionId), "read_text_file")
	defer span.End()

	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return acp.ReadTextFileResponse{}, err
	}
	content := string(b)
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
			if start > len(lines) {
				start = len(lines)
			}
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit > 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

func (c *Client) WriteTextFile(ctx context.Context, p acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	_, span := traceCall(ctx, string(p.SessionId), "write_text_file")
	defer span.End()

	path, err := c.resolvePath(p.Path)
	if err != nil {
		return acp.WriteTextFileResponse{}, err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return acp.WriteTextFileResponse{}, err
		}
	}
	return acp.WriteTextFileResponse{}, os.WriteFile(path, []byte(p.Content), 0o644)
}

// The orchestrator exposes only a read/append doc surface (§1 Non-goals:
// "doc-editing UX beyond read/append tool exposure"), so terminal
// operations are stubbed rather than backed by a real PTY: the agent's own
// `!<cmd>` equivalent runs through the Shell Command Handler, not through
// ACP-native terminals.
func (c *Client) CreateTerminal(ctx context.Context, p acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	_, span := traceCall(ctx, string(p.SessionId), "create_terminal")
	defer span.End()
	return acp.CreateTerminalResponse{TerminalId: "unsupported"}, nil
}

func (c *Client) KillTerminalCommand(ctx context.Context, p acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	_, span := traceCall(ctx, "", "kill_terminal_command")
	defer span.End()
	return acp.KillTerminalCommandResponse{}, nil
}

func (c *Client) TerminalOutput(ctx context.Context, p acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	_, span := traceCall(ctx, "", "terminal_output")
	defer span.End()
	return acp.TerminalOutputResponse{Output: "", Truncated: false}, nil
}

func (c *Client) ReleaseTerminal(ctx context.Context, p acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	_, span := traceCall(ctx, "", "release_terminal")
	defer span.End()
	return acp.ReleaseTerminalResponse{}, nil
}

func (c *Client) WaitForTerminalExit(ctx context.Context, p acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	_, span := traceCall(ctx, "", "wait_for_terminal_exit")
	defer span.End()
	code := 0
	return acp.WaitForTerminalExitResponse{ExitCode: &code}, nil
}

var _ acp.Client = (*Client)(nil)
