package acpclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/coder/acp-go-sdk"

	apperrors "github.com/kandev/larkacp/internal/errors"
	"github.com/kandev/larkacp/internal/logger"
)

// Bridge owns one ACP JSON-RPC connection to one agent subprocess and
// surfaces the outbound operations of §4.2 to the Orchestrator.
type Bridge struct {
	conn   *acp.ClientSideConnection
	client *Client
	log    *logger.Logger
}

// NewStdioBridge wraps a pair of piped stdio streams (the common case:
// the Process Manager's child stdin/stdout) in an ACP connection.
func NewStdioBridge(stdin io.Writer, stdout io.Reader, opts ...ClientOption) *Bridge {
	client := NewClient(opts...)
	conn := acp.NewClientSideConnection(client, stdin, stdout)
	conn.SetLogger(slog.Default().With("component", "acp-conn"))
	return &Bridge{conn: conn, client: client, log: logger.Default()}
}

func (b *Bridge) Client() *Client { return b.client }

// Initialize performs the ACP handshake.
func (b *Bridge) Initialize(ctx context.Context, clientName, clientVersion string, protocolVersion int) (acp.InitializeResponse, error) {
	ctx, span := traceCall(ctx, "", "initialize")
	defer span.End()

	resp, err := b.conn.Initialize(ctx, acp.InitializeRequest{
		ClientInfo: &acp.ClientInfo{
			Name:    clientName,
			Version: clientVersion,
		},
		ProtocolVersion: protocolVersion,
	})
	if err != nil {
		return resp, &apperrors.TransportError{Op: "initialize", Err: err}
	}
	return resp, nil
}

// NewSession starts a fresh ACP session rooted at cwd with no MCP servers
// configured (§4.12 step 3).
func (b *Bridge) NewSession(ctx context.Context, cwd string) (acp.SessionId, error) {
	ctx, span := traceCall(ctx, "", "new_session")
	defer span.End()

	resp, err := b.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", &apperrors.TransportError{Op: "new_session", Err: err}
	}
	return resp.SessionId, nil
}

// ResumeSession resumes a previously-created ACP session. Per the spec's
// open question (a), the Orchestrator calls this first when acpSessionId
// is already set, and falls back to NewSession on protocol-level
// rejection (e.g. the agent binary changed between runs).
func (b *Bridge) ResumeSession(ctx context.Context, sessionID acp.SessionId, cwd string) error {
	ctx, span := traceCall(ctx, string(sessionID), "resume_session")
	defer span.End()

	_, err := b.conn.ResumeSession(ctx, acp.ResumeSessionRequest{
		SessionId: sessionID,
		Cwd:       cwd,
	})
	if err != nil {
		return &apperrors.TransportError{Op: "resume_session", Err: err}
	}
	return nil
}

// Prompt sends text as the next turn for sessionID and blocks until the
// turn's stop reason is known.
func (b *Bridge) Prompt(ctx context.Context, sessionID acp.SessionId, text string) (acp.PromptResponse, error) {
	ctx, span := traceCall(ctx, string(sessionID), "prompt")
	defer span.End()

	resp, err := b.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt: []acp.ContentBlock{
			{Text: &acp.TextContent{Text: text}},
		},
	})
	if err != nil {
		return resp, &apperrors.TransportError{Op: "prompt", Err: err}
	}
	return resp, nil
}

// Cancel requests cancellation of the outstanding prompt for sessionID
// (Command Handler's `stop`, §4.6).
func (b *Bridge) Cancel(ctx context.Context, sessionID acp.SessionId) error {
	ctx, span := traceCall(ctx, string(sessionID), "cancel")
	defer span.End()

	if err := b.conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID}); err != nil {
		return &apperrors.TransportError{Op: "cancel", Err: err}
	}
	return nil
}

func (b *Bridge) SetSessionMode(ctx context.Context, sessionID acp.SessionId, modeID string) error {
	ctx, span := traceCall(ctx, string(sessionID), "set_session_mode")
	defer span.End()

	_, err := b.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acp.SessionModeId(modeID),
	})
	if err != nil {
		return &apperrors.TransportError{Op: "set_session_mode", Err: err}
	}
	return nil
}

func (b *Bridge) SetSessionModel(ctx context.Context, sessionID acp.SessionId, modelID string) error {
	ctx, span := traceCall(ctx, string(sessionID), "set_session_model")
	defer span.End()

	_, err := b.conn.SetSessionModel(ctx, acp.SetSessionModelRequest{
		SessionId: sessionID,
		ModelId:   acp.ModelId(modelID),
	})
	if err != nil {
		return &apperrors.TransportError{Op: "set_session_model", Err: err}
	}
	return nil
}

func (b *Bridge) SetSessionConfigOption(ctx context.Context, sessionID acp.SessionId, configID, value string) error {
	ctx, span := traceCall(ctx, string(sessionID), "set_session_config_option")
	defer span.End()

	_, err := b.conn.SetSessionConfigOption(ctx, acp.SetSessionConfigOptionRequest{
		SessionId: sessionID,
		ConfigId:  configID,
		Value:     value,
	})
	if err != nil {
		return &apperrors.TransportError{Op: "set_session_config_option", Err: err}
	}
	return nil
}

// Close tears down the underlying connection, if the SDK exposes a
// Close/Shutdown hook.
func (b *Bridge) Close() error {
	if closer, ok := any(b.conn).(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

var errUnsupportedTransport = fmt.Errorf("unsupported ACP transport")
