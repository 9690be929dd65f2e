package shell

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
)

type recordingTransport struct {
	text        strings.Builder
	lastSummary string
}

func (t *recordingTransport) CreateCard(ctx context.Context, chatID string, placeholder card.Element) (string, string, error) {
	return "card-1", "message-1", nil
}
func (t *recordingTransport) ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content card.Element) error {
	t.text.WriteString(content.Markdown)
	return nil
}
func (t *recordingTransport) StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error {
	t.text.WriteString(textDelta)
	return nil
}
func (t *recordingTransport) AddElement(ctx context.Context, cardID string, sequence int, position, anchor string, element card.Element) error {
	t.text.WriteString(element.Markdown)
	return nil
}
func (t *recordingTransport) DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error {
	return nil
}
func (t *recordingTransport) UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error {
	if !streamingMode {
		t.lastSummary = summary
	}
	return nil
}

func testHandler(t *testing.T) (*Handler, *session.Arena, *recordingTransport) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	arena := session.NewArena()
	locks := session.NewLocks()
	transport := &recordingTransport{}
	cards := card.NewManager(transport, locks, arena, log, 5*time.Millisecond, 10*time.Minute, 100*1024)
	return NewHandler(cards, locks, arena, log, 5*time.Second, 1*time.Second, 100*1024), arena, transport
}

func TestShellHandlerSuccessFooter(t *testing.T) {
	h, arena, transport := testHandler(t)
	arena.GetOrCreate("s1")

	err := h.Run(context.Background(), "s1", "chat-1", t.TempDir(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "Completed successfully", transport.lastSummary)
}

func TestShellHandlerNonZeroExit(t *testing.T) {
	h, arena, transport := testHandler(t)
	arena.GetOrCreate("s1")

	err := h.Run(context.Background(), "s1", "chat-1", t.TempDir(), "exit 1")
	require.NoError(t, err)
	assert.Equal(t, "Failed (exit 1)", transport.lastSummary)
}

func TestANSIStripping(t *testing.T) {
	assert.Equal(t, "hello", stripANSI("\x1b[31mhello\x1b[0m"))
}

func TestFooterRendering(t *testing.T) {
	h := &Handler{}
	assert.Contains(t, h.footer(outcome{exitCode: 0, ranOK: true}, 3*time.Second), "Exit: 0")
	assert.Contains(t, h.footer(outcome{exitCode: 1}, 0), "Exit: 1")
	assert.Contains(t, h.footer(outcome{signal: "terminated"}, 0), "Signal: terminated")
}

func TestSummaryRendering(t *testing.T) {
	h := &Handler{}
	assert.Equal(t, "Completed successfully", h.summary(outcome{exitCode: 0, ranOK: true}))
	assert.Equal(t, "Failed (exit 1)", h.summary(outcome{exitCode: 1}))
	assert.Equal(t, "Terminated (terminated)", h.summary(outcome{signal: "terminated"}))
}
