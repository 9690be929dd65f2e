package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/lark"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/permission"
	"github.com/kandev/larkacp/internal/store"
)

// fakeTransport implements orchestrator.Transport entirely in memory,
// recording what it was asked to do instead of calling the real API.
type fakeTransport struct {
	mu      sync.Mutex
	cardN   int
	replies []string
}

func (f *fakeTransport) CreateCard(ctx context.Context, chatID string, placeholder card.Element) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cardN++
	return "card", "msg", nil
}
func (f *fakeTransport) ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content card.Element) error {
	return nil
}
func (f *fakeTransport) StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error {
	return nil
}
func (f *fakeTransport) AddElement(ctx context.Context, cardID string, sequence int, position, anchorElementID string, element card.Element) error {
	return nil
}
func (f *fakeTransport) DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error {
	return nil
}
func (f *fakeTransport) UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error {
	return nil
}
func (f *fakeTransport) PatchText(ctx context.Context, cardID, messageID, text string) error {
	return nil
}
func (f *fakeTransport) OpenConfigDetail(ctx context.Context, chatID, configID, label string, choices []string) error {
	return nil
}
func (f *fakeTransport) SendPermissionCard(ctx context.Context, chatID, toolDescription string, options []permission.Option) (string, error) {
	return "perm-msg", nil
}
func (f *fakeTransport) MarkSelected(ctx context.Context, messageID, optionLabel string) error {
	return nil
}
func (f *fakeTransport) MarkCancelled(ctx context.Context, messageID string) error { return nil }
func (f *fakeTransport) ReplyText(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, text)
	return nil
}

func (f *fakeTransport) lastReply() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return ""
	}
	return f.replies[len(f.replies)-1]
}

func testOrchestrator(t *testing.T) (*Orchestrator, *fakeTransport) {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := &config.Config{
		Agent: config.AgentConfig{
			BaseWorkingDir:   t.TempDir(),
			UseMockAgent:     true,
			KillGraceSeconds: 5,
		},
		Stream: config.StreamConfig{
			FlushIntervalMS:  1,
			AutoCloseMS:      10 * 60 * 1000,
			MaxContentLength: 1024,
		},
		Permission: config.PermissionConfig{TimeoutSeconds: 1},
		Shell: config.ShellConfig{
			TimeoutSeconds:   5,
			KillGraceSeconds: 1,
			MaxOutputBytes:   1024,
		},
	}

	ft := &fakeTransport{}
	o := New(cfg, s, ft, log)
	return o, ft
}

func TestHandleMessageStartsSessionAndCompletesTurn(t *testing.T) {
	o, _ := testOrchestrator(t)
	ctx := context.Background()

	o.HandleMessage(ctx, lark.IncomingMessage{
		EventID: "e1", ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "hello agent",
	})

	sess, err := o.store.GetMostRecentByChat(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, store.StatusIdle, sess.Status)
	assert.NotEmpty(t, sess.ACPSessionID)
}

func TestHandleMessageRejectsWhileRunning(t *testing.T) {
	o, ft := testOrchestrator(t)
	ctx := context.Background()

	sess := &store.Session{ID: "sess-1", ChatID: "c1", ThreadID: "m1", CreatorID: "u1", WorkingDir: t.TempDir()}
	require.NoError(t, o.store.CreateSession(ctx, sess))
	require.NoError(t, o.store.SetStatus(ctx, sess.ID, store.StatusRunning))

	o.HandleMessage(ctx, lark.IncomingMessage{
		EventID: "e1", ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "are you there",
	})

	assert.Contains(t, ft.lastReply(), "Please wait")
}

func TestHandleMessageSlashHelp(t *testing.T) {
	o, ft := testOrchestrator(t)
	ctx := context.Background()

	o.HandleMessage(ctx, lark.IncomingMessage{
		EventID: "e1", ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "/help",
	})

	assert.Contains(t, ft.lastReply(), "Available commands")
}

func TestShutdownClosesStore(t *testing.T) {
	o, _ := testOrchestrator(t)
	require.NoError(t, o.Shutdown(context.Background()))
	_, err := o.store.GetSession(context.Background(), "anything")
	assert.Error(t, err)
}

func TestChatOfResolvesSessionChat(t *testing.T) {
	o, _ := testOrchestrator(t)
	ctx := context.Background()
	sess := &store.Session{ID: "sess-2", ChatID: "c9", ThreadID: "m9", CreatorID: "u1", WorkingDir: t.TempDir()}
	require.NoError(t, o.store.CreateSession(ctx, sess))

	chatID, ok := o.chatOf("sess-2")
	require.True(t, ok)
	assert.Equal(t, "c9", chatID)

	_, ok = o.chatOf("missing")
	assert.False(t, ok)
}

func TestHandleMessageWaitsForAsyncCardFlush(t *testing.T) {
	o, _ := testOrchestrator(t)
	ctx := context.Background()

	o.HandleMessage(ctx, lark.IncomingMessage{
		EventID: "e1", ChatID: "c1", MessageID: "m1", SenderID: "u1", Text: "hello",
	})

	// The mock agent's notifications race the Prompt response; give the
	// flush timer a moment before asserting persisted state settled.
	time.Sleep(20 * time.Millisecond)

	sess, err := o.store.GetMostRecentByChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, sess.Status)
}
