package router

import (
	"context"
	"testing"
	"time"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

type fakeCardTransport struct {
	created  bool
	streamed []string
}

func (f *fakeCardTransport) CreateCard(ctx context.Context, chatID string, placeholder card.Element) (string, string, error) {
	f.created = true
	return "card-1", "message-1", nil
}
func (f *fakeCardTransport) ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content card.Element) error {
	f.streamed = append(f.streamed, content.Markdown)
	return nil
}
func (f *fakeCardTransport) StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error {
	f.streamed = append(f.streamed, textDelta)
	return nil
}
func (f *fakeCardTransport) AddElement(ctx context.Context, cardID string, sequence int, position, anchor string, element card.Element) error {
	f.streamed = append(f.streamed, element.Markdown)
	return nil
}
func (f *fakeCardTransport) DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error {
	return nil
}
func (f *fakeCardTransport) UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error {
	return nil
}

func testRouter(t *testing.T) (*Router, *session.Arena, *fakeCardTransport) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	arena := session.NewArena()
	locks := session.NewLocks()
	ft := &fakeCardTransport{}
	cards := card.NewManager(ft, locks, arena, log, 5*time.Millisecond, 10*time.Minute, 100*1024)
	return NewRouter(cards, s, locks, arena, log), arena, ft
}

func textNotification(kind, text string) acp.SessionNotification {
	block := acp.ContentBlock{Text: &acp.TextContent{Text: text}}
	switch kind {
	case "message":
		return acp.SessionNotification{Update: acp.SessionUpdate{AgentMessageChunk: &acp.AgentMessageChunk{Content: block}}}
	default:
		return acp.SessionNotification{Update: acp.SessionUpdate{AgentThoughtChunk: &acp.AgentThoughtChunk{Content: block}}}
	}
}

func TestHandleAgentMessageChunkEnsuresCardAndAppends(t *testing.T) {
	r, arena, ft := testRouter(t)
	arena.GetOrCreate("s1")

	r.Handle(context.Background(), "s1", func(string) (string, bool) { return "chat-1", true }, textNotification("message", "hello"))

	active, _ := arena.Get("s1")
	require.NotNil(t, active.StreamingCard)
	assert.True(t, ft.created)
}

func TestHandlePlanReplacesSnapshot(t *testing.T) {
	r, arena, _ := testRouter(t)
	arena.GetOrCreate("s1")

	n := acp.SessionNotification{Update: acp.SessionUpdate{Plan: &acp.Plan{Entries: []acp.PlanEntry{
		{Content: "step 1", Status: "pending", Priority: "high"},
	}}}}
	r.Handle(context.Background(), "s1", func(string) (string, bool) { return "chat-1", true }, n)

	active, _ := arena.Get("s1")
	require.Len(t, active.CurrentPlan, 1)
	assert.Equal(t, "step 1", active.CurrentPlan[0].Content)
}

func TestHandleAvailableCommandsUpdateReplacesList(t *testing.T) {
	r, arena, _ := testRouter(t)
	arena.GetOrCreate("s1")

	n := acp.SessionNotification{Update: acp.SessionUpdate{AvailableCommandsUpdate: &acp.AvailableCommandsUpdate{
		AvailableCommands: []acp.AvailableCommand{{Name: "lint"}, {Name: "test"}},
	}}}
	r.Handle(context.Background(), "s1", func(string) (string, bool) { return "chat-1", true }, n)

	active, _ := arena.Get("s1")
	assert.Equal(t, []string{"lint", "test"}, active.AvailableCommands)
}

func TestHandleUnknownUpdateIsIgnored(t *testing.T) {
	r, arena, _ := testRouter(t)
	arena.GetOrCreate("s1")

	r.Handle(context.Background(), "s1", func(string) (string, bool) { return "chat-1", true }, acp.SessionNotification{})

	active, _ := arena.Get("s1")
	assert.Nil(t, active.StreamingCard)
}

func TestHandleSessionInfoUpdateSetsTitleInMemory(t *testing.T) {
	r, arena, _ := testRouter(t)
	arena.GetOrCreate("s1")

	n := acp.SessionNotification{Update: acp.SessionUpdate{SessionInfoUpdate: &acp.SessionInfoUpdate{Title: "Refactor auth"}}}
	r.Handle(context.Background(), "s1", func(string) (string, bool) { return "chat-1", true }, n)

	active, _ := arena.Get("s1")
	assert.Equal(t, "Refactor auth", active.Title)
}
