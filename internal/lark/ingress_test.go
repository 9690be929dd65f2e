package lark

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/cardaction"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/store"
)

func testGateway(t *testing.T, botOpenID string) *Gateway {
	t.Helper()
	s, err := store.OpenMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	g, err := NewGateway(Config{BotOpenID: botOpenID, EventDedupCacheSize: 16}, s, log)
	require.NoError(t, err)
	return g
}

func TestProcessMessageDeliversTextOnly(t *testing.T) {
	g := testGateway(t, "")
	var got []IncomingMessage
	g.OnMessage = func(ctx context.Context, m IncomingMessage) { got = append(got, m) }

	err := g.processMessage(context.Background(), rawMessageEvent{
		EventID: "e1", ChatID: "c1", MessageID: "m1", SenderOpenID: "u1",
		ChatType: "p2p", MessageType: "text", Content: `{"text":"hi there"}`,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hi there", got[0].Text)
}

func TestProcessMessageIgnoresNonText(t *testing.T) {
	g := testGateway(t, "")
	called := false
	g.OnMessage = func(ctx context.Context, m IncomingMessage) { called = true }

	err := g.processMessage(context.Background(), rawMessageEvent{
		EventID: "e1", ChatID: "c1", ChatType: "p2p", MessageType: "image", Content: "{}",
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestProcessMessageGroupIgnoredWithoutMention(t *testing.T) {
	g := testGateway(t, "ou_bot")
	called := false
	g.OnMessage = func(ctx context.Context, m IncomingMessage) { called = true }

	err := g.processMessage(context.Background(), rawMessageEvent{
		EventID: "e1", ChatID: "c1", ChatType: "group", MessageType: "text", Content: `{"text":"hello"}`,
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestProcessMessageGroupProcessedWithMention(t *testing.T) {
	g := testGateway(t, "ou_bot")
	var got []IncomingMessage
	g.OnMessage = func(ctx context.Context, m IncomingMessage) { got = append(got, m) }

	err := g.processMessage(context.Background(), rawMessageEvent{
		EventID: "e1", ChatID: "c1", ChatType: "group", MessageType: "text",
		Content: `{"text":"@_user_1 help me"}`, MentionedOpenIDs: []string{"ou_bot"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "help me", got[0].Text)
}

func TestProcessMessageDedupsEventID(t *testing.T) {
	g := testGateway(t, "")
	count := 0
	g.OnMessage = func(ctx context.Context, m IncomingMessage) { count++ }

	raw := rawMessageEvent{EventID: "dup-1", ChatID: "c1", ChatType: "p2p", MessageType: "text", Content: `{"text":"hi"}`}
	require.NoError(t, g.processMessage(context.Background(), raw))
	require.NoError(t, g.processMessage(context.Background(), raw))
	assert.Equal(t, 1, count)
}

func TestParseCardActionTranslatesAliasedKeys(t *testing.T) {
	cb := parseCardAction(rawCardAction{
		OperatorOpenID: "u1",
		ChatID:         "c1",
		CardID:         "card1",
		MessageID:      "m1",
		Value: map[string]string{
			"action":       "config_select",
			"config_id":    "verbosity",
			"config_value": "high",
		},
	})
	assert.Equal(t, cardaction.ActionConfigSelect, cb.Action)
	assert.Equal(t, "high", cb.Values["value"])
	assert.Equal(t, "verbosity", cb.Values["config_id"])
	_, hasRawKey := cb.Values["config_value"]
	assert.False(t, hasRawKey)
}

func TestProcessCardActionDedupsEventID(t *testing.T) {
	g := testGateway(t, "")
	count := 0
	g.OnCardAction = func(ctx context.Context, cb cardaction.Callback) { count++ }

	raw := rawCardAction{ChatID: "c1", Value: map[string]string{"action": "session_delete"}}
	require.NoError(t, g.ProcessCardAction(context.Background(), "dup-card-1", raw))
	require.NoError(t, g.ProcessCardAction(context.Background(), "dup-card-1", raw))
	assert.Equal(t, 1, count)
}
