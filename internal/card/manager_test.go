package card

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
)

type patch struct {
	kind      string
	cardID    string
	elementID string
	sequence  int
	summary   string
}

type fakeTransport struct {
	mu       sync.Mutex
	patches  []patch
	cardSeq  int
}

func (f *fakeTransport) CreateCard(ctx context.Context, chatID string, placeholder Element) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cardSeq++
	return "card-1", "message-1", nil
}

func (f *fakeTransport) ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{"replace", cardID, elementID, sequence, ""})
	return nil
}

func (f *fakeTransport) StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{"stream", cardID, elementID, sequence, ""})
	return nil
}

func (f *fakeTransport) AddElement(ctx context.Context, cardID string, sequence int, position, anchor string, element Element) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{"add", cardID, element.ID, sequence, ""})
	return nil
}

func (f *fakeTransport) DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{"delete", cardID, elementID, sequence, ""})
	return nil
}

func (f *fakeTransport) UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch{kind: "settings", cardID: cardID, sequence: sequence, summary: summary})
	return nil
}

func testManager(t *testing.T, ft *fakeTransport) (*Manager, *session.Arena, *session.Locks) {
	t.Helper()
	arena := session.NewArena()
	locks := session.NewLocks()
	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewManager(ft, locks, arena, log, 10*time.Millisecond, 10*time.Minute, 100*1024), arena, locks
}

func TestEnsureCardCreatesPlaceholderOnce(t *testing.T) {
	ft := &fakeTransport{}
	m, arena, locks := testManager(t, ft)
	arena.GetOrCreate("s1")

	locks.With("s1", func() {
		_, err := m.EnsureCard(context.Background(), "s1", "chat-1")
		require.NoError(t, err)
		_, err = m.EnsureCard(context.Background(), "s1", "chat-1")
		require.NoError(t, err)
	})

	assert.Equal(t, 1, ft.cardSeq)
}

func TestFlushReplacesPlaceholderThenStreams(t *testing.T) {
	ft := &fakeTransport{}
	m, arena, locks := testManager(t, ft)
	arena.GetOrCreate("s1")

	locks.With("s1", func() {
		_, err := m.EnsureCard(context.Background(), "s1", "chat-1")
		require.NoError(t, err)
		require.NoError(t, m.AppendText(context.Background(), "s1", "hello "))
		require.NoError(t, m.ForceFlush(context.Background(), "s1"))
		require.NoError(t, m.AppendText(context.Background(), "s1", "world"))
		require.NoError(t, m.ForceFlush(context.Background(), "s1"))
	})

	require.Len(t, ft.patches, 2)
	assert.Equal(t, "replace", ft.patches[0].kind)
	assert.Equal(t, "stream", ft.patches[1].kind)
	assert.Less(t, ft.patches[0].sequence, ft.patches[1].sequence)
}

func TestSequencesAreStrictlyIncreasingPerCard(t *testing.T) {
	active := session.NewActiveSession("s1")
	var last int
	for i := 0; i < 10; i++ {
		seq := active.NextSequenceForCard("card-1")
		assert.Greater(t, seq, last)
		last = seq
	}
}

func TestInsertToolCallElementDeletesPlaceholderOnFirstUse(t *testing.T) {
	ft := &fakeTransport{}
	m, arena, locks := testManager(t, ft)
	arena.GetOrCreate("s1")

	locks.With("s1", func() {
		_, err := m.EnsureCard(context.Background(), "s1", "chat-1")
		require.NoError(t, err)
		_, err = m.InsertToolCallElement(context.Background(), "s1", Element{Title: "Read file"})
		require.NoError(t, err)
	})

	var kinds []string
	for _, p := range ft.patches {
		kinds = append(kinds, p.kind)
	}
	assert.Contains(t, kinds, "delete")
	assert.Contains(t, kinds, "add")
}

func TestCloseDeliversSummaryToSettingsPatch(t *testing.T) {
	ft := &fakeTransport{}
	m, arena, locks := testManager(t, ft)
	arena.GetOrCreate("s1")

	locks.With("s1", func() {
		_, err := m.EnsureCard(context.Background(), "s1", "chat-1")
		require.NoError(t, err)
		require.NoError(t, m.AppendText(context.Background(), "s1", "done"))
		require.NoError(t, m.Close(context.Background(), "s1", "Completed successfully"))
	})

	var settings *patch
	for i := range ft.patches {
		if ft.patches[i].kind == "settings" {
			settings = &ft.patches[i]
		}
	}
	require.NotNil(t, settings)
	assert.Equal(t, "Completed successfully", settings.summary)
}
