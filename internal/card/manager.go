package card

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
)

const (
	placeholderElementID = "md_0"
	placeholderMarkdown  = "_Pending..._"
)

// Manager implements §4.9's invariants: sequence monotonicity, a
// throttled flush, placeholder replacement, element lifecycle, the
// 10-minute auto-reopen, and the 100 KB content cap.
type Manager struct {
	transport Transport
	locks     *session.Locks
	lookup    session.Lookup
	logger    *logger.Logger

	flushInterval time.Duration
	autoClose     time.Duration
	maxContent    int
}

func NewManager(transport Transport, locks *session.Locks, lookup session.Lookup, log *logger.Logger, flushInterval, autoClose time.Duration, maxContent int) *Manager {
	return &Manager{
		transport:     transport,
		locks:         locks,
		lookup:        lookup,
		logger:        log.WithFields(zap.String("component", "card-manager")),
		flushInterval: flushInterval,
		autoClose:     autoClose,
		maxContent:    maxContent,
	}
}

// EnsureCard creates sessionID's streaming card if it doesn't exist yet.
// Callers must already hold sessionID's lock.
func (m *Manager) EnsureCard(ctx context.Context, sessionID, chatID string) (*session.StreamingCard, error) {
	active, ok := m.lookup.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("card: no active session %s", sessionID)
	}
	if active.StreamingCard != nil {
		return active.StreamingCard, nil
	}

	cardID, messageID, err := m.transport.CreateCard(ctx, chatID, Element{
		ID:       placeholderElementID,
		Kind:     "markdown",
		Markdown: placeholderMarkdown,
	})
	if err != nil {
		return nil, fmt.Errorf("card: create: %w", err)
	}

	now := time.Now()
	active.StreamingCard = &session.StreamingCard{
		CardID:            cardID,
		MessageID:         messageID,
		CreatedAt:         now,
		StreamingOpen:     true,
		StreamingOpenedAt: now,
	}
	return active.StreamingCard, nil
}

// AppendText accumulates a text chunk and arms (or leaves armed) the
// throttled flush timer. Callers must hold sessionID's lock.
func (m *Manager) AppendText(ctx context.Context, sessionID string, chunk string) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return fmt.Errorf("card: no streaming card for session %s", sessionID)
	}
	sc := active.StreamingCard
	sc.AccumulatedText += chunk

	if sc.FlushTimer != nil {
		return nil
	}
	sc.FlushTimer = time.AfterFunc(m.flushInterval, func() {
		m.locks.With(sessionID, func() {
			_ = m.flushLocked(context.Background(), sessionID)
		})
	})
	return nil
}

// ForceFlush cancels any pending timer and flushes synchronously.
// Callers must hold sessionID's lock.
func (m *Manager) ForceFlush(ctx context.Context, sessionID string) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return nil
	}
	if active.StreamingCard.FlushTimer != nil {
		active.StreamingCard.FlushTimer.Stop()
		active.StreamingCard.FlushTimer = nil
	}
	return m.flushLocked(ctx, sessionID)
}

// flushLocked performs one flush. Callers must hold sessionID's lock
// (the timer callback acquires it itself before calling in).
func (m *Manager) flushLocked(ctx context.Context, sessionID string) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return nil
	}
	sc := active.StreamingCard
	sc.FlushTimer = nil

	if sc.AccumulatedText == sc.LastFlushedText {
		return nil
	}

	content := clamp(sc.AccumulatedText, m.maxContent)

	if err := m.reopenIfIdle(ctx, sessionID); err != nil {
		m.logger.Warn("card reopen failed", zap.Error(err))
	}

	if sc.ActiveElementID == "" {
		elementID := sc.NextElementID("markdown")
		if !sc.PlaceholderReplaced {
			if err := m.transport.ReplaceElement(ctx, sc.CardID, placeholderElementID, active.NextSequenceForCard(sc.CardID), Element{
				ID: elementID, Kind: "markdown", Markdown: content,
			}); err != nil {
				return fmt.Errorf("card: replace placeholder: %w", err)
			}
			sc.PlaceholderReplaced = true
		} else {
			if err := m.transport.AddElement(ctx, sc.CardID, active.NextSequenceForCard(sc.CardID), "append", "", Element{
				ID: elementID, Kind: "markdown", Markdown: content,
			}); err != nil {
				return fmt.Errorf("card: add element: %w", err)
			}
		}
		sc.ActiveElementID = elementID
		sc.LastFlushedText = sc.AccumulatedText
		return nil
	}

	delta := strings.TrimPrefix(content, clamp(sc.LastFlushedText, m.maxContent))
	if delta == "" {
		sc.LastFlushedText = sc.AccumulatedText
		return nil
	}
	if err := m.transport.StreamText(ctx, sc.CardID, sc.ActiveElementID, active.NextSequenceForCard(sc.CardID), delta); err != nil {
		return fmt.Errorf("card: stream text: %w", err)
	}
	sc.LastFlushedText = sc.AccumulatedText
	return nil
}

// InsertToolCallElement finalizes the active markdown element (if any)
// and appends a fresh tool-call element at the end of the card, per
// §4.9's element lifecycle. The card carries no processing-indicator
// element, so nothing is kept below the tool call. Callers must hold
// the lock.
func (m *Manager) InsertToolCallElement(ctx context.Context, sessionID string, el Element) (string, error) {
	if err := m.ForceFlush(ctx, sessionID); err != nil {
		return "", err
	}
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return "", fmt.Errorf("card: no streaming card for session %s", sessionID)
	}
	sc := active.StreamingCard

	if !sc.PlaceholderReplaced {
		if err := m.transport.DeleteElement(ctx, sc.CardID, placeholderElementID, active.NextSequenceForCard(sc.CardID)); err != nil {
			m.logger.Warn("delete placeholder failed", zap.Error(err))
		}
		sc.PlaceholderReplaced = true
	}

	elementID := sc.NextElementID("tool")
	el.ID = elementID
	el.Kind = "tool_call"
	if err := m.transport.AddElement(ctx, sc.CardID, active.NextSequenceForCard(sc.CardID), "append", "", el); err != nil {
		return "", fmt.Errorf("card: add tool element: %w", err)
	}
	sc.ActiveElementID = ""
	return elementID, nil
}

// PatchToolCallElement updates an already-inserted tool-call element
// in place (e.g. on tool_call_update completion). Callers must hold the
// lock.
func (m *Manager) PatchToolCallElement(ctx context.Context, sessionID, elementID string, el Element) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return fmt.Errorf("card: no streaming card for session %s", sessionID)
	}
	el.ID = elementID
	el.Kind = "tool_call"
	return m.transport.ReplaceElement(ctx, active.StreamingCard.CardID, elementID, active.NextSequenceForCard(active.StreamingCard.CardID), el)
}

// Pause force-flushes and closes streaming mode with either the first
// 100 chars of accumulated text or a waiting placeholder, used when a
// permission request interrupts the turn (§4.8 step 1).
func (m *Manager) Pause(ctx context.Context, sessionID string, waitingForPermission bool) error {
	if err := m.ForceFlush(ctx, sessionID); err != nil {
		return err
	}
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return nil
	}
	summary := summarize(active.StreamingCard.AccumulatedText)
	if summary == "" {
		if waitingForPermission {
			summary = "(等待授权)"
		} else {
			summary = "(等待操作)"
		}
	}
	return m.closeWithSummary(ctx, sessionID, summary)
}

// Close finalizes the card with a human-readable summary on turn end,
// error, or pause (§4.9 Close). Callers must hold the lock.
func (m *Manager) Close(ctx context.Context, sessionID, summary string) error {
	if err := m.ForceFlush(ctx, sessionID); err != nil {
		return err
	}
	return m.closeWithSummary(ctx, sessionID, summary)
}

func (m *Manager) closeWithSummary(ctx context.Context, sessionID, summary string) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return nil
	}
	sc := active.StreamingCard

	durationID := sc.NextElementID("markdown")
	elapsed := time.Since(sc.CreatedAt).Round(time.Second)
	if err := m.transport.AddElement(ctx, sc.CardID, active.NextSequenceForCard(sc.CardID), "append", "", Element{
		ID: durationID, Kind: "markdown", Markdown: fmt.Sprintf("_%s_", elapsed),
	}); err != nil {
		m.logger.Warn("card duration marker failed", zap.Error(err))
	}

	if err := m.transport.UpdateSettings(ctx, sc.CardID, active.NextSequenceForCard(sc.CardID), false, summary); err != nil {
		m.logger.Warn("card close settings patch failed", zap.Error(err))
	}
	sc.StreamingOpen = false

	active.StreamingCard = nil
	return nil
}

// reopenIfIdle re-enables streaming mode if the card has gone silent
// past autoClose, since IM considers streaming closed by then (§4.9
// Auto-reopen).
func (m *Manager) reopenIfIdle(ctx context.Context, sessionID string) error {
	active, ok := m.lookup.Get(sessionID)
	if !ok || active.StreamingCard == nil {
		return nil
	}
	sc := active.StreamingCard
	if time.Since(sc.StreamingOpenedAt) >= m.autoClose {
		if err := m.transport.UpdateSettings(ctx, sc.CardID, active.NextSequenceForCard(sc.CardID), true, ""); err != nil {
			return err
		}
		sc.StreamingOpen = true
	}
	sc.StreamingOpenedAt = time.Now()
	return nil
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	r := []rune(text)
	if len(r) <= 100 {
		return text
	}
	return string(r[:100]) + "…"
}
