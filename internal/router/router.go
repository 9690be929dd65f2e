// Package router is the Session Update Router (§4.10): it interprets
// each inbound ACP sessionUpdate notification and drives the Streaming
// Card Manager, ActiveSession state, and the Session Repository.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

// Router implements §4.10's dispatch table. Every call runs entirely
// under the session lock.
type Router struct {
	cards  *card.Manager
	store  *store.Store
	locks  *session.Locks
	lookup session.Lookup
	logger *logger.Logger
}

func NewRouter(cards *card.Manager, s *store.Store, locks *session.Locks, lookup session.Lookup, log *logger.Logger) *Router {
	return &Router{
		cards:  cards,
		store:  s,
		locks:  locks,
		lookup: lookup,
		logger: log.WithFields(zap.String("component", "update-router")),
	}
}

// ChatOf resolves the IM chat a sessionID's card updates go to; the
// Orchestrator supplies it since the router has no store lookup keyed
// that way (a session row has ChatID but the router only sees session
// ids off the wire).
type ChatOf func(sessionID string) (chatID string, ok bool)

// Handle dispatches one notification. It's wired as the ACP Client
// Bridge's UpdateHandler for a given session.
func (r *Router) Handle(ctx context.Context, sessionID string, chatOf ChatOf, n acp.SessionNotification) {
	r.locks.With(sessionID, func() {
		r.dispatch(ctx, sessionID, chatOf, n)
	})
}

func (r *Router) dispatch(ctx context.Context, sessionID string, chatOf ChatOf, n acp.SessionNotification) {
	u := n.Update

	switch {
	case u.AgentMessageChunk != nil:
		r.handleText(ctx, sessionID, chatOf, u.AgentMessageChunk.Content)

	case u.AgentThoughtChunk != nil:
		r.handleText(ctx, sessionID, chatOf, u.AgentThoughtChunk.Content)

	case u.ToolCall != nil:
		r.handleToolCall(ctx, sessionID, chatOf, u.ToolCall)

	case u.ToolCallUpdate != nil:
		r.handleToolCallUpdate(ctx, sessionID, u.ToolCallUpdate)

	case u.Plan != nil:
		r.handlePlan(sessionID, u.Plan)

	case u.CurrentModeUpdate != nil:
		r.handleModeUpdate(ctx, sessionID, u.CurrentModeUpdate)

	case u.AvailableCommandsUpdate != nil:
		r.handleAvailableCommands(sessionID, u.AvailableCommandsUpdate)

	case u.ConfigOptionUpdate != nil:
		r.handleConfigOptions(sessionID, u.ConfigOptionUpdate)

	case u.SessionInfoUpdate != nil:
		r.handleSessionInfo(sessionID, u.SessionInfoUpdate)

	default:
		r.logger.Debug("ignoring unrecognized session update", zap.String("session_id", sessionID))
	}
}

func (r *Router) handleText(ctx context.Context, sessionID string, chatOf ChatOf, content acp.ContentBlock) {
	if content.Text == nil || content.Text.Text == "" {
		return
	}
	chatID, ok := chatOf(sessionID)
	if !ok {
		return
	}
	if _, err := r.cards.EnsureCard(ctx, sessionID, chatID); err != nil {
		r.logger.Warn("ensure card failed", zap.Error(err))
		return
	}
	if err := r.cards.AppendText(ctx, sessionID, content.Text.Text); err != nil {
		r.logger.Warn("append text failed", zap.Error(err))
	}
}

func (r *Router) handleToolCall(ctx context.Context, sessionID string, chatOf ChatOf, tc *acp.ToolCall) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	toolCallID := string(tc.ToolCallId)
	title := toolCallTitle(tc)
	kind := string(tc.Kind)

	if existing, ok := active.ToolCallElements[toolCallID]; ok {
		_ = r.cards.PatchToolCallElement(ctx, sessionID, existing.ElementID, card.Element{Title: title, Kind: "tool_call"})
		return
	}

	chatID, ok := chatOf(sessionID)
	if !ok {
		return
	}
	if _, err := r.cards.EnsureCard(ctx, sessionID, chatID); err != nil {
		r.logger.Warn("ensure card failed", zap.Error(err))
		return
	}

	elementID, err := r.cards.InsertToolCallElement(ctx, sessionID, card.Element{Title: title, Kind: "tool_call"})
	if err != nil {
		r.logger.Warn("insert tool call element failed", zap.Error(err))
		return
	}
	active.ToolCallElements[toolCallID] = &session.ToolCallElement{
		ElementID: elementID,
		CardID:    active.StreamingCard.CardID,
		Kind:      kind,
		Label:     title,
		Title:     title,
		StartedAt: time.Now(),
	}
}

func toolCallTitle(tc *acp.ToolCall) string {
	if tc.Title != "" {
		return tc.Title
	}
	return string(tc.Kind)
}

func (r *Router) handleToolCallUpdate(ctx context.Context, sessionID string, u *acp.ToolCallUpdate) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	toolCallID := string(u.ToolCallId)
	el, ok := active.ToolCallElements[toolCallID]
	if !ok {
		return
	}
	if u.Status == nil {
		return
	}
	status := string(*u.Status)
	if status != "completed" && status != "failed" {
		return
	}
	duration := time.Since(el.StartedAt).Round(time.Millisecond)
	icon, color := "🟢", "green"
	if status == "failed" {
		icon, color = "🔴", "red"
	}
	_ = r.cards.PatchToolCallElement(ctx, sessionID, el.ElementID, card.Element{
		Title:    el.Title,
		Icon:     icon,
		Color:    color,
		Markdown: fmt.Sprintf("%s %s (%s)", icon, el.Title, duration),
	})
}

func (r *Router) handlePlan(sessionID string, p *acp.Plan) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	entries := make([]session.PlanEntry, len(p.Entries))
	for i, e := range p.Entries {
		entries[i] = session.PlanEntry{
			Content:  e.Content,
			Priority: string(e.Priority),
			Status:   string(e.Status),
		}
	}
	active.CurrentPlan = entries
}

func (r *Router) handleModeUpdate(ctx context.Context, sessionID string, u *acp.CurrentModeUpdate) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	active.CurrentMode = string(u.CurrentModeId)
	if err := r.store.SetMode(ctx, sessionID, active.CurrentMode); err != nil {
		r.logger.Warn("persist mode update failed", zap.Error(err))
	}
}

func (r *Router) handleAvailableCommands(sessionID string, u *acp.AvailableCommandsUpdate) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	cmds := make([]string, len(u.AvailableCommands))
	for i, c := range u.AvailableCommands {
		cmds[i] = c.Name
	}
	active.AvailableCommands = cmds
}

func (r *Router) handleConfigOptions(sessionID string, u *acp.ConfigOptionUpdate) {
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	opts := make([]session.ConfigOption, len(u.ConfigOptions))
	for i, o := range u.ConfigOptions {
		opts[i] = session.ConfigOption{
			ID:      o.Id,
			Label:   o.Label,
			Value:   o.Value,
			Choices: o.Choices,
		}
	}
	active.ConfigOptions = opts
}

// handleSessionInfo updates the in-memory session title (§9 open
// question: the session row has no title column, so this is never
// persisted — only the live ActiveSession reflects it).
func (r *Router) handleSessionInfo(sessionID string, u *acp.SessionInfoUpdate) {
	if u.Title == "" {
		return
	}
	active, ok := r.lookup.Get(sessionID)
	if !ok {
		return
	}
	active.Title = u.Title
}

