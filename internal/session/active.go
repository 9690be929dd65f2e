// Package session holds the in-memory ActiveSession arena (§3) and the
// per-session lock discipline (§5) collaborators acquire it through.
// Only the Orchestrator mutates the map of ActiveSessions; everyone else
// receives a SessionLookup capability and a lock token keyed by id, per
// the "arena + id" layout spec.md §9 recommends for breaking the cyclic
// reference between Orchestrator, Streaming Card Manager, Permission
// Manager, and Session Update Router.
package session

import (
	"strconv"
	"sync"
	"time"

	"github.com/coder/acp-go-sdk"

	"github.com/kandev/larkacp/internal/acpclient"
)

// ConfigOption mirrors one ACP session configuration choice surfaced to
// the user (§4.10 config_option_update).
type ConfigOption struct {
	ID      string
	Label   string
	Value   string
	Choices []string
}

// PlanEntry is one item of the agent's current plan (§3).
type PlanEntry struct {
	Content  string
	Priority string // high | medium | low
	Status   string // pending | in_progress | completed
}

// ToolCallElement records where one ACP tool call is rendered on a card,
// so a later tool_call_update can find and patch it (§4.10).
type ToolCallElement struct {
	ElementID string
	CardID    string
	Kind      string
	Label     string
	Title     string
	StartedAt time.Time
}

// PermissionResolver is a pending requestPermission awaiting either a
// card click or its timeout (§4.8).
type PermissionResolver struct {
	SessionID   string
	Options     []acp.PermissionOption
	ToolDesc    string
	Timer       *time.Timer
	resolveOnce sync.Once
	resultCh    chan acp.RequestPermissionOutcome
}

// NewPermissionResolver creates a resolver with its result channel ready
// to receive exactly one outcome.
func NewPermissionResolver(sessionID, toolDesc string, options []acp.PermissionOption) *PermissionResolver {
	return &PermissionResolver{
		SessionID: sessionID,
		Options:   options,
		ToolDesc:  toolDesc,
		resultCh:  make(chan acp.RequestPermissionOutcome, 1),
	}
}

// Resolve delivers outcome exactly once; subsequent calls are no-ops.
// This is the single enforcement point for P6 (exactly one of {click,
// timer} resolves a request).
func (r *PermissionResolver) Resolve(outcome acp.RequestPermissionOutcome) {
	r.resolveOnce.Do(func() {
		if r.Timer != nil {
			r.Timer.Stop()
		}
		r.resultCh <- outcome
		close(r.resultCh)
	})
}

func (r *PermissionResolver) Wait() <-chan acp.RequestPermissionOutcome { return r.resultCh }

// ShellProcess tracks the foreground `!<cmd>` subprocess, if any, so
// `kill` (§4.6) can terminate it independent of the agent process.
type ShellProcess struct {
	Cancel func()
}

// ActiveSession is the in-memory state for one session id, per §3.
// Every field here is mutated only while the owner holds the session's
// lock (see Locks.With).
type ActiveSession struct {
	SessionID string

	Bridge *acpclient.Bridge

	ACPSessionID acp.SessionId

	AvailableCommands []string
	AvailableModels   []string
	AvailableModes    []string
	CurrentMode       string
	CurrentModel      string
	ConfigOptions     []ConfigOption
	CurrentPlan       []PlanEntry

	// Title is the agent-reported session title (session_info_update,
	// §4.10); kept in memory only, not persisted to the session row.
	Title string

	StreamingCard *StreamingCard

	PermissionResolvers map[string]*PermissionResolver // card message id -> resolver
	ToolCallElements    map[string]*ToolCallElement     // ACP tool-call id -> element
	CardSequences       map[string]int                  // card id -> last sequence

	ShellProcess *ShellProcess
}

// NewActiveSession allocates an empty ActiveSession for id.
func NewActiveSession(id string) *ActiveSession {
	return &ActiveSession{
		SessionID:           id,
		PermissionResolvers: make(map[string]*PermissionResolver),
		ToolCallElements:    make(map[string]*ToolCallElement),
		CardSequences:       make(map[string]int),
		CurrentMode:         "default",
	}
}

// NextSequenceForCard returns the next monotonic sequence for cardId
// (§4.9, §5). Callers must hold the session lock.
func (a *ActiveSession) NextSequenceForCard(cardID string) int {
	next := a.CardSequences[cardID] + 1
	a.CardSequences[cardID] = next
	return next
}

// StreamingCard is the in-memory counterpart of §3's StreamingCard type.
type StreamingCard struct {
	CardID             string
	MessageID          string
	ActiveElementID    string
	ElementCounter     int
	AccumulatedText    string
	LastFlushedText    string
	FlushTimer         *time.Timer
	CreatedAt          time.Time
	StreamingOpen      bool
	StreamingOpenedAt  time.Time
	PlaceholderReplaced bool
}

// NextElementID mints a fresh md_<n> or tool_<n> id (§4.9).
func (c *StreamingCard) NextElementID(kind string) string {
	c.ElementCounter++
	if kind == "tool" {
		return "tool_" + strconv.Itoa(c.ElementCounter)
	}
	return "md_" + strconv.Itoa(c.ElementCounter)
}
