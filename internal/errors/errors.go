// Package errors defines the closed error taxonomy surfaced by the
// orchestrator to its callers. Transport-library errors (ACP, Lark) are
// never allowed past the bridges; they are wrapped in TransportError.
package errors

import "fmt"

// SessionState is the orchestrator's subset of Session.status.
type SessionState string

const (
	SessionIdle    SessionState = "idle"
	SessionRunning SessionState = "running"
)

// SessionNotFoundError indicates no session matched the lookup.
type SessionNotFoundError struct {
	SessionID string
}

func (e *SessionNotFoundError) Error() string {
	if e.SessionID == "" {
		return "no active session found"
	}
	return fmt.Sprintf("session %q not found", e.SessionID)
}

// ProjectNotFoundError indicates no project matched the lookup.
type ProjectNotFoundError struct {
	ProjectID string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %q not found", e.ProjectID)
}

// SessionStateError indicates an illegal status transition was attempted.
// The only legal transitions are idle->running and running->idle.
type SessionStateError struct {
	SessionID string
	From      SessionState
	To        SessionState
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %q: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// TransportError wraps an error raised by an external transport (the ACP
// connection or the Lark SDK) so callers never need to import those
// packages to handle failures.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsBusy reports whether err indicates a session is already running and
// cannot accept a new prompt ("Please wait" case from §4.12).
func IsBusy(err error) bool {
	se, ok := err.(*SessionStateError)
	return ok && se.To == SessionRunning && se.From == SessionRunning
}
