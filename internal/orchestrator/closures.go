package orchestrator

import (
	"context"
	"fmt"

	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

// cancelPrompt implements command.Deps.CancelPrompt for /stop (§4.6): it
// sends an ACP cancel for the session's in-flight turn, if any.
func (o *Orchestrator) cancelPrompt(ctx context.Context, sess *store.Session, active *session.ActiveSession) error {
	if active == nil || active.Bridge == nil {
		return nil
	}
	return active.Bridge.Cancel(ctx, active.ACPSessionID)
}

// killShell implements command.Deps.KillShell for /kill (§4.6): it
// terminates the session's foreground `!<command>` subprocess, if any.
func (o *Orchestrator) killShell(sess *store.Session, active *session.ActiveSession) {
	if active == nil || active.ShellProcess == nil || active.ShellProcess.Cancel == nil {
		return
	}
	active.ShellProcess.Cancel()
}

// setMode implements command.Deps.SetMode for /mode and /solo|/yolo
// (§4.6): it pushes the mode change to the agent over ACP, then updates
// in-memory and persisted state to match.
func (o *Orchestrator) setMode(ctx context.Context, sess *store.Session, active *session.ActiveSession, modeID string) error {
	if active == nil || active.Bridge == nil {
		return fmt.Errorf("orchestrator: no active agent for session %s", sess.ID)
	}
	if err := active.Bridge.SetSessionMode(ctx, active.ACPSessionID, modeID); err != nil {
		return err
	}
	o.locks.With(sess.ID, func() {
		active.CurrentMode = modeID
	})
	return o.store.SetMode(ctx, sess.ID, modeID)
}

// setModel implements command.Deps.SetModel for /model (§4.6).
func (o *Orchestrator) setModel(ctx context.Context, sess *store.Session, active *session.ActiveSession, modelID string) error {
	if active == nil || active.Bridge == nil {
		return fmt.Errorf("orchestrator: no active agent for session %s", sess.ID)
	}
	if err := active.Bridge.SetSessionModel(ctx, active.ACPSessionID, modelID); err != nil {
		return err
	}
	o.locks.With(sess.ID, func() {
		active.CurrentModel = modelID
	})
	return nil
}

// setConfigOption implements command.Deps.SetConfigOption (§4.6 /config).
func (o *Orchestrator) setConfigOption(ctx context.Context, sess *store.Session, active *session.ActiveSession, configID, value string) error {
	if active == nil || active.Bridge == nil {
		return fmt.Errorf("orchestrator: no active agent for session %s", sess.ID)
	}
	return active.Bridge.SetSessionConfigOption(ctx, active.ACPSessionID, configID, value)
}
