package cardaction

import (
	"context"
	"fmt"
	"os"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/permission"
	"github.com/kandev/larkacp/internal/process"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

// Deps is the narrow surface the Card Action Handler needs from the
// rest of the system.
type Deps struct {
	Store          *store.Store
	Processes      *process.Manager
	Permissions    *permission.Manager
	Cards          *card.Manager
	Projects       *session.ActiveProjects
	Lookup         session.Lookup
	Locks          *session.Locks
	Transport      Transport
	Logger         *logger.Logger
	BaseWorkingDir string // project folders are created/renamed under here (§3)

	// RunPrompt forwards text as the next prompt in sessionID, used by
	// command_select.
	RunPrompt func(ctx context.Context, sessionID, text string) error
}

// Handler implements §4.11's dispatch table.
type Handler struct {
	deps Deps
	log  *logger.Logger
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, log: deps.Logger.WithFields(zap.String("component", "cardaction-handler"))}
}

// Handle dispatches one callback. Errors are returned to the caller
// (the Orchestrator logs them); no error is patched onto the card.
func (h *Handler) Handle(ctx context.Context, cb Callback) error {
	switch cb.Action {
	case ActionPermissionSelect:
		return h.deps.Permissions.Resolve(ctx, cb.SessionID, cb.MessageID, cb.Values["option_id"])

	case ActionSessionSelect:
		return h.sessionSelect(ctx, cb)

	case ActionSessionDelete:
		return h.sessionDelete(ctx, cb)

	case ActionModelSelect:
		return h.setSessionField(ctx, cb, "model", cb.Values["model_id"])

	case ActionModeSelect:
		return h.setSessionField(ctx, cb, "mode", cb.Values["mode_id"])

	case ActionConfigDetail:
		return h.deps.Transport.OpenConfigDetail(ctx, cb.ChatID, cb.Values["config_id"], cb.Values["label"], splitChoices(cb.Values["choices"]))

	case ActionConfigSelect:
		return h.configSelect(ctx, cb)

	case ActionCommandSelect:
		return h.commandSelect(ctx, cb)

	case ActionProjectCreate:
		return h.projectCreate(ctx, cb)

	case ActionProjectEdit:
		return h.projectEdit(ctx, cb)

	case ActionProjectCancel:
		return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Cancelled.")

	case ActionProjectSelect:
		return h.projectSelect(ctx, cb)
	}
	return fmt.Errorf("cardaction: unknown action %q", cb.Action)
}

func (h *Handler) sessionSelect(ctx context.Context, cb Callback) error {
	sess, err := h.deps.Store.GetSession(ctx, cb.SessionID)
	if err != nil {
		return err
	}
	if sess.ProjectID != "" {
		h.deps.Projects.Bind(cb.ChatID, sess.ProjectID)
	} else {
		h.deps.Projects.Clear(cb.ChatID)
	}
	if err := h.deps.Store.Touch(ctx, sess.ID); err != nil {
		return err
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Resumed session: "+sess.ID)
}

func (h *Handler) sessionDelete(ctx context.Context, cb Callback) error {
	sess, err := h.deps.Store.GetSession(ctx, cb.SessionID)
	if err != nil {
		return err
	}
	if sess != nil && sess.Status == store.StatusRunning {
		if proc, ok := h.deps.Processes.Get(sess.ID); ok {
			if bridge := proc.Bridge(); bridge != nil {
				_ = bridge.Cancel(ctx, acp.SessionId(sess.ACPSessionID))
			}
		}
	}
	if err := h.deps.Processes.Kill(ctx, cb.SessionID); err != nil {
		h.log.Warn("kill process on session delete failed", zap.Error(err))
	}
	if err := h.deps.Store.DeleteSession(ctx, cb.SessionID); err != nil {
		return err
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Session deleted.")
}

func (h *Handler) setSessionField(ctx context.Context, cb Callback, kind, value string) error {
	if value == "" {
		return fmt.Errorf("cardaction: %s_select missing value", kind)
	}
	proc, ok := h.deps.Processes.Get(cb.SessionID)
	if !ok {
		return fmt.Errorf("cardaction: no process for session %s", cb.SessionID)
	}
	bridge := proc.Bridge()
	if bridge == nil {
		return fmt.Errorf("cardaction: no bridge for session %s", cb.SessionID)
	}

	var active *session.ActiveSession
	h.deps.Locks.With(cb.SessionID, func() {
		active, ok = h.deps.Lookup.Get(cb.SessionID)
	})
	if !ok {
		return fmt.Errorf("cardaction: no active session %s", cb.SessionID)
	}

	acpSessionID := active.ACPSessionID
	var err error
	switch kind {
	case "model":
		err = bridge.SetSessionModel(ctx, acpSessionID, value)
	case "mode":
		err = bridge.SetSessionMode(ctx, acpSessionID, value)
	}
	if err != nil {
		return err
	}

	h.deps.Locks.With(cb.SessionID, func() {
		if a, ok := h.deps.Lookup.Get(cb.SessionID); ok {
			switch kind {
			case "model":
				a.CurrentModel = value
			case "mode":
				a.CurrentMode = value
			}
		}
	})
	if kind == "mode" {
		if err := h.deps.Store.SetMode(ctx, cb.SessionID, value); err != nil {
			h.log.Warn("persist mode failed", zap.Error(err))
		}
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, fmt.Sprintf("%s set to %s", kind, value))
}

func (h *Handler) configSelect(ctx context.Context, cb Callback) error {
	proc, ok := h.deps.Processes.Get(cb.SessionID)
	if !ok {
		return fmt.Errorf("cardaction: no process for session %s", cb.SessionID)
	}
	bridge := proc.Bridge()
	if bridge == nil {
		return fmt.Errorf("cardaction: no bridge for session %s", cb.SessionID)
	}
	var active *session.ActiveSession
	h.deps.Locks.With(cb.SessionID, func() {
		active, ok = h.deps.Lookup.Get(cb.SessionID)
	})
	if !ok {
		return fmt.Errorf("cardaction: no active session %s", cb.SessionID)
	}
	configID := cb.Values["config_id"]
	value := cb.Values["value"]
	if err := bridge.SetSessionConfigOption(ctx, active.ACPSessionID, configID, value); err != nil {
		return err
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, fmt.Sprintf("%s set to %s", configID, value))
}

func (h *Handler) commandSelect(ctx context.Context, cb Callback) error {
	if err := h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Running /"+cb.Values["command"]); err != nil {
		return err
	}
	if h.deps.RunPrompt == nil {
		return nil
	}
	return h.deps.RunPrompt(ctx, cb.SessionID, "/"+cb.Values["command"]+" "+cb.Values["args"])
}

func (h *Handler) projectCreate(ctx context.Context, cb Callback) error {
	p := &store.Project{
		ID:          cb.Values["project_id"],
		ChatID:      cb.ChatID,
		FolderName:  cb.Values["folder_name"],
		Title:       cb.Values["title"],
		Description: cb.Values["description"],
	}
	if err := store.ValidateFolderName(p.FolderName); err != nil {
		return err
	}
	dir := store.ProjectDir(h.deps.BaseWorkingDir, p)
	if err := os.Mkdir(dir, 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("cardaction: create project folder: %w", err)
	}
	if err := h.deps.Store.CreateProject(ctx, p); err != nil {
		return err
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Project created: "+p.Title)
}

func (h *Handler) projectEdit(ctx context.Context, cb Callback) error {
	projectID := cb.Values["project_id"]
	p, err := h.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	if newFolder := cb.Values["folder_name"]; newFolder != "" && newFolder != p.FolderName {
		if err := store.ValidateFolderName(newFolder); err != nil {
			return err
		}
		newDir := store.ProjectDir(h.deps.BaseWorkingDir, &store.Project{FolderName: newFolder})
		if _, err := os.Stat(newDir); err == nil {
			return fmt.Errorf("cardaction: project folder %q already exists", newFolder)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("cardaction: stat project folder: %w", err)
		}
		oldDir := store.ProjectDir(h.deps.BaseWorkingDir, p)
		if err := os.Rename(oldDir, newDir); err != nil {
			return fmt.Errorf("cardaction: rename project folder: %w", err)
		}
		if err := h.deps.Store.RenameFolder(ctx, projectID, newFolder); err != nil {
			return err
		}
	}

	if err := h.deps.Store.UpdateMeta(ctx, projectID, cb.Values["title"], cb.Values["description"]); err != nil {
		return err
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Project updated.")
}

func (h *Handler) projectSelect(ctx context.Context, cb Callback) error {
	projectID := cb.Values["project_id"]
	h.deps.Projects.Bind(cb.ChatID, projectID)

	sess, err := h.deps.Store.GetMostRecentByProject(ctx, projectID)
	if err != nil {
		return err
	}
	if sess != nil {
		if err := h.deps.Store.Touch(ctx, sess.ID); err != nil {
			return err
		}
	}
	return h.deps.Transport.PatchText(ctx, cb.CardID, cb.MessageID, "Project selected.")
}

func splitChoices(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(raw); i++ {
		if raw[i] == ',' {
			out = append(out, raw[start:i])
			start = i + 1
		}
	}
	out = append(out, raw[start:])
	return out
}
