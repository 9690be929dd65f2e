package command

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/store"
)

// PromptTemplate is one configured `/x <args>` expansion (§4.6 Prompt
// commands), e.g. {Name: "refactor", Template: "Refactor: %s"}.
type PromptTemplate struct {
	Name     string
	Template string // fmt format string, applied as fmt.Sprintf(Template, args)
}

// Result is what the Orchestrator does after a command runs: either a
// plain reply, or a prompt to forward into the ACP session.
type Result struct {
	Reply         string
	ForwardPrompt string
}

// Deps is the narrow surface the Command Handler needs from the rest of
// the system, injected so this package stays independent of the
// Orchestrator's concrete wiring.
type Deps struct {
	Store          *store.Store
	Lookup         session.Lookup
	Locks          *session.Locks
	Logger         *logger.Logger
	Templates      []PromptTemplate
	Projects       *session.ActiveProjects
	BaseWorkingDir string // project folders are created/renamed under here (§3)

	CancelPrompt    func(ctx context.Context, sess *store.Session, active *session.ActiveSession) error
	KillShell       func(sess *store.Session, active *session.ActiveSession)
	SetMode         func(ctx context.Context, sess *store.Session, active *session.ActiveSession, modeID string) error
	SetModel        func(ctx context.Context, sess *store.Session, active *session.ActiveSession, modelID string) error
	SetConfigOption func(ctx context.Context, sess *store.Session, active *session.ActiveSession, configID, value string) error
}

// Handler implements §4.6's dispatch table.
type Handler struct {
	deps Deps
}

func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

const noActiveSession = "No active session found."

// Dispatch routes one parsed slash command. sess/active may be nil for
// commands that can run without an existing session (currently none do,
// per §4.6: "Each requires an existing session unless explicitly
// creating one").
func (h *Handler) Dispatch(ctx context.Context, sess *store.Session, active *session.ActiveSession, p Parsed) (Result, error) {
	if sess == nil {
		return Result{Reply: noActiveSession}, nil
	}

	switch p.Command {
	case "help":
		return Result{Reply: helpText}, nil

	case "stop":
		if h.deps.CancelPrompt != nil {
			if err := h.deps.CancelPrompt(ctx, sess, active); err != nil {
				return Result{}, err
			}
		}
		return Result{Reply: "Stopped."}, nil

	case "kill":
		if h.deps.KillShell != nil {
			h.deps.KillShell(sess, active)
		}
		return Result{Reply: "Shell command killed."}, nil

	case "new", "clear":
		return Result{Reply: "Starting a new session on your next message."}, nil

	case "list", "resume":
		return h.listSessionsInProject(ctx, sess.ProjectID)

	case "listall":
		return h.listSessionsInChat(ctx, sess.ChatID)

	case "delete":
		return Result{Reply: "Use the session list card to delete a session."}, nil

	case "todo", "plan":
		return h.renderPlan(active), nil

	case "solo", "yolo":
		return h.toggleSolo(ctx, sess, active)

	case "mode":
		return h.setMode(ctx, sess, active, p.Args)

	case "info":
		return Result{Reply: h.info(sess, active)}, nil

	case "model":
		return h.setModel(ctx, sess, active, p.Args)

	case "command":
		return Result{Reply: h.listCommands(active)}, nil

	case "config":
		return Result{Reply: h.listConfig(active)}, nil

	case "project":
		return h.project(ctx, sess, p.Args)
	}

	if tmpl, ok := h.matchTemplate(p.Command); ok {
		return Result{ForwardPrompt: fmt.Sprintf(tmpl.Template, p.Args)}, nil
	}

	if active != nil && contains(active.AvailableCommands, p.Command) {
		return Result{ForwardPrompt: "/" + p.Command + " " + p.Args}, nil
	}

	return Result{Reply: "Unknown command: /" + p.Command}, nil
}

const helpText = "Available commands: /help /stop /kill /new /list /listall /todo /solo /mode /info /model /command /config /project"

const projectUsage = "Use /project new|list|info|edit|exit|root."

// project implements §4.6's `project {new|list|info|edit|exit|root}`
// local command, the text-command counterpart of the Card Action
// Handler's project_create/project_edit/project_select operations
// (internal/cardaction/handler.go).
func (h *Handler) project(ctx context.Context, sess *store.Session, args string) (Result, error) {
	sub, rest := splitFirst(args)
	switch sub {
	case "new":
		return h.projectNew(ctx, sess, rest)
	case "list":
		return h.projectList(ctx, sess)
	case "info":
		return h.projectInfo(ctx, sess)
	case "edit":
		return h.projectEdit(ctx, sess, rest)
	case "exit":
		h.deps.Projects.Clear(sess.ChatID)
		return Result{Reply: "Exited project. New sessions will use the base working directory."}, nil
	case "root":
		h.deps.Projects.Clear(sess.ChatID)
		return Result{Reply: "Back at the root working directory."}, nil
	default:
		return Result{Reply: projectUsage}, nil
	}
}

func splitFirst(args string) (first, rest string) {
	args = strings.TrimSpace(args)
	idx := strings.IndexAny(args, " \t\r\n")
	if idx < 0 {
		return strings.ToLower(args), ""
	}
	return strings.ToLower(args[:idx]), strings.TrimSpace(args[idx:])
}

func (h *Handler) projectNew(ctx context.Context, sess *store.Session, rest string) (Result, error) {
	folderName, title := splitFirst(rest)
	if folderName == "" {
		return Result{Reply: "Usage: /project new <folder-name> [title]"}, nil
	}
	if title == "" {
		title = folderName
	}
	p := &store.Project{
		ID:         uuid.NewString(),
		ChatID:     sess.ChatID,
		CreatorID:  sess.CreatorID,
		Title:      title,
		FolderName: folderName,
	}
	if err := store.ValidateFolderName(p.FolderName); err != nil {
		return Result{Reply: err.Error()}, nil
	}
	if err := os.Mkdir(store.ProjectDir(h.deps.BaseWorkingDir, p), 0o755); err != nil && !os.IsExist(err) {
		return Result{}, err
	}
	if err := h.deps.Store.CreateProject(ctx, p); err != nil {
		return Result{}, err
	}
	h.deps.Projects.Bind(sess.ChatID, p.ID)
	return Result{Reply: "Project created and activated: " + p.Title}, nil
}

func (h *Handler) projectList(ctx context.Context, sess *store.Session) (Result, error) {
	projects, err := h.deps.Store.ListProjectsByChat(ctx, sess.ChatID)
	if err != nil {
		return Result{}, err
	}
	if len(projects) == 0 {
		return Result{Reply: "No projects found."}, nil
	}
	var b strings.Builder
	b.WriteString("Projects:\n")
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s (%s)\n", p.Title, p.FolderName)
	}
	return Result{Reply: b.String()}, nil
}

func (h *Handler) activeProject(ctx context.Context, sess *store.Session) (*store.Project, error) {
	projectID := sess.ProjectID
	if projectID == "" {
		bound, ok := h.deps.Projects.ActiveProject(sess.ChatID)
		if !ok {
			return nil, nil
		}
		projectID = bound
	}
	return h.deps.Store.GetProject(ctx, projectID)
}

func (h *Handler) projectInfo(ctx context.Context, sess *store.Session) (Result, error) {
	p, err := h.activeProject(ctx, sess)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return Result{Reply: "No active project."}, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\nFolder: %s\n", p.Title, p.FolderName)
	if p.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", p.Description)
	}
	return Result{Reply: b.String()}, nil
}

func (h *Handler) projectEdit(ctx context.Context, sess *store.Session, rest string) (Result, error) {
	p, err := h.activeProject(ctx, sess)
	if err != nil {
		return Result{}, err
	}
	if p == nil {
		return Result{Reply: "No active project. Select one with a project card first."}, nil
	}
	field, value := splitFirst(rest)
	if value == "" {
		return Result{Reply: "Usage: /project edit title|description|folder <value>"}, nil
	}

	switch field {
	case "title":
		if err := h.deps.Store.UpdateMeta(ctx, p.ID, value, p.Description); err != nil {
			return Result{}, err
		}
	case "description":
		if err := h.deps.Store.UpdateMeta(ctx, p.ID, p.Title, value); err != nil {
			return Result{}, err
		}
	case "folder":
		if err := store.ValidateFolderName(value); err != nil {
			return Result{Reply: err.Error()}, nil
		}
		newDir := store.ProjectDir(h.deps.BaseWorkingDir, &store.Project{FolderName: value})
		if _, err := os.Stat(newDir); err == nil {
			return Result{Reply: fmt.Sprintf("Folder %q already exists.", value)}, nil
		} else if !os.IsNotExist(err) {
			return Result{}, err
		}
		if err := os.Rename(store.ProjectDir(h.deps.BaseWorkingDir, p), newDir); err != nil {
			return Result{}, err
		}
		if err := h.deps.Store.RenameFolder(ctx, p.ID, value); err != nil {
			return Result{}, err
		}
	default:
		return Result{Reply: "Usage: /project edit title|description|folder <value>"}, nil
	}
	return Result{Reply: "Project updated."}, nil
}

func (h *Handler) matchTemplate(cmd string) (PromptTemplate, bool) {
	for _, t := range h.deps.Templates {
		if t.Name == cmd {
			return t, true
		}
	}
	return PromptTemplate{}, false
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func (h *Handler) listSessionsInProject(ctx context.Context, projectID string) (Result, error) {
	if projectID == "" {
		return Result{Reply: "No sessions found."}, nil
	}
	sessions, err := h.deps.Store.ListByProject(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	return renderSessionList(sessions), nil
}

func (h *Handler) listSessionsInChat(ctx context.Context, chatID string) (Result, error) {
	sessions, err := h.deps.Store.ListByChat(ctx, chatID)
	if err != nil {
		return Result{}, err
	}
	return renderSessionList(sessions), nil
}

func renderSessionList(sessions []*store.Session) Result {
	if len(sessions) == 0 {
		return Result{Reply: "No sessions found."}
	}
	var b strings.Builder
	b.WriteString("Sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "- %s (%s)\n", s.ID, s.Status)
	}
	return Result{Reply: b.String()}
}

func (h *Handler) renderPlan(active *session.ActiveSession) Result {
	if active == nil || len(active.CurrentPlan) == 0 {
		return Result{Reply: "No plan yet."}
	}
	var b strings.Builder
	for _, entry := range active.CurrentPlan {
		fmt.Fprintf(&b, "[%s] (%s) %s\n", entry.Status, entry.Priority, entry.Content)
	}
	return Result{Reply: b.String()}
}

func (h *Handler) toggleSolo(ctx context.Context, sess *store.Session, active *session.ActiveSession) (Result, error) {
	next := "bypassPermissions"
	if active != nil && active.CurrentMode == "bypassPermissions" {
		next = "default"
	}
	if h.deps.SetMode != nil {
		if err := h.deps.SetMode(ctx, sess, active, next); err != nil {
			return Result{}, err
		}
	}
	return Result{Reply: "Mode set to " + next}, nil
}

func (h *Handler) setMode(ctx context.Context, sess *store.Session, active *session.ActiveSession, arg string) (Result, error) {
	modes := h.avail(active).modes()
	if arg == "" {
		return Result{Reply: "Available modes: " + strings.Join(modes, ", ")}, nil
	}
	modeID := resolveByIDOrName(arg, modes)
	if modeID == "" {
		return Result{Reply: "Available modes: " + strings.Join(modes, ", ")}, nil
	}
	if h.deps.SetMode != nil {
		if err := h.deps.SetMode(ctx, sess, active, modeID); err != nil {
			return Result{}, err
		}
	}
	return Result{Reply: "Mode set to " + modeID}, nil
}

func (h *Handler) setModel(ctx context.Context, sess *store.Session, active *session.ActiveSession, arg string) (Result, error) {
	models := h.avail(active).models()
	if arg == "" {
		return Result{Reply: "Available models: " + strings.Join(models, ", ")}, nil
	}
	modelID := resolveByIDOrName(arg, models)
	if modelID == "" {
		return Result{Reply: "Available models: " + strings.Join(models, ", ")}, nil
	}
	if h.deps.SetModel != nil {
		if err := h.deps.SetModel(ctx, sess, active, modelID); err != nil {
			return Result{}, err
		}
	}
	return Result{Reply: "Model set to " + modelID}, nil
}

func (h *Handler) info(sess *store.Session, active *session.ActiveSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\nStatus: %s\nWorking dir: %s\n", sess.ID, sess.Status, sess.WorkingDir)
	if active != nil {
		fmt.Fprintf(&b, "Mode: %s\nModel: %s\n", active.CurrentMode, active.CurrentModel)
	}
	return b.String()
}

func (h *Handler) listCommands(active *session.ActiveSession) string {
	if active == nil || len(active.AvailableCommands) == 0 {
		return "No agent-recognized commands available."
	}
	cmds := append([]string(nil), active.AvailableCommands...)
	sort.Strings(cmds)
	return "Agent commands: /" + strings.Join(cmds, ", /")
}

func (h *Handler) listConfig(active *session.ActiveSession) string {
	if active == nil || len(active.ConfigOptions) == 0 {
		return "No config options available."
	}
	var b strings.Builder
	for _, opt := range active.ConfigOptions {
		fmt.Fprintf(&b, "%s: %s\n", opt.Label, opt.Value)
	}
	return b.String()
}

type available struct {
	a *session.ActiveSession
}

func (h *Handler) avail(active *session.ActiveSession) available { return available{a: active} }

func (a available) modes() []string {
	if a.a == nil {
		return nil
	}
	return a.a.AvailableModes
}

func (a available) models() []string {
	if a.a == nil {
		return nil
	}
	return a.a.AvailableModels
}

func resolveByIDOrName(arg string, candidates []string) string {
	for _, c := range candidates {
		if c == arg {
			return c
		}
	}
	for _, c := range candidates {
		if strings.EqualFold(c, arg) {
			return c
		}
	}
	return ""
}
