// Package orchestrator is the Orchestrator (§4.12): the top-level
// component that owns the Active Session arena and wires every other
// collaborator together behind the two entry points the Lark Gateway
// calls into, HandleMessage and HandleCardAction.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/acpclient"
	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/cardaction"
	"github.com/kandev/larkacp/internal/command"
	"github.com/kandev/larkacp/internal/config"
	apperrors "github.com/kandev/larkacp/internal/errors"
	"github.com/kandev/larkacp/internal/lark"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/permission"
	"github.com/kandev/larkacp/internal/process"
	"github.com/kandev/larkacp/internal/router"
	"github.com/kandev/larkacp/internal/session"
	"github.com/kandev/larkacp/internal/shell"
	"github.com/kandev/larkacp/internal/store"
	"github.com/kandev/larkacp/internal/thread"
)

// ReplyTransport sends a plain text message, used for command replies
// and the "Please wait" busy notice rather than a streaming card.
type ReplyTransport interface {
	ReplyText(ctx context.Context, chatID, text string) error
}

// Transport is the full IM egress surface the Orchestrator wires into
// its collaborators: the Streaming Card Manager's, Permission Manager's,
// and Card Action Handler's transports, plus plain-text replies. A
// *lark.Transport implements all of it against the real API; tests
// supply a fake.
type Transport interface {
	card.Transport
	permission.Transport
	cardaction.Transport
	ReplyTransport
}

const clientName = "larkacp"
const clientVersion = "0.1.0"
const protocolVersion = 1

// Orchestrator implements §4.12: it holds the Active Session table (via
// session.Arena/session.Locks/session.ActiveProjects) and dispatches
// inbound IM events to the Thread Resolver, Command Handler, Shell
// Command Handler, and Card Action Handler, starting the agent
// subprocess and ACP session lazily on first use per session.
type Orchestrator struct {
	store      *store.Store
	agentCfg   *config.AgentConfig
	processes  *process.Manager
	cards      *card.Manager
	permission *permission.Manager
	router     *router.Router
	resolver   *thread.Resolver
	commands   *command.Handler
	shell      *shell.Handler
	cardAction *cardaction.Handler
	projects   *session.ActiveProjects
	arena      *session.Arena
	locks      *session.Locks
	reply      ReplyTransport
	logger     *logger.Logger
}

// New wires every collaborator per §4.12, given the loaded config, an
// open store, and the Lark Gateway's Transport (which implements
// card.Transport, permission.Transport, cardaction.Transport, and
// ReplyTransport all at once).
func New(cfg *config.Config, s *store.Store, transport Transport, log *logger.Logger) *Orchestrator {
	arena := session.NewArena()
	locks := session.NewLocks()
	projects := session.NewActiveProjects()

	cards := card.NewManager(transport, locks, arena, log,
		cfg.Stream.FlushInterval(), cfg.Stream.AutoClose(), cfg.Stream.MaxContentLength)
	perms := permission.NewManager(transport, cards, locks, arena, log, cfg.Permission.Timeout())
	processes := process.NewManager(&cfg.Agent, log)
	shellHandler := shell.NewHandler(cards, locks, arena, log,
		cfg.Shell.Timeout(), cfg.Shell.KillGrace(), cfg.Shell.MaxOutputBytes)
	resolver := thread.NewResolver(s, projects)
	rtr := router.NewRouter(cards, s, locks, arena, log)

	o := &Orchestrator{
		store:      s,
		agentCfg:   &cfg.Agent,
		processes:  processes,
		cards:      cards,
		permission: perms,
		router:     rtr,
		resolver:   resolver,
		shell:      shellHandler,
		projects:   projects,
		arena:      arena,
		locks:      locks,
		reply:      transport,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
	}

	o.commands = command.NewHandler(command.Deps{
		Store:           s,
		Lookup:          arena,
		Locks:           locks,
		Logger:          log,
		Projects:        projects,
		BaseWorkingDir:  cfg.Agent.BaseWorkingDir,
		CancelPrompt:    o.cancelPrompt,
		KillShell:       o.killShell,
		SetMode:         o.setMode,
		SetModel:        o.setModel,
		SetConfigOption: o.setConfigOption,
	})

	o.cardAction = cardaction.NewHandler(cardaction.Deps{
		Store:          s,
		Processes:      processes,
		Permissions:    perms,
		Cards:          cards,
		Projects:       projects,
		Lookup:         arena,
		Locks:          locks,
		Transport:      transport,
		Logger:         log,
		BaseWorkingDir: cfg.Agent.BaseWorkingDir,
		RunPrompt:      o.runPromptByID,
	})

	return o
}

// chatOf resolves the IM chat a sessionID's card updates go to, the
// Session Update Router's required collaborator (router.ChatOf).
func (o *Orchestrator) chatOf(sessionID string) (string, bool) {
	sess, err := o.store.GetSession(context.Background(), sessionID)
	if err != nil || sess == nil {
		return "", false
	}
	return sess.ChatID, true
}

// HandleMessage implements §4.12's handleMessage: resolve or create the
// session, then dispatch by parsed command kind.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg lark.IncomingMessage) {
	threadID := msg.RootID
	if threadID == "" {
		threadID = msg.MessageID
	}

	sess, ok, err := o.resolver.Resolve(ctx, thread.Message{
		ChatID:   msg.ChatID,
		ThreadID: threadID,
		IsReply:  msg.IsReply,
	})
	if err != nil {
		o.logger.Warn("resolve thread failed", zap.Error(err))
		_ = o.reply.ReplyText(ctx, msg.ChatID, "Internal error resolving session.")
		return
	}
	if !ok {
		sess = &store.Session{
			ID:            uuid.NewString(),
			ChatID:        msg.ChatID,
			ThreadID:      threadID,
			CreatorID:     msg.SenderID,
			InitialPrompt: msg.Text,
		}
		sess.WorkingDir = filepath.Join(o.agentCfg.BaseWorkingDir, sess.ID)
		if projectID, bound := o.projects.ActiveProject(msg.ChatID); bound {
			if proj, err := o.store.GetProject(ctx, projectID); err != nil {
				o.logger.Warn("active project lookup failed", zap.Error(err), zap.String("project_id", projectID))
			} else {
				sess.ProjectID = proj.ID
				sess.WorkingDir = store.ProjectDir(o.agentCfg.BaseWorkingDir, proj)
			}
		}
		if err := o.store.CreateSession(ctx, sess); err != nil {
			o.logger.Warn("create session failed", zap.Error(err))
			_ = o.reply.ReplyText(ctx, msg.ChatID, "Internal error creating session.")
			return
		}
	}

	parsed := command.Parse(msg.Text)
	switch parsed.Kind {
	case command.KindShell:
		o.arena.GetOrCreate(sess.ID)
		go func() {
			if err := o.shell.Run(context.Background(), sess.ID, sess.ChatID, sess.WorkingDir, parsed.Shell); err != nil {
				o.logger.Warn("shell command failed", zap.Error(err))
			}
		}()

	case command.KindSlash:
		active, _ := o.arena.Get(sess.ID)
		result, err := o.commands.Dispatch(ctx, sess, active, parsed)
		if err != nil {
			o.logger.Warn("command dispatch failed", zap.Error(err))
			_ = o.reply.ReplyText(ctx, sess.ChatID, "Command failed: "+err.Error())
			return
		}
		if result.ForwardPrompt != "" {
			o.startOrContinuePrompt(ctx, sess, result.ForwardPrompt)
			return
		}
		if result.Reply != "" {
			_ = o.reply.ReplyText(ctx, sess.ChatID, result.Reply)
		}

	default:
		o.startOrContinuePrompt(ctx, sess, msg.Text)
	}
}

// HandleCardAction implements §4.12's handleCardAction: straight
// dispatch to the Card Action Handler.
func (o *Orchestrator) HandleCardAction(ctx context.Context, cb cardaction.Callback) {
	if err := o.cardAction.Handle(ctx, cb); err != nil {
		o.logger.Warn("card action failed", zap.Error(err), zap.String("action", string(cb.Action)))
	}
}

// runPromptByID forwards text as the next prompt for sessionID, used by
// the Card Action Handler's command_select (§4.11). The Command
// Handler's template/agent-command forwarding goes through
// HandleMessage, which calls startOrContinuePrompt directly.
func (o *Orchestrator) runPromptByID(ctx context.Context, sessionID, text string) error {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	o.startOrContinuePrompt(ctx, sess, text)
	return nil
}

// startOrContinuePrompt implements §4.12's session-start protocol and
// busy rejection. The idle->running status transition is the single
// point of truth for "already running" (apperrors.IsBusy), checked and
// flipped back to idle under the session lock; the potentially
// long-running Prompt call itself runs outside the lock so inbound
// sessionUpdate notifications (each separately taking the same lock via
// router.Handle) keep streaming to the card while the turn is in flight.
func (o *Orchestrator) startOrContinuePrompt(ctx context.Context, sess *store.Session, text string) {
	var active *session.ActiveSession
	var busy bool
	var startErr error

	o.locks.With(sess.ID, func() {
		if err := o.store.SetStatus(ctx, sess.ID, store.StatusRunning); err != nil {
			if apperrors.IsBusy(err) {
				busy = true
				return
			}
			startErr = err
			return
		}
		active = o.arena.GetOrCreate(sess.ID)
	})

	if busy {
		_ = o.reply.ReplyText(ctx, sess.ChatID, "Please wait: a task is already running in this session.")
		return
	}
	if startErr != nil {
		o.logger.Warn("set status running failed", zap.Error(startErr))
		_ = o.reply.ReplyText(ctx, sess.ChatID, "Internal error starting session.")
		return
	}

	if active.Bridge == nil {
		if err := o.startAgent(ctx, sess, active); err != nil {
			o.locks.With(sess.ID, func() { _ = o.store.SetStatus(ctx, sess.ID, store.StatusIdle) })
			o.logger.Warn("start agent failed", zap.Error(err))
			_ = o.reply.ReplyText(ctx, sess.ChatID, "Failed to start agent: "+err.Error())
			return
		}
	}

	_, err := active.Bridge.Prompt(ctx, active.ACPSessionID, text)
	o.locks.With(sess.ID, func() {
		_ = o.cards.ForceFlush(ctx, sess.ID)
		_ = o.store.SetStatus(ctx, sess.ID, store.StatusIdle)
	})
	if err != nil {
		o.logger.Warn("prompt failed", zap.Error(err))
		_ = o.reply.ReplyText(ctx, sess.ChatID, "Prompt failed: "+err.Error())
	}
}

// startAgent implements §4.12's session start protocol steps 2-4: spawn
// the subprocess if not already alive, initialize the ACP connection,
// resume the prior ACP session (falling back to a fresh one if the
// agent rejects the resume) or start a fresh one, then persist the
// resulting acpSessionId.
func (o *Orchestrator) startAgent(ctx context.Context, sess *store.Session, active *session.ActiveSession) error {
	if !o.processes.IsAlive(sess.ID) {
		_, err := o.processes.Spawn(ctx, sess.ID, sess.WorkingDir,
			acpclient.WithLogger(o.logger),
			acpclient.WithWorkspaceRoot(sess.WorkingDir),
			acpclient.WithUpdateHandler(func(ctx context.Context, n acp.SessionNotification) {
				o.router.Handle(ctx, sess.ID, o.chatOf, n)
			}),
			acpclient.WithPermissionHandler(func(ctx context.Context, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
				return o.permission.Request(ctx, sess.ID, sess.ChatID, permissionToolDescription(req), req)
			}),
		)
		if err != nil {
			return fmt.Errorf("orchestrator: spawn agent: %w", err)
		}
	}

	proc, ok := o.processes.Get(sess.ID)
	if !ok {
		return fmt.Errorf("orchestrator: no process for session %s after spawn", sess.ID)
	}
	bridge := proc.Bridge()

	if _, err := bridge.Initialize(ctx, clientName, clientVersion, protocolVersion); err != nil {
		return fmt.Errorf("orchestrator: initialize: %w", err)
	}

	acpSessionID := sess.ACPSessionID
	if acpSessionID != "" {
		if err := bridge.ResumeSession(ctx, acp.SessionId(acpSessionID), sess.WorkingDir); err != nil {
			o.logger.Info("resume session rejected, starting fresh", zap.String("session_id", sess.ID), zap.Error(err))
			acpSessionID = ""
		}
	}
	if acpSessionID == "" {
		newID, err := bridge.NewSession(ctx, sess.WorkingDir)
		if err != nil {
			return fmt.Errorf("orchestrator: new session: %w", err)
		}
		acpSessionID = string(newID)
		if err := o.store.SetACPSessionID(ctx, sess.ID, acpSessionID); err != nil {
			return fmt.Errorf("orchestrator: persist acp session id: %w", err)
		}
	}

	active.Bridge = bridge
	active.ACPSessionID = acp.SessionId(acpSessionID)
	return nil
}

// permissionToolDescription renders a short human-readable summary of a
// requestPermission call for the permission card's header text. The ACP
// protocol's RequestPermissionRequest doesn't carry a free-text tool
// description field the examples confirm, so this is a generic prompt
// naming the choice rather than the specific tool.
func permissionToolDescription(req acp.RequestPermissionRequest) string {
	return fmt.Sprintf("The agent is requesting permission (%d option(s)).", len(req.Options))
}

// Shutdown implements §4.12's shutdown sequence: kill every child
// process, cancel every pending permission timer as cancelled, and
// close the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.processes.KillAll(ctx)
	o.permission.CancelAll(o.arena.All())
	return o.store.Close()
}
