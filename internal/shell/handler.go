// Package shell is the Shell Command Handler (§4.7): it executes
// `!<command>` in a session's working directory, streaming its output
// into the session's card with a status footer.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
)

var ansiRegexp = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

func stripANSI(s string) string { return ansiRegexp.ReplaceAllString(s, "") }

const truncationMarker = "\n[Output truncated at 100KB]"

// Handler implements §4.7's lifecycle: fenced code block open, spawn
// with a timeout/SIGTERM/SIGKILL escalation, ANSI-strip + 100KB cap,
// and an outcome footer.
type Handler struct {
	cards      *card.Manager
	locks      *session.Locks
	lookup     session.Lookup
	logger     *logger.Logger
	timeout    time.Duration
	killGrace  time.Duration
	maxOutput  int
}

func NewHandler(cards *card.Manager, locks *session.Locks, lookup session.Lookup, log *logger.Logger, timeout, killGrace time.Duration, maxOutput int) *Handler {
	return &Handler{
		cards:     cards,
		locks:     locks,
		lookup:    lookup,
		logger:    log.WithFields(zap.String("component", "shell-handler")),
		timeout:   timeout,
		killGrace: killGrace,
		maxOutput: maxOutput,
	}
}

// outcome describes how the command terminated, for footer rendering.
type outcome struct {
	exitCode int
	signal   string
	ranOK    bool
}

// Run executes cmdLine in workingDir for sessionID, streaming output
// into the session's card. The Orchestrator creates sessionID's
// ActiveSession before dispatching here; no agent process is spawned
// for a shell command. While the command runs, its cancel func is
// published as the ActiveSession's ShellProcess so `/kill` can stop it.
func (h *Handler) Run(ctx context.Context, sessionID, chatID, workingDir, cmdLine string) error {
	h.locks.With(sessionID, func() {
		if _, err := h.cards.EnsureCard(ctx, sessionID, chatID); err != nil {
			h.logger.Warn("ensure card failed", zap.Error(err))
			return
		}
		_ = h.cards.AppendText(ctx, sessionID, "```\n")
		_ = h.cards.ForceFlush(ctx, sessionID)
	})

	runCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	h.locks.With(sessionID, func() {
		if active, ok := h.lookup.Get(sessionID); ok {
			active.ShellProcess = &session.ShellProcess{Cancel: cancel}
		}
	})

	cmd := exec.CommandContext(runCtx, "sh", "-c", cmdLine)
	cmd.Dir = workingDir
	cmd.Stdin = nil
	// On timeout or /kill, SIGTERM first; Wait sends SIGKILL once
	// killGrace passes without the command exiting.
	cmd.Cancel = func() error { return cmd.Process.Signal(interruptSignal()) }
	cmd.WaitDelay = h.killGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("shell: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("shell: stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("shell: start: %w", err)
	}

	var mu sync.Mutex
	var total int
	capped := false

	pump := func(r io.Reader) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := stripANSI(scanner.Text()) + "\n"

			mu.Lock()
			if capped {
				mu.Unlock()
				continue
			}
			remaining := h.maxOutput - total
			if remaining <= 0 {
				capped = true
				mu.Unlock()
				h.locks.With(sessionID, func() {
					_ = h.cards.AppendText(ctx, sessionID, truncationMarker)
				})
				continue
			}
			truncated := false
			if len(line) > remaining {
				line = line[:remaining]
				capped = true
				truncated = true
			}
			total += len(line)
			mu.Unlock()

			h.locks.With(sessionID, func() {
				_ = h.cards.AppendText(ctx, sessionID, line)
				if truncated {
					_ = h.cards.AppendText(ctx, sessionID, truncationMarker)
				}
			})
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pump(stdout) }()
	go func() { defer wg.Done(); pump(stderr) }()

	waitErr := cmd.Wait()
	wg.Wait()

	o := h.classify(waitErr, runCtx)
	elapsed := time.Since(start).Round(time.Second)

	if waitErr != nil && runCtx.Err() != nil && o.signal == "" {
		// Context deadline hit before a signal was observed: escalate
		// SIGTERM then SIGKILL per §4.7 step 3.
		h.terminate(cmd)
	}

	h.locks.With(sessionID, func() {
		if active, ok := h.lookup.Get(sessionID); ok {
			active.ShellProcess = nil
		}
		_ = h.cards.AppendText(ctx, sessionID, "\n```")
		footer := h.footer(o, elapsed)
		_ = h.cards.AppendText(ctx, sessionID, "\n"+footer)
		summary := h.summary(o)
		_ = h.cards.Close(ctx, sessionID, summary)
	})

	return nil
}

// terminate escalates SIGTERM then, after killGrace, SIGKILL (§4.7 step 3).
func (h *Handler) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(interruptSignal())
	timer := time.NewTimer(h.killGrace)
	defer timer.Stop()
	<-timer.C
	_ = cmd.Process.Kill()
}

func (h *Handler) classify(err error, ctx context.Context) outcome {
	if err == nil {
		return outcome{exitCode: 0, ranOK: true}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := processState(exitErr); ok && status.signal != "" {
			return outcome{signal: status.signal}
		}
		return outcome{exitCode: exitErr.ExitCode()}
	}
	if ctx.Err() != nil {
		return outcome{signal: "SIGTERM"}
	}
	return outcome{exitCode: -1}
}

func (h *Handler) footer(o outcome, elapsed time.Duration) string {
	secs := int(elapsed.Seconds())
	switch {
	case o.signal != "":
		return fmt.Sprintf("🟠 %ds · Signal: %s", secs, o.signal)
	case o.exitCode == 0:
		return fmt.Sprintf("🟢 %ds · Exit: 0", secs)
	default:
		return fmt.Sprintf("🔴 %ds · Exit: %d", secs, o.exitCode)
	}
}

func (h *Handler) summary(o outcome) string {
	switch {
	case o.signal != "":
		return fmt.Sprintf("Terminated (%s)", o.signal)
	case o.exitCode == 0:
		return "Completed successfully"
	default:
		return fmt.Sprintf("Failed (exit %d)", o.exitCode)
	}
}
