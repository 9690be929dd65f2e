// Package process is the Process Manager (§4.1): it owns the lifecycle
// of one agent subprocess per session, wraps its stdio in an ACP Client
// Bridge connection, and captures stderr for diagnostics. Adapted from
// the reference backend's internal/agentctl/process/manager.go, split
// into a per-session AgentProcess plus a multi-session registry since
// this orchestrator runs many concurrent sessions instead of one global
// agent.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/acpclient"
	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/mockagent"
)

// AgentProcess is a single session's agent subprocess plus its ACP
// bridge. It is not safe for concurrent Start/Stop calls from multiple
// goroutines, but its exported getters are.
type AgentProcess struct {
	sessionID string
	cfg       *config.AgentConfig
	logger    *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	status   atomic.Value // Status
	exitCode atomic.Int32
	exitErr  atomic.Value // errorWrapper

	outputBuffer *OutputBuffer
	bridge       *acpclient.Bridge
	sse          *acpclient.SSETransport

	// cancel stops the mock agent's run loop or the SSE transport's
	// reconnect loop; nil for a real stdio subprocess.
	cancel context.CancelFunc

	mu     sync.RWMutex
	wg     sync.WaitGroup
	doneCh chan struct{}
}

func newAgentProcess(sessionID string, cfg *config.AgentConfig, log *logger.Logger) *AgentProcess {
	p := &AgentProcess{
		sessionID:    sessionID,
		cfg:          cfg,
		logger:       log.WithFields(zap.String("component", "process-manager"), zap.String("session_id", sessionID)),
		outputBuffer: NewOutputBuffer(500),
	}
	p.status.Store(StatusStopped)
	p.exitCode.Store(-1)
	return p
}

func (p *AgentProcess) Status() Status { return p.status.Load().(Status) }

func (p *AgentProcess) ExitCode() int { return int(p.exitCode.Load()) }

func (p *AgentProcess) ExitError() error {
	if v := p.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// Bridge returns the ACP Client Bridge for this process, once started.
func (p *AgentProcess) Bridge() *acpclient.Bridge {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bridge
}

// Start spawns the subprocess (or, under UseMockAgent, an in-process
// mock) and wires up its stdio through an ACP Client Bridge.
func (p *AgentProcess) Start(ctx context.Context, workingDir string, opts ...acpclient.ClientOption) error {
	if p.Status() == StatusRunning || p.Status() == StatusStarting {
		return fmt.Errorf("process: session %s is already running", p.sessionID)
	}
	p.status.Store(StatusStarting)
	p.exitCode.Store(-1)
	p.exitErr.Store(errorWrapper{})

	allOpts := append([]acpclient.ClientOption{
		acpclient.WithLogger(p.logger),
		acpclient.WithWorkspaceRoot(workingDir),
	}, opts...)

	if p.cfg.UseMockAgent {
		return p.startMock(ctx, workingDir, allOpts...)
	}
	if p.cfg.SSEURLTemplate != "" {
		return p.startSSE(ctx, allOpts...)
	}
	return p.startReal(workingDir, allOpts...)
}

// startSSE selects the §4.2 SSE transport variant: the agent is reached
// over HTTP instead of a local stdio pipe, per AgentConfig.SSEURLTemplate.
func (p *AgentProcess) startSSE(ctx context.Context, opts ...acpclient.ClientOption) error {
	url := fmt.Sprintf(p.cfg.SSEURLTemplate, p.sessionID)

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.sse = acpclient.NewSSETransport(runCtx, url)
	p.stdin = p.sse
	p.stdout = p.sse

	p.doneCh = make(chan struct{})
	close(p.doneCh)

	p.bridge = acpclient.NewStdioBridge(p.sse, p.sse, opts...)
	p.status.Store(StatusRunning)
	p.logger.Info("agent process started over SSE", zap.String("url", url))
	return nil
}

func (p *AgentProcess) startReal(workingDir string, opts ...acpclient.ClientOption) error {
	if len(p.cfg.Command) == 0 {
		p.status.Store(StatusError)
		return fmt.Errorf("process: no agent command configured")
	}

	p.cmd = exec.Command(p.cfg.Command[0], p.cfg.Command[1:]...)
	p.cmd.Dir = workingDir

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("process: stdin pipe: %w", err)
	}
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("process: stdout pipe: %w", err)
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("process: stderr pipe: %w", err)
	}

	if err := p.cmd.Start(); err != nil {
		p.status.Store(StatusError)
		return fmt.Errorf("process: start: %w", err)
	}

	p.doneCh = make(chan struct{})
	p.bridge = acpclient.NewStdioBridge(p.stdin, p.stdout, opts...)

	p.wg.Add(2)
	go p.readStderr()
	go p.waitForExit()

	p.status.Store(StatusRunning)
	p.logger.Info("agent process started", zap.Int("pid", p.cmd.Process.Pid))
	return nil
}

// startMock wires the mock agent package in as the subprocess's stdio,
// via two in-memory pipes, so the rest of the pipeline is exercised
// without a real agent binary installed (§4.1, USE_MOCK_AGENT).
func (p *AgentProcess) startMock(ctx context.Context, workingDir string, opts ...acpclient.ClientOption) error {
	agentStdinR, agentStdinW := io.Pipe()
	agentStdoutR, agentStdoutW := io.Pipe()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.stdin = agentStdinW
	p.stdout = agentStdoutR
	p.doneCh = make(chan struct{})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(p.doneCh)
		err := mockagent.Run(runCtx, agentStdinR, agentStdoutW)
		agentStdoutW.Close()
		if err != nil && err != context.Canceled {
			p.exitErr.Store(errorWrapper{err: err})
		}
		p.exitCode.Store(0)
		p.status.Store(StatusStopped)
	}()

	p.bridge = acpclient.NewStdioBridge(p.stdin, p.stdout, opts...)
	p.status.Store(StatusRunning)
	p.logger.Info("mock agent process started")
	return nil
}

func (p *AgentProcess) readStderr() {
	defer p.wg.Done()
	if p.stderr == nil {
		return
	}
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		p.outputBuffer.Add(OutputLine{Timestamp: time.Now(), Stream: "stderr", Content: scanner.Text()})
	}
}

func (p *AgentProcess) waitForExit() {
	defer p.wg.Done()
	defer close(p.doneCh)

	err := p.cmd.Wait()
	if err != nil {
		p.exitErr.Store(errorWrapper{err: err})
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode.Store(int32(exitErr.ExitCode()))
		}
		p.logger.Info("agent process exited with error", zap.Error(err))
	} else {
		p.exitCode.Store(0)
		p.logger.Info("agent process exited")
	}
	p.status.Store(StatusStopped)
}

// Stop implements §4.1's killAll/§5 termination discipline: SIGTERM the
// subprocess (or cancel the mock agent/SSE transport's run context) and
// close stdin, then wait for exit, escalating to SIGKILL only once
// killGrace elapses or ctx is cancelled with the process still alive.
func (p *AgentProcess) Stop(ctx context.Context) error {
	status := p.Status()
	if status == StatusStopped || status == StatusStopping {
		return nil
	}
	p.status.Store(StatusStopping)

	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	if p.cancel != nil {
		p.cancel()
	}
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.bridge != nil {
		_ = p.bridge.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.KillGrace())
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		p.kill()
		<-done
	case <-ctx.Done():
		p.kill()
		<-done
	}

	p.status.Store(StatusStopped)
	return nil
}

// kill sends SIGKILL to the real subprocess, the fallback once the
// grace period after SIGTERM elapses. No-op for the mock agent and SSE
// transport, which are stopped via cancel instead.
func (p *AgentProcess) kill() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// IsAlive reports whether the process is currently running.
func (p *AgentProcess) IsAlive() bool {
	return p.Status() == StatusRunning || p.Status() == StatusStarting
}

var _ acp.Client = (*acpclient.Client)(nil)
