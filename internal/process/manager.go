package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/kandev/larkacp/internal/acpclient"
	"github.com/kandev/larkacp/internal/config"
	"github.com/kandev/larkacp/internal/logger"
)

// Manager is the Process Manager's top-level registry: one
// *AgentProcess per active session id. Spawning on an id that already
// has a live process fails rather than silently replacing it, since two
// agent subprocesses racing over the same session's working directory
// would corrupt its state.
type Manager struct {
	cfg    *config.AgentConfig
	logger *logger.Logger

	mu        sync.Mutex
	processes map[string]*AgentProcess
}

func NewManager(cfg *config.AgentConfig, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    log,
		processes: make(map[string]*AgentProcess),
	}
}

// Spawn starts a new agent subprocess for sessionID rooted at workingDir.
// It fails if sessionID already has a live process.
func (m *Manager) Spawn(ctx context.Context, sessionID, workingDir string, opts ...acpclient.ClientOption) (*AgentProcess, error) {
	m.mu.Lock()
	if existing, ok := m.processes[sessionID]; ok && existing.IsAlive() {
		m.mu.Unlock()
		return nil, fmt.Errorf("process: session %s already has a running agent", sessionID)
	}
	proc := newAgentProcess(sessionID, m.cfg, m.logger)
	m.processes[sessionID] = proc
	m.mu.Unlock()

	if err := proc.Start(ctx, workingDir, opts...); err != nil {
		m.mu.Lock()
		delete(m.processes, sessionID)
		m.mu.Unlock()
		return nil, err
	}
	return proc, nil
}

// Get returns the process for sessionID, if any.
func (m *Manager) Get(sessionID string) (*AgentProcess, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[sessionID]
	return p, ok
}

// IsAlive reports whether sessionID has a currently-running process.
func (m *Manager) IsAlive(sessionID string) bool {
	p, ok := m.Get(sessionID)
	return ok && p.IsAlive()
}

// Kill stops and removes sessionID's process, if any.
func (m *Manager) Kill(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	p, ok := m.processes[sessionID]
	delete(m.processes, sessionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Stop(ctx)
}

// KillAll stops every live process, used during orchestrator shutdown.
func (m *Manager) KillAll(ctx context.Context) {
	m.mu.Lock()
	procs := make([]*AgentProcess, 0, len(m.processes))
	for id, p := range m.processes {
		procs = append(procs, p)
		delete(m.processes, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *AgentProcess) {
			defer wg.Done()
			_ = p.Stop(ctx)
		}(p)
	}
	wg.Wait()
}

// Count returns the number of tracked sessions (live or recently exited).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.processes)
}
