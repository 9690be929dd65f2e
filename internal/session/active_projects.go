package session

import "sync"

// ActiveProjects is the in-memory, per-chat "currently bound project"
// table (spec.md §9 open question: this binding is never persisted).
// It implements thread.ActiveProjectLookup for reads; the Card Action
// Handler writes to it on project_select/session_select.
type ActiveProjects struct {
	mu    sync.RWMutex
	bound map[string]string
}

func NewActiveProjects() *ActiveProjects {
	return &ActiveProjects{bound: make(map[string]string)}
}

func (p *ActiveProjects) ActiveProject(chatID string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	projectID, ok := p.bound[chatID]
	return projectID, ok
}

func (p *ActiveProjects) Bind(chatID, projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bound[chatID] = projectID
}

func (p *ActiveProjects) Clear(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.bound, chatID)
}
