package session

import "sync"

// Locks is a map of per-session mutexes, lazily created, keyed by
// session id. It is the coordination primitive named in spec.md §5 and
// §9: lock acquisition is a pure function of id, so collaborators never
// need a reference to the Orchestrator itself.
type Locks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocks() *Locks {
	return &Locks{locks: make(map[string]*sync.Mutex)}
}

func (l *Locks) lockFor(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// With runs fn while holding sessionID's lock (withSessionLock, §5). The
// lock is not reentrant: fn must not call With again for the same id.
func (l *Locks) With(sessionID string, fn func()) {
	m := l.lockFor(sessionID)
	m.Lock()
	defer m.Unlock()
	fn()
}

// Forget drops the lock entry for sessionID once its ActiveSession is
// destroyed, so the map doesn't grow unbounded across session churn.
func (l *Locks) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, sessionID)
}

// Lookup is the read-side capability collaborators hold instead of the
// Orchestrator's full session map (§9 "arena + id").
type Lookup interface {
	Get(sessionID string) (*ActiveSession, bool)
}

// Arena is the Orchestrator's owned map of ActiveSessions, implementing
// Lookup. Only the Orchestrator calls the mutating methods; everything
// else uses Get under a Locks.With block.
type Arena struct {
	mu       sync.RWMutex
	sessions map[string]*ActiveSession
}

func NewArena() *Arena {
	return &Arena{sessions: make(map[string]*ActiveSession)}
}

func (a *Arena) Get(sessionID string) (*ActiveSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.sessions[sessionID]
	return s, ok
}

func (a *Arena) GetOrCreate(sessionID string) *ActiveSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		s = NewActiveSession(sessionID)
		a.sessions[sessionID] = s
	}
	return s
}

// All returns every currently-held ActiveSession, used by orchestrator
// shutdown to cancel pending permission resolvers across all sessions.
func (a *Arena) All() []*ActiveSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*ActiveSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		out = append(out, s)
	}
	return out
}

func (a *Arena) Delete(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

var _ Lookup = (*Arena)(nil)
