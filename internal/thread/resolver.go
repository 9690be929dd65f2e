// Package thread is the Thread Resolver (§4.4): given an inbound IM
// message, it picks the session that should receive it.
package thread

import (
	"context"

	"github.com/kandev/larkacp/internal/store"
)

// ActiveProjectLookup resolves the chat's currently-bound project, if
// any. Per spec.md §9 open question (c), this binding is in-memory only
// (not persisted), owned by the Orchestrator.
type ActiveProjectLookup interface {
	ActiveProject(chatID string) (projectID string, ok bool)
}

// Resolver implements §4.4's three-step lookup.
type Resolver struct {
	store   *store.Store
	project ActiveProjectLookup
}

func NewResolver(s *store.Store, project ActiveProjectLookup) *Resolver {
	return &Resolver{store: s, project: project}
}

// Message is the subset of an inbound IM message the resolver needs.
type Message struct {
	ChatID   string
	ThreadID string // reply-root, or the message's own id if none
	IsReply  bool
}

// Resolve implements §4.4: by reply-root, else by active project, else
// by most-recently-touched session in the chat. ok is false if no
// session exists yet and the caller must create one.
func (r *Resolver) Resolve(ctx context.Context, msg Message) (*store.Session, bool, error) {
	if msg.IsReply {
		s, err := r.store.GetMostRecentByThread(ctx, msg.ThreadID)
		if err != nil {
			return nil, false, err
		}
		if s != nil {
			return s, true, nil
		}
	}

	if r.project != nil {
		if projectID, ok := r.project.ActiveProject(msg.ChatID); ok {
			s, err := r.store.GetMostRecentByProject(ctx, projectID)
			if err != nil {
				return nil, false, err
			}
			if s != nil {
				return s, true, nil
			}
		}
	}

	s, err := r.store.GetMostRecentByChat(ctx, msg.ChatID)
	if err != nil {
		return nil, false, err
	}
	return s, s != nil, nil
}
