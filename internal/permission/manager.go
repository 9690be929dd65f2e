package permission

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/session"
)

// Manager implements §4.8's five-step flow: pause the streaming card,
// build and send a permission card, register a resolver with a timeout,
// and resolve it exactly once on click or expiry.
type Manager struct {
	transport Transport
	cards     *card.Manager
	locks     *session.Locks
	lookup    session.Lookup
	logger    *logger.Logger
	timeout   time.Duration
}

func NewManager(transport Transport, cards *card.Manager, locks *session.Locks, lookup session.Lookup, log *logger.Logger, timeout time.Duration) *Manager {
	return &Manager{
		transport: transport,
		cards:     cards,
		locks:     locks,
		lookup:    lookup,
		logger:    log.WithFields(zap.String("component", "permission-manager")),
		timeout:   timeout,
	}
}

// Request implements the acpclient.PermissionHandler signature: it is
// wired in as the ACP Client Bridge's permission callback for a session.
// It blocks until the user clicks a button or the timeout fires.
func (m *Manager) Request(ctx context.Context, sessionID, chatID, toolDescription string, req acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	var resolver *session.PermissionResolver
	var messageID string

	m.locks.With(sessionID, func() {
		_ = m.cards.Pause(ctx, sessionID, true)

		opts := make([]Option, len(req.Options))
		for i, o := range req.Options {
			opts[i] = Option{OptionID: string(o.OptionId), Name: o.Name, Kind: o.Kind}
		}

		active, ok := m.lookup.Get(sessionID)
		if !ok {
			return
		}

		mid, err := m.transport.SendPermissionCard(ctx, chatID, toolDescription, opts)
		if err != nil {
			m.logger.Warn("send permission card failed", zap.Error(err))
			return
		}
		messageID = mid

		resolver = session.NewPermissionResolver(sessionID, toolDescription, req.Options)
		active.PermissionResolvers[messageID] = resolver
		resolver.Timer = time.AfterFunc(m.timeout, func() {
			m.expire(sessionID, messageID)
		})
	})

	if resolver == nil {
		return acp.RequestPermissionResponse{
			Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
		}, nil
	}

	outcome := <-resolver.Wait()
	return acp.RequestPermissionResponse{Outcome: outcome}, nil
}

// Resolve is called by the Card Action Handler on a `permission_select`
// click (§4.11). It clears the resolver's timer and resolves exactly
// once (P6); a second call (e.g. a duplicated click event) is a no-op.
func (m *Manager) Resolve(ctx context.Context, sessionID, messageID, optionID string) error {
	var resolved bool
	m.locks.With(sessionID, func() {
		active, ok := m.lookup.Get(sessionID)
		if !ok {
			return
		}
		resolver, ok := active.PermissionResolvers[messageID]
		if !ok {
			return
		}
		delete(active.PermissionResolvers, messageID)

		var label string
		for _, o := range resolver.Options {
			if string(o.OptionId) == optionID {
				label = o.Name
				break
			}
		}
		resolver.Resolve(acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: acp.PermissionOptionId(optionID)},
		})
		resolved = true
		if err := m.transport.MarkSelected(ctx, messageID, label); err != nil {
			m.logger.Warn("mark selected failed", zap.Error(err))
		}
	})
	if !resolved {
		return fmt.Errorf("permission: no pending request for message %s", messageID)
	}
	return nil
}

// expire resolves a request as cancelled when its 5-minute timer fires
// (§4.8 step 5, P6).
func (m *Manager) expire(sessionID, messageID string) {
	m.locks.With(sessionID, func() {
		active, ok := m.lookup.Get(sessionID)
		if !ok {
			return
		}
		resolver, ok := active.PermissionResolvers[messageID]
		if !ok {
			return
		}
		delete(active.PermissionResolvers, messageID)
		resolver.Resolve(acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}})
		if err := m.transport.MarkCancelled(context.Background(), messageID); err != nil {
			m.logger.Warn("mark cancelled failed", zap.Error(err))
		}
	})
}

// CancelAll resolves every pending resolver across all sessions as
// cancelled, used during orchestrator shutdown (§4.12).
func (m *Manager) CancelAll(sessions []*session.ActiveSession) {
	for _, active := range sessions {
		for messageID, resolver := range active.PermissionResolvers {
			delete(active.PermissionResolvers, messageID)
			resolver.Resolve(acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}})
		}
	}
}
