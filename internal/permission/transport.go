// Package permission is the Permission Manager (§4.8): it turns ACP
// requestPermission calls into an interactive IM card and resolves the
// pending request on either a button click or a timeout.
package permission

import (
	"context"

	"github.com/coder/acp-go-sdk"
)

// Option is one selectable permission choice rendered as a card button.
type Option struct {
	OptionID string
	Name     string
	Kind     acp.PermissionOptionKind
}

// Transport is the IM egress surface for permission cards.
type Transport interface {
	// SendPermissionCard posts a new card with one button per option and
	// returns its message id (the key permission resolvers are registered
	// under).
	SendPermissionCard(ctx context.Context, chatID, toolDescription string, options []Option) (messageID string, err error)

	// MarkSelected patches the card to show the chosen option.
	MarkSelected(ctx context.Context, messageID, optionLabel string) error

	// MarkCancelled patches the card to show the request timed out.
	MarkCancelled(ctx context.Context, messageID string) error
}
