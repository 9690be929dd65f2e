// Package cardaction is the Card Action Handler (§4.11): it dispatches
// IM card-button callbacks, which carry an action discriminator plus
// optional ids and a form-value map, to the subsystem that owns each
// action.
package cardaction

import "context"

// Transport is the generic card-patch egress used for actions that
// don't belong to the Streaming Card Manager or Permission Manager's
// own transports (session/model/mode/config/project/command cards).
type Transport interface {
	// PatchText replaces a card's body with a single text block,
	// e.g. "Resumed session: …" after a session_select click.
	PatchText(ctx context.Context, cardID, messageID, text string) error

	// OpenConfigDetail sends a new card listing the value choices for
	// one config option (config_detail).
	OpenConfigDetail(ctx context.Context, chatID, configID, label string, choices []string) error
}

// Action is the callback discriminator (§4.11).
type Action string

const (
	ActionPermissionSelect Action = "permission_select"
	ActionSessionSelect    Action = "session_select"
	ActionSessionDelete    Action = "session_delete"
	ActionModelSelect      Action = "model_select"
	ActionModeSelect       Action = "mode_select"
	ActionConfigDetail     Action = "config_detail"
	ActionConfigSelect     Action = "config_select"
	ActionCommandSelect    Action = "command_select"
	ActionProjectCreate    Action = "project_create"
	ActionProjectEdit      Action = "project_edit"
	ActionProjectCancel    Action = "project_cancel"
	ActionProjectSelect    Action = "project_select"
)

// Callback is one card-button click, as delivered by IM ingress.
type Callback struct {
	Action    Action
	ChatID    string
	SessionID string // the session the card belongs to, if any
	CardID    string
	MessageID string
	Values    map[string]string // form-value map, e.g. {"option_id": "...", "project_id": "..."}
}
