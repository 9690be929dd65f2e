// Package card is the Streaming Card Manager (§4.9): it owns the
// per-session "working" card lifecycle — creation, sequenced patches,
// throttled flushes, tool-call element insertion, and closing on turn
// end or interaction pause.
package card

import "context"

// Element is one renderable unit of a card: a markdown block or a
// tool-call block, per §4.9's element lifecycle.
type Element struct {
	ID       string
	Kind     string // "markdown" | "tool_call"
	Markdown string
	Title    string
	Icon     string // for tool-call / footer rendering
	Color    string
}

// Transport is the IM egress surface the Streaming Card Manager drives;
// the `internal/lark` package implements it against the real Lark API.
// Isolating it here keeps this package transport-agnostic and testable
// against a fake.
type Transport interface {
	// CreateCard sends a new card message into chatID containing one
	// placeholder element (md_0) and returns its card and message ids.
	CreateCard(ctx context.Context, chatID string, placeholder Element) (cardID, messageID string, err error)

	// ReplaceElement replaces an existing element's content in place.
	ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content Element) error

	// StreamText appends a text delta to elementID (stream-card-text).
	StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error

	// AddElement inserts a new element relative to anchorElementID
	// ("before" | "after" | "append").
	AddElement(ctx context.Context, cardID string, sequence int, position, anchorElementID string, element Element) error

	// DeleteElement removes elementID from the card.
	DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error

	// UpdateSettings toggles the card's streaming_mode flag. summary is
	// the human-readable text shown once streaming closes (§4.7 step 6,
	// §4.8 step 1, §4.9 Close); it is ignored when streamingMode is true.
	UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error
}
