// Package lark is the IM ingress/egress edge (§6): it turns Lark/Feishu
// websocket events into the Thread Resolver's Message and the Card
// Action Handler's Callback, and implements the card, permission, and
// card-action Transport interfaces against the real Lark open-platform
// REST API.
package lark

// Config holds the app credentials and tuning knobs for the Lark
// connection, analogous to the teacher's channel Config.
type Config struct {
	AppID     string
	AppSecret string
	BaseDomain string // non-default (e.g. Feishu vs Lark) open-platform domain

	// BotOpenID is compared against an inbound message's mentions to
	// decide whether a group-chat message should be processed (§6).
	BotOpenID string

	EventDedupCacheSize int
}
