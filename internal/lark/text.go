package lark

import (
	"encoding/json"
	"regexp"
	"strings"
)

var mentionPlaceholder = regexp.MustCompile(`@_user_\d+`)

// textMessageContent mirrors the JSON body of a message_type "text" event.
type textMessageContent struct {
	Text string `json:"text"`
}

// parseTextContent extracts the plain text from a message's JSON content
// body. Non-text or malformed content yields "".
func parseTextContent(content string) string {
	var body textMessageContent
	if err := json.Unmarshal([]byte(content), &body); err != nil {
		return ""
	}
	return body.Text
}

// stripMentions removes `@_user_N` placeholders Lark substitutes for
// rendered @-mentions, per §6, collapsing the resulting whitespace.
func stripMentions(text string) string {
	stripped := mentionPlaceholder.ReplaceAllString(text, "")
	return strings.TrimSpace(collapseSpaces(stripped))
}

func collapseSpaces(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// mentionsBot reports whether botOpenID appears among a message's
// mentioned user ids, the gate for processing a group-chat message (§6).
func mentionsBot(mentionedOpenIDs []string, botOpenID string) bool {
	if botOpenID == "" {
		return false
	}
	for _, id := range mentionedOpenIDs {
		if id == botOpenID {
			return true
		}
	}
	return false
}

// shouldProcessMessage implements §6's group-chat gate: p2p messages
// always go through; group messages require a bot mention.
func shouldProcessMessage(chatType string, mentionedOpenIDs []string, botOpenID string) bool {
	if chatType != "group" {
		return true
	}
	return mentionsBot(mentionedOpenIDs, botOpenID)
}
