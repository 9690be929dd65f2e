package lark

import (
	"context"

	"github.com/kandev/larkacp/internal/cardaction"
)

// rawCardAction is the SDK-agnostic projection of one card.action.trigger
// event (§6): operator, card location, and the button's value record.
type rawCardAction struct {
	OperatorOpenID string
	ChatID         string
	CardID         string
	MessageID      string
	Value          map[string]string
}

// valuesKeyAliases maps the spec's action.value field names (§6) onto the
// Values keys internal/cardaction.Handler already reads, where they
// differ (config_value -> value, command_name -> command).
var valuesKeyAliases = map[string]string{
	"config_value": "value",
	"command_name": "command",
}

func parseCardAction(raw rawCardAction) cardaction.Callback {
	action := cardaction.Action(raw.Value["action"])
	values := make(map[string]string, len(raw.Value))
	for k, v := range raw.Value {
		if k == "action" {
			continue
		}
		if alias, ok := valuesKeyAliases[k]; ok {
			k = alias
		}
		values[k] = v
	}
	return cardaction.Callback{
		Action:    action,
		ChatID:    raw.ChatID,
		SessionID: raw.Value["session_id"],
		CardID:    raw.CardID,
		MessageID: raw.MessageID,
		Values:    values,
	}
}

// ProcessCardAction dedups and dispatches one card.action.trigger event.
// The websocket long-connection card-callback entry point,
// handleCardActionEvent, receives the SDK's *larkcard.CardAction and
// copies its fields into the plain rawCardAction this function takes,
// so dedup and dispatch here do not depend on the SDK type.
func (g *Gateway) ProcessCardAction(ctx context.Context, eventID string, raw rawCardAction) error {
	if eventID != "" {
		dup, err := g.dedup.TestAndSet(ctx, eventID)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	if g.OnCardAction == nil {
		return nil
	}
	g.OnCardAction(ctx, parseCardAction(raw))
	return nil
}
