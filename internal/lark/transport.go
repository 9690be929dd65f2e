package lark

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcardkit "github.com/larksuite/oapi-sdk-go/v3/service/cardkit/v1"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/kandev/larkacp/internal/card"
	"github.com/kandev/larkacp/internal/permission"
)

// Transport implements card.Transport, permission.Transport, and
// cardaction.Transport against the real Lark open-platform REST API,
// using the streaming-card entity API (cardkit/v1) for element-level
// patches and the messaging API (im/v1) for posting and plain-text
// replacement. This is the single place SDK request/response shapes
// live; every collaborator sees only the narrow Transport interfaces.
type Transport struct {
	client *lark.Client
}

func newTransport(client *lark.Client) *Transport {
	return &Transport{client: client}
}

type cardElementJSON struct {
	Tag     string `json:"tag"`
	Content string `json:"content,omitempty"`
}

func markdownCard(elements ...cardElementJSON) string {
	body := struct {
		Elements []cardElementJSON `json:"elements"`
	}{Elements: elements}
	raw, _ := json.Marshal(body)
	return string(raw)
}

func md(text string) cardElementJSON { return cardElementJSON{Tag: "markdown", Content: text} }

// CreateCard implements card.Transport: create a streaming-card entity,
// then post it into chatID as the card's carrier message.
func (t *Transport) CreateCard(ctx context.Context, chatID string, placeholder card.Element) (string, string, error) {
	createReq := larkcardkit.NewCreateCardReqBuilder().
		Body(larkcardkit.NewCreateCardReqBodyBuilder().
			Type("card_json").
			Data(markdownCard(md(placeholder.Markdown))).
			Build()).
		Build()
	createResp, err := t.client.Cardkit.V1.Card.Create(ctx, createReq)
	if err != nil {
		return "", "", err
	}
	if !createResp.Success() {
		return "", "", fmt.Errorf("lark: create card: %s", createResp.Msg)
	}
	cardID := *createResp.Data.CardId

	content, _ := json.Marshal(map[string]any{"type": "card", "data": map[string]string{"card_id": cardID}})
	msgReq := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("interactive").
			Content(string(content)).
			Build()).
		Build()
	msgResp, err := t.client.Im.V1.Message.Create(ctx, msgReq)
	if err != nil {
		return "", "", err
	}
	if !msgResp.Success() {
		return "", "", fmt.Errorf("lark: post card message: %s", msgResp.Msg)
	}
	return cardID, *msgResp.Data.MessageId, nil
}

// ReplaceElement implements card.Transport.
func (t *Transport) ReplaceElement(ctx context.Context, cardID, elementID string, sequence int, content card.Element) error {
	req := larkcardkit.NewContentCardElementReqBuilder().
		CardId(cardID).
		ElementId(elementID).
		Body(larkcardkit.NewContentCardElementReqBodyBuilder().
			Content(content.Markdown).
			Sequence(sequence).
			Build()).
		Build()
	resp, err := t.client.Cardkit.V1.CardElement.Content(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: replace element: %s", resp.Msg)
	}
	return nil
}

// StreamText implements card.Transport: appends a text delta in place.
func (t *Transport) StreamText(ctx context.Context, cardID, elementID string, sequence int, textDelta string) error {
	req := larkcardkit.NewContentCardElementReqBuilder().
		CardId(cardID).
		ElementId(elementID).
		Body(larkcardkit.NewContentCardElementReqBodyBuilder().
			Content(textDelta).
			Sequence(sequence).
			UpdateMode("append").
			Build()).
		Build()
	resp, err := t.client.Cardkit.V1.CardElement.Content(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: stream text: %s", resp.Msg)
	}
	return nil
}

// AddElement implements card.Transport.
func (t *Transport) AddElement(ctx context.Context, cardID string, sequence int, position, anchorElementID string, element card.Element) error {
	raw, _ := json.Marshal(md(element.Markdown))
	req := larkcardkit.NewCreateCardElementReqBuilder().
		CardId(cardID).
		Body(larkcardkit.NewCreateCardElementReqBodyBuilder().
			Type("insert_" + position).
			TargetElementId(anchorElementID).
			Elements(string(raw)).
			Sequence(sequence).
			Build()).
		Build()
	resp, err := t.client.Cardkit.V1.CardElement.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: add element: %s", resp.Msg)
	}
	return nil
}

// DeleteElement implements card.Transport.
func (t *Transport) DeleteElement(ctx context.Context, cardID, elementID string, sequence int) error {
	req := larkcardkit.NewDeleteCardElementReqBuilder().
		CardId(cardID).
		ElementId(elementID).
		Body(larkcardkit.NewDeleteCardElementReqBodyBuilder().
			Sequence(sequence).
			Build()).
		Build()
	resp, err := t.client.Cardkit.V1.CardElement.Delete(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: delete element: %s", resp.Msg)
	}
	return nil
}

// UpdateSettings implements card.Transport. When closing streaming mode
// with a non-empty summary, the config carries a streaming_config.summary
// block so the card shows the turn's outcome once streaming_mode flips
// false, per §4.7/§4.8/§4.9.
func (t *Transport) UpdateSettings(ctx context.Context, cardID string, sequence int, streamingMode bool, summary string) error {
	config := map[string]any{"streaming_mode": streamingMode}
	if !streamingMode && summary != "" {
		config["streaming_config"] = map[string]any{
			"summary": map[string]any{
				"content": map[string]string{"content": summary, "tag": "markdown"},
			},
		}
	}
	settings, _ := json.Marshal(map[string]any{"config": config})
	req := larkcardkit.NewSettingsCardReqBuilder().
		CardId(cardID).
		Body(larkcardkit.NewSettingsCardReqBodyBuilder().
			Settings(string(settings)).
			Sequence(sequence).
			Build()).
		Build()
	resp, err := t.client.Cardkit.V1.Card.Settings(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: update settings: %s", resp.Msg)
	}
	return nil
}

// PatchText implements cardaction.Transport: replaces a whole card with
// a single text block, used for the Card Action Handler's terminal
// "Resumed session: …" / "Session deleted." style patches. The card is
// addressed by its message id; cardID is not used.
func (t *Transport) PatchText(ctx context.Context, cardID, messageID, text string) error {
	return t.patchMessageText(ctx, messageID, text)
}

// OpenConfigDetail implements cardaction.Transport.
func (t *Transport) OpenConfigDetail(ctx context.Context, chatID, configID, label string, choices []string) error {
	elements := []cardElementJSON{md(label)}
	for _, c := range choices {
		elements = append(elements, cardElementJSON{Tag: "action", Content: fmt.Sprintf("%s|config_select|%s", configID, c)})
	}
	content, _ := json.Marshal(map[string]any{"msg_type": "interactive", "card": markdownCard(elements...)})
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("interactive").
			Content(string(content)).
			Build()).
		Build()
	resp, err := t.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: open config detail: %s", resp.Msg)
	}
	return nil
}

// SendPermissionCard implements permission.Transport: one button per
// option, keyed by option id.
func (t *Transport) SendPermissionCard(ctx context.Context, chatID, toolDescription string, options []permission.Option) (string, error) {
	elements := []cardElementJSON{md(toolDescription)}
	for _, opt := range options {
		elements = append(elements, cardElementJSON{Tag: "action", Content: fmt.Sprintf("permission_select|%s|%s", opt.OptionID, opt.Name)})
	}
	content, _ := json.Marshal(map[string]any{"msg_type": "interactive", "card": markdownCard(elements...)})
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("interactive").
			Content(string(content)).
			Build()).
		Build()
	resp, err := t.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark: send permission card: %s", resp.Msg)
	}
	return *resp.Data.MessageId, nil
}

// ReplyText implements orchestrator.ReplyTransport: a plain text message,
// used for command replies and the "Please wait" busy notice (§4.12)
// rather than a streaming card.
func (t *Transport) ReplyText(ctx context.Context, chatID, text string) error {
	content, _ := json.Marshal(map[string]string{"text": text})
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(chatID).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()
	resp, err := t.client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: reply text: %s", resp.Msg)
	}
	return nil
}

// MarkSelected implements permission.Transport.
func (t *Transport) MarkSelected(ctx context.Context, messageID, optionLabel string) error {
	return t.patchMessageText(ctx, messageID, "Selected: "+optionLabel)
}

// MarkCancelled implements permission.Transport.
func (t *Transport) MarkCancelled(ctx context.Context, messageID string) error {
	return t.patchMessageText(ctx, messageID, "Request timed out.")
}

func (t *Transport) patchMessageText(ctx context.Context, messageID, text string) error {
	content, _ := json.Marshal(map[string]any{"msg_type": "interactive", "card": markdownCard(md(text))})
	req := larkim.NewPatchMessageReqBuilder().
		MessageId(messageID).
		Body(larkim.NewPatchMessageReqBodyBuilder().
			Content(string(content)).
			Build()).
		Build()
	resp, err := t.client.Im.V1.Message.Patch(ctx, req)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return fmt.Errorf("lark: patch message: %s", resp.Msg)
	}
	return nil
}
