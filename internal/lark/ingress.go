package lark

import (
	"context"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcard "github.com/larksuite/oapi-sdk-go/v3/card"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"go.uber.org/zap"

	"github.com/kandev/larkacp/internal/cardaction"
	"github.com/kandev/larkacp/internal/logger"
	"github.com/kandev/larkacp/internal/store"
)

// IncomingMessage is the subset of an im.message.receive_v1 event the
// Orchestrator needs to resolve a thread and start or continue a turn.
type IncomingMessage struct {
	EventID   string
	ChatID    string
	MessageID string
	SenderID  string
	Text      string
	IsReply   bool
	RootID    string
}

// Gateway is the Lark websocket edge: it owns the SDK client and event
// dispatcher and fans parsed events out to Orchestrator-supplied
// callbacks, mirroring how the teacher's own Gateway wires a long-lived
// event stream to an injected executor.
type Gateway struct {
	cfg    Config
	log    *logger.Logger
	dedup  *store.EventDeduper
	client *lark.Client
	ws     *larkws.Client

	transport *Transport

	// OnMessage and OnCardAction are invoked for every non-duplicate,
	// gated event. Both must be set before Start.
	OnMessage    func(ctx context.Context, msg IncomingMessage)
	OnCardAction func(ctx context.Context, cb cardaction.Callback)
}

// NewGateway constructs a Gateway, including its REST client and
// Transport, so callers can wire the Orchestrator's collaborators
// before Start connects the event stream. dedup fronts ProcessedEvents
// (§6, P3).
func NewGateway(cfg Config, s *store.Store, log *logger.Logger) (*Gateway, error) {
	dedup, err := store.NewEventDeduper(s, cfg.EventDedupCacheSize)
	if err != nil {
		return nil, err
	}

	var opts []lark.ClientOptionFunc
	if cfg.BaseDomain != "" {
		opts = append(opts, lark.WithOpenBaseUrl(cfg.BaseDomain))
	}
	client := lark.NewClient(cfg.AppID, cfg.AppSecret, opts...)

	return &Gateway{
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "lark-gateway")),
		dedup:     dedup,
		client:    client,
		transport: newTransport(client),
	}, nil
}

// Transport returns the card/permission/cardaction/reply Transport
// implementation backed by this Gateway's REST client.
func (g *Gateway) Transport() *Transport { return g.transport }

// Start connects the websocket event stream and blocks until ctx is
// cancelled or the connection fails, per §6's "long-lived event stream"
// external-interface contract.
func (g *Gateway) Start(ctx context.Context) error {
	d := dispatcher.NewEventDispatcher("", "")
	d.OnP2MessageReceiveV1(g.handleMessageEvent)

	cardHandler := larkcard.NewCardActionHandler("", "", g.handleCardActionEvent)

	var wsOpts []larkws.ClientOption
	wsOpts = append(wsOpts, larkws.WithEventHandler(d))
	wsOpts = append(wsOpts, larkws.WithCardHandler(cardHandler))
	wsOpts = append(wsOpts, larkws.WithLogLevel(larkcore.LogLevelInfo))
	if g.cfg.BaseDomain != "" {
		wsOpts = append(wsOpts, larkws.WithDomain(g.cfg.BaseDomain))
	}
	g.ws = larkws.NewClient(g.cfg.AppID, g.cfg.AppSecret, wsOpts...)

	g.log.Info("lark gateway connecting")
	return g.ws.Start(ctx)
}

// rawMessageEvent is the SDK-agnostic projection of one receive_v1
// event; extracted so the dedup/gate/parse pipeline is testable without
// constructing real SDK event structs.
type rawMessageEvent struct {
	EventID          string
	MessageID        string
	ChatID           string
	ChatType         string
	MessageType      string
	Content          string
	RootID           string
	SenderOpenID     string
	MentionedOpenIDs []string
}

func (g *Gateway) handleMessageEvent(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	return g.processMessage(ctx, extractRawMessage(event))
}

// handleCardActionEvent is the websocket long-connection card-callback
// entry point (§6's card.action.trigger), registered via
// larkws.WithCardHandler alongside the message event dispatcher.
func (g *Gateway) handleCardActionEvent(ctx context.Context, action *larkcard.CardAction) (interface{}, error) {
	if action == nil {
		return nil, nil
	}
	raw := rawCardAction{
		OperatorOpenID: action.OpenID,
		ChatID:         action.OpenChatID,
		MessageID:      action.OpenMessageID,
		Value:          stringifyActionValue(action.Action),
	}
	if err := g.ProcessCardAction(ctx, action.Token, raw); err != nil {
		return nil, err
	}
	return nil, nil
}

// stringifyActionValue flattens a card action's untyped value record (the
// SDK decodes button payloads as map[string]interface{}) into the plain
// map[string]string rawCardAction carries.
func stringifyActionValue(v *larkcard.CardActionValue) map[string]string {
	out := make(map[string]string)
	if v == nil {
		return out
	}
	for k, raw := range v.Value {
		if s, ok := raw.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprintf("%v", raw)
	}
	return out
}

// processMessage implements §6's ingress contract: dedup, text-only
// filter, group-mention gate, mention stripping.
func (g *Gateway) processMessage(ctx context.Context, raw rawMessageEvent) error {
	if raw.EventID != "" {
		dup, err := g.dedup.TestAndSet(ctx, raw.EventID)
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	if raw.MessageType != "text" {
		return nil
	}
	if !shouldProcessMessage(raw.ChatType, raw.MentionedOpenIDs, g.cfg.BotOpenID) {
		return nil
	}
	text := stripMentions(parseTextContent(raw.Content))
	if text == "" {
		return nil
	}
	if g.OnMessage == nil {
		return nil
	}
	g.OnMessage(ctx, IncomingMessage{
		EventID:   raw.EventID,
		ChatID:    raw.ChatID,
		MessageID: raw.MessageID,
		SenderID:  raw.SenderOpenID,
		Text:      text,
		IsReply:   raw.RootID != "",
		RootID:    raw.RootID,
	})
	return nil
}

func extractRawMessage(event *larkim.P2MessageReceiveV1) rawMessageEvent {
	var raw rawMessageEvent
	if event == nil || event.Event == nil {
		return raw
	}
	if event.EventV2Base.Header != nil {
		raw.EventID = event.EventV2Base.Header.EventID
	}
	if msg := event.Event.Message; msg != nil {
		raw.MessageID = deref(msg.MessageId)
		raw.ChatID = deref(msg.ChatId)
		raw.ChatType = deref(msg.ChatType)
		raw.MessageType = deref(msg.MessageType)
		raw.Content = deref(msg.Content)
		raw.RootID = deref(msg.RootId)
		for _, m := range msg.Mentions {
			if m == nil || m.Id == nil {
				continue
			}
			raw.MentionedOpenIDs = append(raw.MentionedOpenIDs, deref(m.Id.OpenId))
		}
	}
	if sender := event.Event.Sender; sender != nil && sender.SenderId != nil {
		raw.SenderOpenID = deref(sender.SenderId.OpenId)
	}
	return raw
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
