package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zulandar/clipyard/internal/telegraph"
	"github.com/zulandar/clipyard/internal/workflow"
)

// Handler advances the download workflow. *workflow.Controller implements it.
type Handler interface {
	HandleText(ctx context.Context, evt telegraph.InboundEvent) workflow.Outcome
	HandleAction(ctx context.Context, evt telegraph.InboundEvent, act workflow.Action) workflow.Outcome
	Reject(ctx context.Context, evt telegraph.InboundEvent, err error) workflow.Outcome
}

var _ Handler = (*workflow.Controller)(nil)

// Sender posts plain replies.
type Sender interface {
	Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error)
}

// Router classifies inbound events and routes them: bot self-messages are
// ignored, /start and /help get the welcome text, other text goes to the
// link step and button presses are decoded into actions.
type Router struct {
	handler   Handler
	sender    Sender
	welcome   string
	botUserID string
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Handler   Handler  // required
	Sender    Sender   // required
	Platforms []string // listed in the welcome text
	BotUserID string   // bot's user ID for self-message filtering
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Handler == nil {
		return nil, fmt.Errorf("bot: router: handler is required")
	}
	if opts.Sender == nil {
		return nil, fmt.Errorf("bot: router: sender is required")
	}
	return &Router{
		handler:   opts.Handler,
		sender:    opts.Sender,
		welcome:   WelcomeText(opts.Platforms),
		botUserID: opts.BotUserID,
	}, nil
}

// WelcomeText is the reply to /start and /help.
func WelcomeText(platforms []string) string {
	var b strings.Builder
	b.WriteString("👋 Hi! Send me a link and I will download the video, audio or thumbnail for you.")
	if len(platforms) > 0 {
		b.WriteString("\n\nSupported: ")
		b.WriteString(strings.Join(platforms, ", "))
	}
	return b.String()
}

// Handle routes a single inbound event.
func (r *Router) Handle(ctx context.Context, evt telegraph.InboundEvent) {
	if r.botUserID != "" && evt.UserID == r.botUserID {
		return
	}

	switch evt.Kind {
	case telegraph.EventAction:
		act, err := workflow.ParseAction(evt.Action)
		if err != nil {
			r.handler.Reject(ctx, evt, err)
			return
		}
		out := r.handler.HandleAction(ctx, evt, act)
		slog.Debug("bot: action handled", "chat", evt.ChatID, "kind", act.Kind, "state", out.State)

	case telegraph.EventText:
		text := strings.TrimSpace(evt.Text)
		if isCommand(text, "start") || isCommand(text, "help") {
			r.reply(ctx, evt, r.welcome)
			return
		}
		out := r.handler.HandleText(ctx, evt)
		slog.Debug("bot: text handled", "chat", evt.ChatID, "state", out.State)

	default:
		slog.Debug("bot: ignoring event", "kind", evt.Kind)
	}
}

func (r *Router) reply(ctx context.Context, evt telegraph.InboundEvent, text string) {
	_, err := r.sender.Send(ctx, telegraph.OutboundMessage{ChatID: evt.ChatID, ReplyTo: evt.MessageID, Text: text})
	if err != nil {
		slog.Warn("bot: reply failed", "chat", evt.ChatID, "err", err)
	}
}

// isCommand reports whether text is the slash command name, optionally
// addressed to a bot ("/start@clipyard_bot") and followed by arguments.
func isCommand(text, name string) bool {
	first, _, _ := strings.Cut(text, " ")
	first, _, _ = strings.Cut(first, "@")
	return strings.EqualFold(first, "/"+name)
}
