// Package discord implements the telegraph Adapter for Discord using the Gateway WebSocket.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/clipyard/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limit retries.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute
	// maxButtonsPerRow is Discord's limit for components in one action row.
	maxButtonsPerRow = 5
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEditComplex(m *discordgo.MessageEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// Adapter implements telegraph.Adapter for Discord via the Gateway WebSocket.
type Adapter struct {
	sess        session
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan telegraph.InboundEvent
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken string // Discord bot token
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		sess:        opts.Session,
		botToken:    opts.BotToken,
		inbound:     make(chan telegraph.InboundEvent, 100),
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages |
			discordgo.IntentsDirectMessages |
			discordgo.IntentsMessageContent
		a.sess = dg
	}

	// Capture the bot user ID on connect/reconnect.
	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		slog.Info("discord: connected", "user", r.User.Username, "id", r.User.ID)
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		slog.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
	})
	a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		slog.Info("discord: gateway session resumed")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}

	a.connected = true
	return nil
}

// Listen registers message and interaction handlers and returns the
// inbound event channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("discord: not connected")
	}
	a.mu.Unlock()

	removeMsg := a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	removeInteraction := a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		a.handleInteraction(i)
	})

	a.mu.Lock()
	a.removers = append(a.removers, removeMsg, removeInteraction)
	a.mu.Unlock()

	return a.inbound, nil
}

// Send posts a message with optional button components.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return telegraph.MessageRef{}, err
	}
	if msg.ChatID == "" {
		return telegraph.MessageRef{}, fmt.Errorf("discord: no channel specified")
	}

	data := &discordgo.MessageSend{
		Content:    msg.Text,
		Components: buildComponents(msg.Keyboard),
	}
	if msg.ReplyTo != "" {
		data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
	}

	var sent *discordgo.Message
	err := a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.sess.ChannelMessageSendComplex(msg.ChatID, data)
		return sendErr
	})
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("discord: send message: %w", err)
	}
	return telegraph.MessageRef{ChatID: msg.ChatID, MessageID: sent.ID}, nil
}

// Edit replaces the content and components of a message. A nil keyboard
// clears the buttons.
func (a *Adapter) Edit(ctx context.Context, ref telegraph.MessageRef, msg telegraph.OutboundMessage) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	content := msg.Text
	components := buildComponents(msg.Keyboard)
	if components == nil {
		components = []discordgo.MessageComponent{}
	}
	edit := &discordgo.MessageEdit{
		ID:         ref.MessageID,
		Channel:    ref.ChatID,
		Content:    &content,
		Components: &components,
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, editErr := a.sess.ChannelMessageEditComplex(edit)
		return editErr
	})
	if err != nil {
		return fmt.Errorf("discord: edit message: %w", err)
	}
	return nil
}

// Delete removes a message.
func (a *Adapter) Delete(ctx context.Context, ref telegraph.MessageRef) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(ref.ChatID, ref.MessageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

// Upload attaches a local file to a new message. Discord renders audio,
// video and images inline based on the file, so Kind only affects logging.
func (a *Adapter) Upload(ctx context.Context, up telegraph.Upload) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	if up.ChatID == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	err := a.retryOnRateLimit(ctx, func() error {
		// Reopen on every attempt; a failed request consumes the reader.
		f, err := os.Open(up.Path)
		if err != nil {
			return err
		}
		defer f.Close()

		data := &discordgo.MessageSend{
			Content: up.Caption,
			Files:   []*discordgo.File{{Name: filepath.Base(up.Path), Reader: f}},
		}
		if up.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: up.ReplyTo, ChannelID: up.ChatID}
		}
		_, sendErr := a.sess.ChannelMessageSendComplex(up.ChatID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: upload %s: %w", up.Kind, err)
	}
	return nil
}

// Close gracefully shuts down the adapter connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	close(a.inbound)
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

// BotUserID returns the bot's Discord user ID (available after the Ready event).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// SetBotUserID sets the bot user ID (used for self-message filtering).
func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("discord: not connected")
	}
	return nil
}

// deliver queues evt unless the adapter is closed. Handlers run on
// discordgo goroutines, so a full buffer drops the event instead of
// blocking the gateway.
func (a *Adapter) deliver(evt telegraph.InboundEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- evt:
	default:
		slog.Warn("discord: inbound buffer full, dropping event", "kind", evt.Kind, "channel", evt.ChatID)
	}
}

// handleMessage converts a Discord message event to an InboundEvent.
func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m.Author == nil || m.Content == "" {
		return
	}
	if m.Author.ID == a.BotUserID() || m.Author.Bot {
		return
	}

	ts, _ := discordgo.SnowflakeTimestamp(m.ID)
	a.deliver(telegraph.InboundEvent{
		Platform:  "discord",
		Kind:      telegraph.EventText,
		ChatID:    m.ChannelID,
		MessageID: m.ID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: ts,
	})
}

// handleInteraction acknowledges a button press and converts it to an
// action event. Other interaction types are ignored.
func (a *Adapter) handleInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	// Deferred update: the prompt is edited later through the REST API.
	err := a.sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		slog.Warn("discord: acknowledge interaction failed", "err", err)
	}

	evt := telegraph.InboundEvent{
		Platform:  "discord",
		Kind:      telegraph.EventAction,
		ChatID:    i.ChannelID,
		Action:    i.MessageComponentData().CustomID,
		Timestamp: time.Now(),
	}
	if i.Message != nil {
		evt.MessageID = i.Message.ID
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user != nil {
		evt.UserID = user.ID
		evt.UserName = user.Username
	}
	a.deliver(evt)
}

// buildComponents translates a keyboard into action rows of buttons.
// Rows wider than Discord allows are split.
func buildComponents(kb telegraph.Keyboard) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	for _, row := range kb {
		for start := 0; start < len(row); start += maxButtonsPerRow {
			end := min(start+maxButtonsPerRow, len(row))
			var buttons []discordgo.MessageComponent
			for _, b := range row[start:end] {
				buttons = append(buttons, discordgo.Button{
					Label:    b.Label,
					Style:    discordgo.PrimaryButton,
					CustomID: b.Data,
				})
			}
			rows = append(rows, discordgo.ActionsRow{Components: buttons})
		}
	}
	return rows
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		slog.Warn("discord: rate limited", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
