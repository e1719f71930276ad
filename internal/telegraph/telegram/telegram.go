// Package telegram implements the telegraph Adapter for Telegram using
// long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/clipyard/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff when Telegram gives no retry_after.
	baseBackoff = time.Second
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout = 30
)

// botAPI abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter implements telegraph.Adapter for the Telegram Bot API.
type Adapter struct {
	bot         botAPI
	botToken    string
	botUserID   string
	mu          sync.Mutex
	connected   bool
	closed      bool
	listening   bool
	inbound     chan telegraph.InboundEvent
	cancelFunc  context.CancelFunc
	baseBackoff time.Duration
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	BotToken string // token from @BotFather
	// For testing: inject a mock bot instead of the real Telegram API.
	Bot       botAPI
	BotUserID string
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		bot:         opts.Bot,
		botToken:    opts.BotToken,
		botUserID:   opts.BotUserID,
		inbound:     make(chan telegraph.InboundEvent, 100),
		baseBackoff: baseBackoff,
	}, nil
}

// Connect authenticates against the Bot API.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.bot == nil {
		api, err := tgbotapi.NewBotAPI(a.botToken)
		if err != nil {
			return fmt.Errorf("telegram: connect: %w", err)
		}
		a.bot = api
		a.botUserID = strconv.FormatInt(api.Self.ID, 10)
		slog.Info("telegram: connected", "user", api.Self.UserName, "id", api.Self.ID)
	}

	a.connected = true
	return nil
}

// Listen starts long polling and returns a channel of inbound events.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("telegram: not connected")
	}
	if a.listening {
		return a.inbound, nil
	}

	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.listening = true

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeout
	updates := a.bot.GetUpdatesChan(cfg)

	go a.pumpUpdates(listenCtx, updates)
	return a.inbound, nil
}

// Send posts a text message, optionally with an inline keyboard.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return telegraph.MessageRef{}, err
	}
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return telegraph.MessageRef{}, err
	}

	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
		cfg.ReplyToMessageID = id
	}
	if len(msg.Keyboard) > 0 {
		cfg.ReplyMarkup = buildKeyboard(msg.Keyboard)
	}

	var sent tgbotapi.Message
	err = a.retryOnRateLimit(ctx, func() error {
		var sendErr error
		sent, sendErr = a.bot.Send(cfg)
		return sendErr
	})
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("telegram: send message: %w", err)
	}
	return telegraph.MessageRef{ChatID: msg.ChatID, MessageID: strconv.Itoa(sent.MessageID)}, nil
}

// Edit replaces the text and keyboard of a previously sent message.
func (a *Adapter) Edit(ctx context.Context, ref telegraph.MessageRef, msg telegraph.OutboundMessage) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	chatID, messageID, err := parseRef(ref)
	if err != nil {
		return err
	}

	var cfg tgbotapi.Chattable
	if len(msg.Keyboard) > 0 {
		cfg = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, msg.Text, buildKeyboard(msg.Keyboard))
	} else {
		// Omitting reply_markup drops the existing inline keyboard.
		cfg = tgbotapi.NewEditMessageText(chatID, messageID, msg.Text)
	}

	err = a.retryOnRateLimit(ctx, func() error {
		_, reqErr := a.bot.Request(cfg)
		return reqErr
	})
	if err != nil && !isNotModified(err) {
		return fmt.Errorf("telegram: edit message: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (a *Adapter) Delete(ctx context.Context, ref telegraph.MessageRef) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	chatID, messageID, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, reqErr := a.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
		return reqErr
	})
	if err != nil {
		return fmt.Errorf("telegram: delete message: %w", err)
	}
	return nil
}

// Upload sends a local file as a video, audio or photo message.
func (a *Adapter) Upload(ctx context.Context, up telegraph.Upload) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	chatID, err := parseChatID(up.ChatID)
	if err != nil {
		return err
	}
	replyTo, _ := strconv.Atoi(up.ReplyTo)
	file := tgbotapi.FilePath(up.Path)

	var cfg tgbotapi.Chattable
	switch up.Kind {
	case telegraph.UploadAudio:
		c := tgbotapi.NewAudio(chatID, file)
		c.Caption = up.Caption
		c.ReplyToMessageID = replyTo
		cfg = c
	case telegraph.UploadPhoto:
		c := tgbotapi.NewPhoto(chatID, file)
		c.Caption = up.Caption
		c.ReplyToMessageID = replyTo
		cfg = c
	case telegraph.UploadVideo:
		c := tgbotapi.NewVideo(chatID, file)
		c.Caption = up.Caption
		c.ReplyToMessageID = replyTo
		c.SupportsStreaming = true
		cfg = c
	default:
		return fmt.Errorf("telegram: unsupported upload kind %s", up.Kind)
	}

	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.bot.Send(cfg)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("telegram: upload %s: %w", up.Kind, err)
	}
	return nil
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	if a.listening {
		// pumpUpdates owns and closes the inbound channel.
		a.bot.StopReceivingUpdates()
		return nil
	}
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("telegram: not connected")
	}
	return nil
}

// pumpUpdates converts Telegram updates into inbound events until ctx is
// cancelled or the update channel closes.
func (a *Adapter) pumpUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(a.inbound)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			evt, ok := a.convertUpdate(ctx, upd)
			if !ok {
				continue
			}
			select {
			case a.inbound <- evt:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertUpdate maps a Telegram update to an InboundEvent. Button presses
// are acknowledged immediately so the client stops its spinner.
func (a *Adapter) convertUpdate(ctx context.Context, upd tgbotapi.Update) (telegraph.InboundEvent, bool) {
	switch {
	case upd.CallbackQuery != nil:
		cq := upd.CallbackQuery
		if _, err := a.bot.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			slog.Debug("telegram: answer callback failed", "err", err)
		}
		if cq.Message == nil || cq.Message.Chat == nil {
			return telegraph.InboundEvent{}, false
		}
		evt := telegraph.InboundEvent{
			Platform:  "telegram",
			Kind:      telegraph.EventAction,
			ChatID:    strconv.FormatInt(cq.Message.Chat.ID, 10),
			MessageID: strconv.Itoa(cq.Message.MessageID),
			Action:    cq.Data,
			Timestamp: time.Now(),
		}
		setUser(&evt, cq.From)
		return evt, true

	case upd.Message != nil:
		m := upd.Message
		if m.Chat == nil || m.Text == "" {
			return telegraph.InboundEvent{}, false
		}
		if m.From != nil && m.From.IsBot {
			return telegraph.InboundEvent{}, false
		}
		evt := telegraph.InboundEvent{
			Platform:  "telegram",
			Kind:      telegraph.EventText,
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			MessageID: strconv.Itoa(m.MessageID),
			Text:      m.Text,
			Timestamp: m.Time(),
		}
		setUser(&evt, m.From)
		return evt, true
	}
	return telegraph.InboundEvent{}, false
}

func setUser(evt *telegraph.InboundEvent, u *tgbotapi.User) {
	if u == nil {
		return
	}
	evt.UserID = strconv.FormatInt(u.ID, 10)
	evt.UserName = u.UserName
	if evt.UserName == "" {
		evt.UserName = strings.TrimSpace(u.FirstName + " " + u.LastName)
	}
}

// buildKeyboard translates a telegraph keyboard into callback buttons.
func buildKeyboard(kb telegraph.Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, row := range kb {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func parseChatID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: invalid chat id %q", s)
	}
	return id, nil
}

func parseRef(ref telegraph.MessageRef) (int64, int, error) {
	chatID, err := parseChatID(ref.ChatID)
	if err != nil {
		return 0, 0, err
	}
	messageID, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return 0, 0, fmt.Errorf("telegram: invalid message id %q", ref.MessageID)
	}
	return chatID, messageID, nil
}

// isNotModified reports Telegram's rejection of an edit that changes nothing.
func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}

// retryOnRateLimit calls fn and retries on Telegram 429 responses, waiting
// for retry_after when present and backing off exponentially otherwise.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var apiErr *tgbotapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(apiErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		}
		slog.Warn("telegram: rate limited", "attempt", attempt+1, "max", maxRetries, "wait", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
