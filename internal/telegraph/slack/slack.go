// Package slack implements the telegraph Adapter for Slack using Socket Mode.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/clipyard/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for reconnection.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff for reconnection.
	maxBackoff = 2 * time.Minute
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
)

// slackLink matches Slack's <url> and <url|label> link markup.
var slackLink = regexp.MustCompile(`<(https?://[^|>]+)(?:\|[^>]*)?>`)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slackapi.MsgOption) (string, string, string, error)
	DeleteMessageContext(ctx context.Context, channelID, timestamp string) (string, string, error)
	UploadFileV2Context(ctx context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketClient abstracts the Socket Mode client methods we use.
type socketClient interface {
	RunContext(ctx context.Context) error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSocketClient wraps *socketmode.Client to implement socketClient.
type realSocketClient struct {
	client *socketmode.Client
}

func (r *realSocketClient) RunContext(ctx context.Context) error { return r.client.RunContext(ctx) }
func (r *realSocketClient) EventsChan() chan socketmode.Event    { return r.client.Events }
func (r *realSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// Adapter implements telegraph.Adapter for Slack Socket Mode.
type Adapter struct {
	client       slackClient
	socket       socketClient
	botUserID    string
	appToken     string
	botToken     string
	mu           sync.Mutex
	connected    bool
	closed       bool
	inbound      chan telegraph.InboundEvent
	cancelFunc   context.CancelFunc
	baseBackoff  time.Duration // reconnection base backoff (default: baseBackoff const)
	maxBackoff   time.Duration // reconnection max backoff (default: maxBackoff const)
	maxReconnect int           // max reconnection attempts (default: maxReconnectAttempts)
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken string // xapp-... Slack app-level token for Socket Mode
	BotToken string // xoxb-... Slack bot token
	// For testing: inject mock clients instead of real Slack API.
	Client slackClient
	Socket socketClient
}

// New creates a Slack Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		client:       opts.Client,
		socket:       opts.Socket,
		appToken:     opts.AppToken,
		botToken:     opts.BotToken,
		inbound:      make(chan telegraph.InboundEvent, 100),
		baseBackoff:  baseBackoff,
		maxBackoff:   maxBackoff,
		maxReconnect: maxReconnectAttempts,
	}, nil
}

// Connect authenticates and prepares the Socket Mode client.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSocketClient{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	slog.Info("slack: authenticated", "user", auth.User, "team", auth.Team)

	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump in the background and returns
// the inbound event channel. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundEvent, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)

	return a.inbound, nil
}

// Send posts a Block Kit message; keyboard rows become action blocks.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error) {
	if err := a.checkConnected(); err != nil {
		return telegraph.MessageRef{}, err
	}
	if msg.ChatID == "" {
		return telegraph.MessageRef{}, fmt.Errorf("slack: no channel specified")
	}

	options := buildMessageOptions(msg)
	var channel, ts string
	err := retryOnRateLimit(ctx, func() error {
		var postErr error
		channel, ts, postErr = a.client.PostMessageContext(ctx, msg.ChatID, options...)
		return postErr
	})
	if err != nil {
		return telegraph.MessageRef{}, fmt.Errorf("slack: post message: %w", err)
	}
	if channel == "" {
		channel = msg.ChatID
	}
	return telegraph.MessageRef{ChatID: channel, MessageID: ts}, nil
}

// Edit updates a posted message in place.
func (a *Adapter) Edit(ctx context.Context, ref telegraph.MessageRef, msg telegraph.OutboundMessage) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	msg.ReplyTo = ""
	options := buildMessageOptions(msg)
	err := retryOnRateLimit(ctx, func() error {
		_, _, _, updErr := a.client.UpdateMessageContext(ctx, ref.ChatID, ref.MessageID, options...)
		return updErr
	})
	if err != nil {
		return fmt.Errorf("slack: update message: %w", err)
	}
	return nil
}

// Delete removes a posted message.
func (a *Adapter) Delete(ctx context.Context, ref telegraph.MessageRef) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, delErr := a.client.DeleteMessageContext(ctx, ref.ChatID, ref.MessageID)
		return delErr
	})
	if err != nil {
		return fmt.Errorf("slack: delete message: %w", err)
	}
	return nil
}

// Upload shares a local file into the channel via files.uploadV2.
func (a *Adapter) Upload(ctx context.Context, up telegraph.Upload) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	info, err := os.Stat(up.Path)
	if err != nil {
		return fmt.Errorf("slack: upload %s: %w", up.Kind, err)
	}
	params := slackapi.UploadFileV2Parameters{
		Channel:         up.ChatID,
		File:            up.Path,
		FileSize:        int(info.Size()),
		Filename:        filepath.Base(up.Path),
		Title:           up.Caption,
		InitialComment:  up.Caption,
		ThreadTimestamp: up.ReplyTo,
	}
	err = retryOnRateLimit(ctx, func() error {
		_, upErr := a.client.UploadFileV2Context(ctx, params)
		return upErr
	})
	if err != nil {
		return fmt.Errorf("slack: upload %s: %w", up.Kind, err)
	}
	return nil
}

// Close shuts down the adapter and closes the inbound channel.
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
	close(a.inbound)
	return nil
}

// BotUserID returns the bot's Slack user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) checkConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("slack: not connected")
	}
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when it returns an error.
func (a *Adapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < a.maxReconnect; attempt++ {
		err := a.socket.RunContext(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		slog.Warn("slack: socket mode disconnected, reconnecting",
			"attempt", attempt+1, "max", a.maxReconnect, "err", err, "wait", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	slog.Error("slack: socket mode exhausted reconnection attempts, giving up", "attempts", a.maxReconnect)
}

// pumpEvents reads Socket Mode events and converts them to inbound events.
func (a *Adapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

// handleSocketEvent processes a single Socket Mode event.
func (a *Adapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleEventsAPI(eventsAPIEvent)

	case socketmode.EventTypeInteractive:
		cb, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		a.handleInteraction(cb)

	case socketmode.EventTypeConnecting:
		slog.Debug("slack: connecting to Socket Mode")

	case socketmode.EventTypeConnected:
		slog.Info("slack: connected to Socket Mode")

	case socketmode.EventTypeConnectionError:
		slog.Warn("slack: connection error", "data", evt.Data)

	case socketmode.EventTypeDisconnect:
		slog.Warn("slack: server requested disconnect, will reconnect")
	}
}

// handleEventsAPI processes Events API callbacks.
func (a *Adapter) handleEventsAPI(event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		a.handleAppMention(ev)
	}
}

// handleMessage converts a Slack message event to an inbound text event.
func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	// Bot messages and subtypes (edits, deletes, joins) are not requests.
	if ev.BotID != "" || ev.SubType != "" {
		return
	}
	a.deliver(a.textEvent(ev.Channel, ev.TimeStamp, ev.User, ev.Text))
}

// handleAppMention converts a Slack @mention event to an inbound text event.
func (a *Adapter) handleAppMention(ev *slackevents.AppMentionEvent) {
	if ev.User == a.BotUserID() {
		return
	}
	a.deliver(a.textEvent(ev.Channel, ev.TimeStamp, ev.User, ev.Text))
}

func (a *Adapter) textEvent(channel, ts, user, text string) telegraph.InboundEvent {
	return telegraph.InboundEvent{
		Platform:  "slack",
		Kind:      telegraph.EventText,
		ChatID:    channel,
		MessageID: ts,
		UserID:    user,
		UserName:  a.resolveUserName(user),
		Text:      unwrapLinks(text),
		Timestamp: parseSlackTimestamp(ts),
	}
}

// handleInteraction converts a block_actions payload to an action event.
func (a *Adapter) handleInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions || len(cb.ActionCallback.BlockActions) == 0 {
		return
	}
	channel := cb.Container.ChannelID
	if channel == "" {
		channel = cb.Channel.ID
	}
	ts := cb.Container.MessageTs
	if ts == "" {
		ts = cb.Message.Timestamp
	}
	name := cb.User.Name
	if name == "" {
		name = a.resolveUserName(cb.User.ID)
	}
	a.deliver(telegraph.InboundEvent{
		Platform:  "slack",
		Kind:      telegraph.EventAction,
		ChatID:    channel,
		MessageID: ts,
		UserID:    cb.User.ID,
		UserName:  name,
		Action:    cb.ActionCallback.BlockActions[0].Value,
		Timestamp: time.Now(),
	})
}

// deliver queues evt unless the adapter is closed.
func (a *Adapter) deliver(evt telegraph.InboundEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- evt:
	default:
		slog.Warn("slack: inbound buffer full, dropping event", "kind", evt.Kind, "channel", evt.ChatID)
	}
}

// resolveUserName looks up a user's display name. Falls back to user ID.
func (a *Adapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	if user.Profile.DisplayName != "" {
		return user.Profile.DisplayName
	}
	return user.RealName
}

// buildMessageOptions translates an OutboundMessage into Slack MsgOptions:
// a section block for the text and one action block per keyboard row.
func buildMessageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	options := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ReplyTo != "" {
		options = append(options, slackapi.MsgOptionTS(msg.ReplyTo))
	}

	blocks := []slackapi.Block{
		slackapi.NewSectionBlock(slackapi.NewTextBlockObject(slackapi.MarkdownType, msg.Text, false, false), nil, nil),
	}
	for r, row := range msg.Keyboard {
		var elems []slackapi.BlockElement
		for i, b := range row {
			label := slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, false, false)
			elems = append(elems, slackapi.NewButtonBlockElement("btn-"+strconv.Itoa(r)+"-"+strconv.Itoa(i), b.Data, label))
		}
		blocks = append(blocks, slackapi.NewActionBlock("row-"+strconv.Itoa(r), elems...))
	}
	return append(options, slackapi.MsgOptionBlocks(blocks...))
}

// unwrapLinks replaces Slack link markup with the bare URL.
func unwrapLinks(text string) string {
	return slackLink.ReplaceAllString(text, "$1")
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}

// parseSlackTimestamp converts a Slack timestamp (e.g., "1234567890.123456")
// to a time.Time.
func parseSlackTimestamp(ts string) time.Time {
	sec, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(sec, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
