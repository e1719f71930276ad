// Package telegraph abstracts the chat platforms Clipyard talks to
// (Telegram, Discord, Slack) behind a single Adapter interface.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management, prompts with inline buttons,
// prompt edits and file uploads for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound events (text messages and button
	// presses). The channel is closed when the adapter is closed. Listen
	// must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundEvent, error)

	// Send posts a new message and returns a reference usable by Edit and
	// Delete.
	Send(ctx context.Context, msg OutboundMessage) (MessageRef, error)

	// Edit replaces the text and keyboard of a previously sent message.
	// A nil keyboard removes the buttons.
	Edit(ctx context.Context, ref MessageRef, msg OutboundMessage) error

	// Delete removes a previously sent message.
	Delete(ctx context.Context, ref MessageRef) error

	// Upload sends a local file to a chat.
	Upload(ctx context.Context, up Upload) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// EventKind distinguishes plain messages from button presses.
type EventKind int

const (
	// EventText is a user-typed message.
	EventText EventKind = iota
	// EventAction is a press of an inline button; Action holds its data.
	EventAction
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventAction:
		return "action"
	}
	return "unknown"
}

// InboundEvent represents a message or button press received from the
// chat platform.
type InboundEvent struct {
	Platform  string    // e.g. "telegram", "discord", "slack"
	Kind      EventKind // text or action
	ChatID    string    // platform-specific chat/channel identifier
	MessageID string    // the user's message, or the prompt that owns the button
	UserID    string    // platform-specific user identifier
	UserName  string    // human-readable username
	Text      string    // raw message text (EventText)
	Action    string    // raw button data (EventAction)
	Timestamp time.Time // when the event was received
}

// Ref returns a reference to the message the event originated from.
func (e InboundEvent) Ref() MessageRef {
	return MessageRef{ChatID: e.ChatID, MessageID: e.MessageID}
}

// MessageRef identifies a message previously sent by the bot.
type MessageRef struct {
	ChatID    string
	MessageID string
}

// IsZero reports whether the reference points nowhere.
func (r MessageRef) IsZero() bool {
	return r.ChatID == "" && r.MessageID == ""
}

// Button is one inline button. Data is returned verbatim as
// InboundEvent.Action when pressed.
type Button struct {
	Label string
	Data  string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

// Buttons returns every button in row order.
func (k Keyboard) Buttons() []Button {
	var out []Button
	for _, row := range k {
		out = append(out, row...)
	}
	return out
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChatID   string   // target chat
	ReplyTo  string   // message to reply to (empty for none)
	Text     string   // message text (plain)
	Keyboard Keyboard // inline buttons (nil for none)
}

// UploadKind selects how a file is presented in the chat.
type UploadKind int

const (
	UploadVideo UploadKind = iota
	UploadAudio
	UploadPhoto
)

func (k UploadKind) String() string {
	switch k {
	case UploadVideo:
		return "video"
	case UploadAudio:
		return "audio"
	case UploadPhoto:
		return "photo"
	}
	return "unknown"
}

// Upload is a local file to deliver to a chat.
type Upload struct {
	ChatID  string
	ReplyTo string
	Kind    UploadKind
	Path    string // local file path
	Caption string
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}
