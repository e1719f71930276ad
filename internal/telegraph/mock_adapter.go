package telegraph

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Edit records a single MockAdapter.Edit call.
type Edit struct {
	Ref MessageRef
	Msg OutboundMessage
}

// MockAdapter implements Adapter for testing. It records sent, edited and
// deleted messages and uploads, and allows simulating inbound events via
// SimulateText and SimulateAction.
type MockAdapter struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	inbound   chan InboundEvent
	sent      []OutboundMessage
	edits     []Edit
	deleted   []MessageRef
	uploads   []Upload
	botUserID string
	msgSeq    int

	sendErr   error
	editErr   error
	deleteErr error
	uploadErr error
}

// NewMockAdapter creates a MockAdapter with a buffered inbound channel.
func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		inbound: make(chan InboundEvent, 100),
	}
}

// BotUserID returns the configured bot user ID (implements BotUserIDer).
func (m *MockAdapter) BotUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.botUserID
}

// SetBotUserID sets the bot user ID for testing.
func (m *MockAdapter) SetBotUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.botUserID = id
}

// Connect marks the adapter as connected.
func (m *MockAdapter) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock adapter: already closed")
	}
	m.connected = true
	return nil
}

// Listen returns the inbound event channel. Must be called after Connect.
func (m *MockAdapter) Listen(ctx context.Context) (<-chan InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("mock adapter: not connected")
	}
	return m.inbound, nil
}

// Send records the outbound message and returns a sequential message id.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return MessageRef{}, fmt.Errorf("mock adapter: not connected")
	}
	if m.sendErr != nil {
		return MessageRef{}, m.sendErr
	}
	m.sent = append(m.sent, msg)
	m.msgSeq++
	return MessageRef{ChatID: msg.ChatID, MessageID: "m" + strconv.Itoa(m.msgSeq)}, nil
}

// Edit records the edit.
func (m *MockAdapter) Edit(ctx context.Context, ref MessageRef, msg OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.editErr != nil {
		return m.editErr
	}
	m.edits = append(m.edits, Edit{Ref: ref, Msg: msg})
	return nil
}

// Delete records the deletion.
func (m *MockAdapter) Delete(ctx context.Context, ref MessageRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deleted = append(m.deleted, ref)
	return nil
}

// Upload records the upload.
func (m *MockAdapter) Upload(ctx context.Context, up Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock adapter: not connected")
	}
	if m.uploadErr != nil {
		return m.uploadErr
	}
	m.uploads = append(m.uploads, up)
	return nil
}

// Close shuts down the mock adapter and closes the inbound channel.
func (m *MockAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.connected = false
	close(m.inbound)
	return nil
}

// --- Test helpers ---

// SimulateText sends a text message into the inbound channel as if it came
// from the chat platform. Safe to call from any goroutine.
func (m *MockAdapter) SimulateText(chatID, messageID, text string) {
	m.SimulateInbound(InboundEvent{
		Platform:  "mock",
		Kind:      EventText,
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    "U1",
		UserName:  "tester",
		Text:      text,
	})
}

// SimulateAction sends a button press on the given prompt.
func (m *MockAdapter) SimulateAction(chatID, messageID, data string) {
	m.SimulateInbound(InboundEvent{
		Platform:  "mock",
		Kind:      EventAction,
		ChatID:    chatID,
		MessageID: messageID,
		UserID:    "U1",
		UserName:  "tester",
		Action:    data,
	})
}

// SimulateInbound sends an arbitrary event into the inbound channel.
func (m *MockAdapter) SimulateInbound(evt InboundEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	m.inbound <- evt
}

// FailSend makes subsequent Send calls return err (nil restores success).
func (m *MockAdapter) FailSend(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// FailEdit makes subsequent Edit calls return err.
func (m *MockAdapter) FailEdit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.editErr = err
}

// FailDelete makes subsequent Delete calls return err.
func (m *MockAdapter) FailDelete(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// FailUpload makes subsequent Upload calls return err.
func (m *MockAdapter) FailUpload(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErr = err
}

// LastSent returns the most recently sent outbound message.
// Returns zero value and false if no messages have been sent.
func (m *MockAdapter) LastSent() (OutboundMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return OutboundMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// LastEdit returns the most recent edit.
func (m *MockAdapter) LastEdit() (Edit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return Edit{}, false
	}
	return m.edits[len(m.edits)-1], true
}

// SentCount returns the number of outbound messages sent.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all sent outbound messages.
func (m *MockAdapter) AllSent() []OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutboundMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// AllEdits returns a copy of all recorded edits.
func (m *MockAdapter) AllEdits() []Edit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Edit, len(m.edits))
	copy(out, m.edits)
	return out
}

// Deleted returns a copy of all deleted message references.
func (m *MockAdapter) Deleted() []MessageRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MessageRef, len(m.deleted))
	copy(out, m.deleted)
	return out
}

// Uploads returns a copy of all recorded uploads.
func (m *MockAdapter) Uploads() []Upload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Upload, len(m.uploads))
	copy(out, m.uploads)
	return out
}
