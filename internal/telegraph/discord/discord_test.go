package discord

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/clipyard/internal/telegraph"
)

// Compile-time interface compliance checks.
var _ telegraph.Adapter = (*Adapter)(nil)
var _ telegraph.BotUserIDer = (*Adapter)(nil)
var _ session = (*discordgo.Session)(nil)

// --- Mock Discord session ---

type mockSession struct {
	mu           sync.Mutex
	opened       bool
	closeCalled  bool
	openErr      error
	sendErrs     []error // consumed one per send
	editErr      error
	deleteErr    error
	sentMessages []sentMessage
	edits        []*discordgo.MessageEdit
	deletes      [][2]string
	responses    []*discordgo.InteractionResponse
	handlers     []interface{}
	removeCount  int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
	fileBody  string
}

func newMockSession() *mockSession { return &mockSession{} }

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	sm := sentMessage{channelID: channelID, data: data}
	if len(data.Files) > 0 {
		b, _ := io.ReadAll(data.Files[0].Reader)
		sm.fileBody = string(b)
	}
	m.sentMessages = append(m.sentMessages, sm)
	return &discordgo.Message{ID: "msg-123", ChannelID: channelID}, nil
}

func (m *mockSession) ChannelMessageEditComplex(e *discordgo.MessageEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edits = append(m.edits, e)
	return &discordgo.Message{ID: e.ID}, nil
}

func (m *mockSession) ChannelMessageDelete(channelID, messageID string, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, [2]string{channelID, messageID})
	return nil
}

func (m *mockSession) InteractionRespond(_ *discordgo.Interaction, resp *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

// fire dispatches evt to every registered handler of the matching type.
func (m *mockSession) fire(evt interface{}) {
	m.mu.Lock()
	handlers := append([]interface{}(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		switch fn := h.(type) {
		case func(*discordgo.Session, *discordgo.MessageCreate):
			if e, ok := evt.(*discordgo.MessageCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.InteractionCreate):
			if e, ok := evt.(*discordgo.InteractionCreate); ok {
				fn(nil, e)
			}
		case func(*discordgo.Session, *discordgo.Ready):
			if e, ok := evt.(*discordgo.Ready); ok {
				fn(nil, e)
			}
		}
	}
}

func (m *mockSession) lastSent() sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sentMessages[len(m.sentMessages)-1]
}

func rateLimitErr() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

// --- Helper to create a connected adapter ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.baseBackoff = time.Millisecond
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT_USER_ID")
	return a, sess
}

func receive(t *testing.T, ch <-chan telegraph.InboundEvent) telegraph.InboundEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
	return telegraph.InboundEvent{}
}

// --- New / Connect ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{})
	if err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %q, want to mention bot token", err.Error())
	}
}

func TestNew_WithBotToken(t *testing.T) {
	a, err := New(AdapterOpts{BotToken: "test-token"})
	if err != nil || a == nil {
		t.Fatalf("New: %v", err)
	}
}

func TestConnect_OpensSession(t *testing.T) {
	_, sess := newTestAdapter(t)
	if !sess.opened {
		t.Error("session not opened")
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = errors.New("invalid token")
	a, _ := New(AdapterOpts{Session: sess})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Fatalf("err = %v", err)
	}
}

func TestConnect_ReadySetsBotUserID(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.fire(&discordgo.Ready{User: &discordgo.User{ID: "B42", Username: "clipyard"}})
	if a.BotUserID() != "B42" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
}

func TestConnect_AfterClose(t *testing.T) {
	a, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("Connect after Close should fail")
	}
}

// --- Send ---

func TestSend_ButtonsAsComponents(t *testing.T) {
	a, sess := newTestAdapter(t)
	ref, err := a.Send(context.Background(), telegraph.OutboundMessage{
		ChatID:  "C1",
		ReplyTo: "u-msg",
		Text:    "What do you want to download?",
		Keyboard: telegraph.Keyboard{{
			{Label: "Video", Data: "type|video|abc"},
			{Label: "Audio", Data: "type|audio|abc"},
			{Label: "Thumbnail", Data: "type|thumbnail|abc"},
		}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref != (telegraph.MessageRef{ChatID: "C1", MessageID: "msg-123"}) {
		t.Errorf("ref = %+v", ref)
	}

	sent := sess.lastSent()
	if sent.channelID != "C1" || sent.data.Content != "What do you want to download?" {
		t.Errorf("sent = %+v", sent)
	}
	if sent.data.Reference == nil || sent.data.Reference.MessageID != "u-msg" {
		t.Errorf("Reference = %+v", sent.data.Reference)
	}
	if len(sent.data.Components) != 1 {
		t.Fatalf("rows = %d, want 1", len(sent.data.Components))
	}
	row := sent.data.Components[0].(discordgo.ActionsRow)
	if len(row.Components) != 3 {
		t.Fatalf("buttons = %d, want 3", len(row.Components))
	}
	btn := row.Components[2].(discordgo.Button)
	if btn.Label != "Thumbnail" || btn.CustomID != "type|thumbnail|abc" || btn.Style != discordgo.PrimaryButton {
		t.Errorf("button = %+v", btn)
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _ := newTestAdapter(t)
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error without channel")
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1"}); err == nil {
		t.Fatal("expected not connected error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErrs = []error{rateLimitErr(), rateLimitErr(), nil}
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.sentMessages) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sentMessages))
	}
}

func TestSend_RateLimitExhausted(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErrs = []error{rateLimitErr(), rateLimitErr(), rateLimitErr(), rateLimitErr()}
	_, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "hi"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestBuildComponents_SplitsWideRows(t *testing.T) {
	row := make([]telegraph.Button, 7)
	for i := range row {
		row[i] = telegraph.Button{Label: "b", Data: "d"}
	}
	comps := buildComponents(telegraph.Keyboard{row})
	if len(comps) != 2 {
		t.Fatalf("rows = %d, want 2", len(comps))
	}
	if n := len(comps[1].(discordgo.ActionsRow).Components); n != 2 {
		t.Errorf("second row = %d buttons, want 2", n)
	}
	if buildComponents(nil) != nil {
		t.Error("nil keyboard should produce no components")
	}
}

// --- Edit / Delete ---

func TestEdit_ClearsComponentsWithoutKeyboard(t *testing.T) {
	a, sess := newTestAdapter(t)
	ref := telegraph.MessageRef{ChatID: "C1", MessageID: "M1"}
	if err := a.Edit(context.Background(), ref, telegraph.OutboundMessage{Text: "Downloading..."}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	e := sess.edits[0]
	if e.ID != "M1" || e.Channel != "C1" || *e.Content != "Downloading..." {
		t.Errorf("edit = %+v", e)
	}
	if e.Components == nil || len(*e.Components) != 0 {
		t.Errorf("components should be an explicit empty list, got %v", e.Components)
	}
}

func TestEdit_WithKeyboard(t *testing.T) {
	a, sess := newTestAdapter(t)
	err := a.Edit(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "M1"}, telegraph.OutboundMessage{
		Text:     "Cat video",
		Keyboard: telegraph.Keyboard{{{Label: "720p", Data: "dl|video|22|abc"}}},
	})
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if len(*sess.edits[0].Components) != 1 {
		t.Errorf("components = %d, want 1 row", len(*sess.edits[0].Components))
	}
}

func TestEdit_Error(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.editErr = errors.New("unknown message")
	err := a.Edit(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "M1"}, telegraph.OutboundMessage{})
	if err == nil || !strings.Contains(err.Error(), "discord: edit message") {
		t.Errorf("err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	a, sess := newTestAdapter(t)
	if err := a.Delete(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "M1"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(sess.deletes) != 1 || sess.deletes[0] != [2]string{"C1", "M1"} {
		t.Errorf("deletes = %v", sess.deletes)
	}
}

// --- Upload ---

func TestUpload_AttachesFile(t *testing.T) {
	a, sess := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "abc.mp3")
	os.WriteFile(path, []byte("ID3audio"), 0o644)

	err := a.Upload(context.Background(), telegraph.Upload{
		ChatID: "C1", Kind: telegraph.UploadAudio, Path: path, Caption: "Song",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	sent := sess.lastSent()
	if sent.data.Content != "Song" || len(sent.data.Files) != 1 {
		t.Fatalf("sent = %+v", sent.data)
	}
	if sent.data.Files[0].Name != "abc.mp3" || sent.fileBody != "ID3audio" {
		t.Errorf("file = %q body %q", sent.data.Files[0].Name, sent.fileBody)
	}
}

func TestUpload_RetryReopensFile(t *testing.T) {
	a, sess := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "v.mp4")
	os.WriteFile(path, []byte("video-bytes"), 0o644)
	sess.sendErrs = []error{rateLimitErr(), nil}

	if err := a.Upload(context.Background(), telegraph.Upload{ChatID: "C1", Kind: telegraph.UploadVideo, Path: path}); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if sess.lastSent().fileBody != "video-bytes" {
		t.Errorf("body after retry = %q", sess.lastSent().fileBody)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	a, _ := newTestAdapter(t)
	err := a.Upload(context.Background(), telegraph.Upload{ChatID: "C1", Kind: telegraph.UploadPhoto, Path: "/nonexistent.jpg"})
	if err == nil || !strings.Contains(err.Error(), "upload photo") {
		t.Errorf("err = %v", err)
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestListen_MessageCreate(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "175928847299117063",
		ChannelID: "C1",
		Content:   "look https://youtu.be/dQw4w9WgXcQ",
		Author:    &discordgo.User{ID: "U1", Username: "alice"},
	}})

	evt := receive(t, ch)
	if evt.Kind != telegraph.EventText || evt.Platform != "discord" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.ChatID != "C1" || evt.MessageID != "175928847299117063" || evt.UserName != "alice" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.Timestamp.IsZero() {
		t.Error("timestamp should come from the snowflake")
	}
}

func TestListen_FiltersBotMessages(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "1", ChannelID: "C1", Content: "self", Author: &discordgo.User{ID: "BOT_USER_ID"},
	}})
	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "2", ChannelID: "C1", Content: "other bot", Author: &discordgo.User{ID: "X", Bot: true},
	}})
	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "3", ChannelID: "C1", Content: "human", Author: &discordgo.User{ID: "U1"},
	}})

	if evt := receive(t, ch); evt.MessageID != "3" {
		t.Errorf("first event = %+v, want message 3", evt)
	}
}

func TestListen_ButtonInteraction(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	sess.fire(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "C1",
		Message:   &discordgo.Message{ID: "prompt-1"},
		Member:    &discordgo.Member{User: &discordgo.User{ID: "U1", Username: "bob"}},
		Data:      discordgo.MessageComponentInteractionData{CustomID: "dl|video|22|0123456789abcdef"},
	}})

	evt := receive(t, ch)
	if evt.Kind != telegraph.EventAction || evt.Action != "dl|video|22|0123456789abcdef" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.MessageID != "prompt-1" || evt.UserID != "U1" || evt.UserName != "bob" {
		t.Errorf("evt = %+v", evt)
	}
	if len(sess.responses) != 1 || sess.responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("responses = %+v", sess.responses)
	}
}

func TestListen_IgnoresOtherInteractions(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	sess.fire(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type: discordgo.InteractionApplicationCommand,
	}})
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClose_RemovesHandlersAndClosesChannel(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
	if sess.removeCount != 2 || !sess.closeCalled {
		t.Errorf("removeCount = %d closeCalled = %v", sess.removeCount, sess.closeCalled)
	}

	// Events after close are dropped, not panicking on the closed channel.
	sess.fire(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID: "9", ChannelID: "C1", Content: "late", Author: &discordgo.User{ID: "U1"},
	}})
	if err := a.Close(); err != nil {
		t.Errorf("double Close: %v", err)
	}
}
