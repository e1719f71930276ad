package slack

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/clipyard/internal/telegraph"
)

// Compile-time interface compliance checks.
var _ telegraph.Adapter = (*Adapter)(nil)
var _ telegraph.BotUserIDer = (*Adapter)(nil)
var _ slackClient = (*slackapi.Client)(nil)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErrs []error // consumed one per post
	updated  []postedMessage
	updErr   error
	deleted  [][2]string
	uploads  []slackapi.UploadFileV2Parameters
	upErr    error
	users    map[string]*slackapi.User
}

type postedMessage struct {
	channelID string
	ts        string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(_ context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1700000000.000100", nil
}

func (m *mockSlackClient) UpdateMessageContext(_ context.Context, channelID, ts string, options ...slackapi.MsgOption) (string, string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updErr != nil {
		return "", "", "", m.updErr
	}
	m.updated = append(m.updated, postedMessage{channelID: channelID, ts: ts, options: options})
	return channelID, ts, "", nil
}

func (m *mockSlackClient) DeleteMessageContext(_ context.Context, channelID, ts string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, [2]string{channelID, ts})
	return channelID, ts, nil
}

func (m *mockSlackClient) UploadFileV2Context(_ context.Context, params slackapi.UploadFileV2Parameters) (*slackapi.FileSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upErr != nil {
		return nil, m.upErr
	}
	m.uploads = append(m.uploads, params)
	return &slackapi.FileSummary{ID: "F1", Title: params.Title}, nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events   chan socketmode.Event
	acked    []socketmode.Request
	mu       sync.Mutex
	runErrs  []error // returned by successive RunContext calls before blocking
	runCalls int
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{events: make(chan socketmode.Event, 100)}
}

func (m *mockSocketClient) RunContext(ctx context.Context) error {
	m.mu.Lock()
	m.runCalls++
	if len(m.runErrs) > 0 {
		err := m.runErrs[0]
		m.runErrs = m.runErrs[1:]
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event {
	return m.events
}

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

func (m *mockSocketClient) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalls
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, err := New(AdapterOpts{Client: client, Socket: socket})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client, socket
}

// blocksJSON renders options the way the Web API would receive them.
func blocksJSON(t *testing.T, options []slackapi.MsgOption) string {
	t.Helper()
	_, values, err := slackapi.UnsafeApplyMsgOptions("xoxb-test", "C1", "https://slack.com/api/", options...)
	if err != nil {
		t.Fatalf("apply options: %v", err)
	}
	return values.Get("blocks")
}

func messageEvent(ev *slackevents.MessageEvent) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: ev},
		},
		Request: &socketmode.Request{EnvelopeID: "env-" + ev.TimeStamp},
	}
}

func receive(t *testing.T, ch <-chan telegraph.InboundEvent) telegraph.InboundEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound event")
	}
	return telegraph.InboundEvent{}
}

// --- New / Connect ---

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(AdapterOpts{AppToken: "xapp-1"})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Fatalf("err = %v", err)
	}
}

func TestNew_RequiresAppToken(t *testing.T) {
	_, err := New(AdapterOpts{BotToken: "xoxb-1"})
	if err == nil || !strings.Contains(err.Error(), "app token") {
		t.Fatalf("err = %v", err)
	}
}

func TestConnect_SetsBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q", a.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = errors.New("invalid_auth")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Fatalf("err = %v", err)
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error after Close")
	}
}

// --- Send / Edit / Delete ---

func TestSend_KeyboardBecomesActionBlocks(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref, err := a.Send(context.Background(), telegraph.OutboundMessage{
		ChatID: "C1",
		Text:   "What do you want to download?",
		Keyboard: telegraph.Keyboard{
			{{Label: "Video", Data: "type|video|abc"}, {Label: "Audio", Data: "type|audio|abc"}},
			{{Label: "Thumbnail", Data: "type|thumbnail|abc"}},
		},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if ref != (telegraph.MessageRef{ChatID: "C1", MessageID: "1700000000.000100"}) {
		t.Errorf("ref = %+v", ref)
	}

	blocks := blocksJSON(t, client.posted[0].options)
	for _, want := range []string{`"type":"actions"`, `"value":"type|video|abc"`, `"value":"type|thumbnail|abc"`, `"action_id":"btn-1-0"`, "What do you want to download?"} {
		if !strings.Contains(blocks, want) {
			t.Errorf("blocks missing %s: %s", want, blocks)
		}
	}
}

func TestSend_NoChannel(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}, nil}
	if _, err := a.Send(context.Background(), telegraph.OutboundMessage{ChatID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(client.posted) != 1 {
		t.Errorf("posted = %d, want 1", len(client.posted))
	}
}

func TestEdit_UpdatesInPlace(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ref := telegraph.MessageRef{ChatID: "C1", MessageID: "1700000000.000100"}
	if err := a.Edit(context.Background(), ref, telegraph.OutboundMessage{Text: "Downloading..."}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	up := client.updated[0]
	if up.channelID != "C1" || up.ts != "1700000000.000100" {
		t.Errorf("update target = %s/%s", up.channelID, up.ts)
	}
	blocks := blocksJSON(t, up.options)
	if strings.Contains(blocks, `"type":"actions"`) {
		t.Errorf("edit without keyboard should drop action blocks: %s", blocks)
	}
}

func TestEdit_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.updErr = errors.New("message_not_found")
	err := a.Edit(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "1"}, telegraph.OutboundMessage{})
	if err == nil || !strings.Contains(err.Error(), "slack: update message") {
		t.Errorf("err = %v", err)
	}
}

func TestDelete(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	if err := a.Delete(context.Background(), telegraph.MessageRef{ChatID: "C1", MessageID: "1.2"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if client.deleted[0] != [2]string{"C1", "1.2"} {
		t.Errorf("deleted = %v", client.deleted)
	}
}

// --- Upload ---

func TestUpload_FileParameters(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	path := filepath.Join(t.TempDir(), "f00d.jpg")
	os.WriteFile(path, []byte("jpegdata"), 0o644)

	err := a.Upload(context.Background(), telegraph.Upload{
		ChatID: "C1", Kind: telegraph.UploadPhoto, Path: path, Caption: "Cat", ReplyTo: "1.1",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	p := client.uploads[0]
	if p.Channel != "C1" || p.File != path || p.Filename != "f00d.jpg" || p.FileSize != 8 {
		t.Errorf("params = %+v", p)
	}
	if p.Title != "Cat" || p.ThreadTimestamp != "1.1" {
		t.Errorf("params = %+v", p)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	err := a.Upload(context.Background(), telegraph.Upload{ChatID: "C1", Kind: telegraph.UploadVideo, Path: "/nope.mp4"})
	if err == nil || !strings.Contains(err.Error(), "upload video") {
		t.Errorf("err = %v", err)
	}
}

func TestUpload_Error(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.upErr = errors.New("file_too_large")
	path := filepath.Join(t.TempDir(), "a.mp3")
	os.WriteFile(path, []byte("x"), 0o644)
	err := a.Upload(context.Background(), telegraph.Upload{ChatID: "C1", Kind: telegraph.UploadAudio, Path: path})
	if err == nil || !strings.Contains(err.Error(), "file_too_large") {
		t.Errorf("err = %v", err)
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestListen_MessageUnwrapsLinks(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{ID: "U_ALICE", Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	socket.events <- messageEvent(&slackevents.MessageEvent{
		User:      "U_ALICE",
		Channel:   "C1",
		Text:      "grab <https://www.youtube.com/shorts/abc123|youtube.com/shorts/abc123> pls",
		TimeStamp: "1700000000.000001",
	})

	evt := receive(t, ch)
	if evt.Kind != telegraph.EventText || evt.Platform != "slack" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.Text != "grab https://www.youtube.com/shorts/abc123 pls" {
		t.Errorf("Text = %q", evt.Text)
	}
	if evt.ChatID != "C1" || evt.MessageID != "1700000000.000001" || evt.UserName != "alice" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", evt.Timestamp)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_FiltersSelfBotAndSubtypes(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_BOT_123", Channel: "C1", Text: "self", TimeStamp: "1.1"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", BotID: "B1", Channel: "C1", Text: "bot", TimeStamp: "1.2"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Channel: "C1", Text: "edit", TimeStamp: "1.3"})
	socket.events <- messageEvent(&slackevents.MessageEvent{User: "U_X", Channel: "C1", Text: "human", TimeStamp: "1.4"})

	if evt := receive(t, ch); evt.Text != "human" {
		t.Errorf("first event = %+v, want human", evt)
	}
}

func TestListen_AppMention(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type: slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: &slackevents.AppMentionEvent{
				User: "U_X", Channel: "C2", Text: "<@U_BOT_123> <https://vk.com/video-1_2>", TimeStamp: "2.0",
			}},
		},
	}
	evt := receive(t, ch)
	if evt.ChatID != "C2" || !strings.Contains(evt.Text, "https://vk.com/video-1_2") {
		t.Errorf("evt = %+v", evt)
	}
}

func TestListen_BlockActions(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	cb := slackapi.InteractionCallback{
		Type:      slackapi.InteractionTypeBlockActions,
		User:      slackapi.User{ID: "U_BOB", Name: "bob"},
		Container: slackapi.Container{ChannelID: "C1", MessageTs: "1700000000.000100"},
		ActionCallback: slackapi.ActionCallbacks{BlockActions: []*slackapi.BlockAction{
			{ActionID: "btn-0-0", Value: "dl|audio|best|0123456789abcdef"},
		}},
	}
	socket.events <- socketmode.Event{
		Type:    socketmode.EventTypeInteractive,
		Data:    cb,
		Request: &socketmode.Request{EnvelopeID: "env-int"},
	}

	evt := receive(t, ch)
	if evt.Kind != telegraph.EventAction || evt.Action != "dl|audio|best|0123456789abcdef" {
		t.Errorf("evt = %+v", evt)
	}
	if evt.ChatID != "C1" || evt.MessageID != "1700000000.000100" || evt.UserName != "bob" {
		t.Errorf("evt = %+v", evt)
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestHandleInteraction_IgnoresOtherTypes(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.handleInteraction(slackapi.InteractionCallback{Type: slackapi.InteractionTypeViewSubmission})
	a.handleInteraction(slackapi.InteractionCallback{Type: slackapi.InteractionTypeBlockActions})
	select {
	case evt := <-a.inbound:
		t.Errorf("unexpected event %+v", evt)
	default:
	}
}

func TestHandleSocketEvent_ConnectionEvents(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	for _, typ := range []socketmode.EventType{
		socketmode.EventTypeConnecting,
		socketmode.EventTypeConnected,
		socketmode.EventTypeConnectionError,
		socketmode.EventTypeDisconnect,
	} {
		a.handleSocketEvent(socketmode.Event{Type: typ})
	}
}

// --- Close ---

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatal(err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close should not error: %v", err)
	}
	// Late events are dropped, not sent on the closed channel.
	a.deliver(telegraph.InboundEvent{Text: "late"})
}

// --- runWithReconnect ---

func TestRunWithReconnect_RetriesOnError(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	socket.runErrs = []error{errors.New("dial"), errors.New("dial")}
	a.baseBackoff = time.Millisecond
	a.maxBackoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runWithReconnect(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for socket.calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if socket.calls() != 3 {
		t.Errorf("RunContext calls = %d, want 3", socket.calls())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect did not stop on cancel")
	}
}

func TestRunWithReconnect_GivesUp(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	a.maxReconnect = 2
	a.baseBackoff = time.Millisecond
	socket.runErrs = []error{errors.New("x"), errors.New("x"), errors.New("x")}

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect should give up")
	}
	if socket.calls() != 2 {
		t.Errorf("calls = %d, want 2", socket.calls())
	}
}

// --- helpers ---

func TestRetryOnRateLimit(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return errors.New("channel_not_found")
	})
	if err == nil || calls != 1 {
		t.Errorf("non-rate-limit error retried: calls=%d err=%v", calls, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want canceled", err)
	}
}

func TestParseSlackTimestamp(t *testing.T) {
	if got := parseSlackTimestamp("1700000000.123456"); got.Unix() != 1700000000 {
		t.Errorf("got %v", got)
	}
	if !parseSlackTimestamp("garbage").IsZero() {
		t.Error("invalid timestamp should be zero")
	}
}

func TestResolveUserName(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{RealName: "Real Name"}
	if got := a.resolveUserName("U1"); got != "Real Name" {
		t.Errorf("got %q", got)
	}
	if got := a.resolveUserName("U_MISSING"); got != "U_MISSING" {
		t.Errorf("got %q", got)
	}
	if got := a.resolveUserName(""); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestUnwrapLinks(t *testing.T) {
	tests := []struct{ in, want string }{
		{"<https://youtu.be/x>", "https://youtu.be/x"},
		{"see <https://vm.tiktok.com/ZM1/|vm.tiktok.com/ZM1/> now", "see https://vm.tiktok.com/ZM1/ now"},
		{"plain text", "plain text"},
		{"<@U123> hi", "<@U123> hi"},
	}
	for _, tt := range tests {
		if got := unwrapLinks(tt.in); got != tt.want {
			t.Errorf("unwrapLinks(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
