// Package workflow drives the link → type → quality → delivery selection
// flow on top of the session store, the media provider and a chat
// messenger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/zulandar/clipyard/internal/link"
	"github.com/zulandar/clipyard/internal/media"
	"github.com/zulandar/clipyard/internal/session"
	"github.com/zulandar/clipyard/internal/telegraph"
)

// Notices shown to the user.
const (
	MsgLinkNotFound   = "❗ Could not find a supported link."
	MsgSessionExpired = "⚠️ This request has expired. Send the link again."
	MsgFetchFailed    = "🚫 Could not get information about this video."
	MsgDownloadFailed = "🚫 Download failed."
	MsgDeliveryFailed = "⚠️ Failed to send the file."
	MsgFetching       = "⏳ Fetching available formats..."
	MsgDownloading    = "⬇️ Downloading the file, please wait..."
)

// qualityRowSize is the number of quality buttons per keyboard row.
const qualityRowSize = 3

// State is a position in the selection flow.
type State int

const (
	AwaitingLink State = iota
	TypeChosen
	QualityChosen
	Delivered
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingLink:
		return "awaiting_link"
	case TypeChosen:
		return "type_chosen"
	case QualityChosen:
		return "quality_chosen"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the result of handling one inbound event.
type Outcome struct {
	State     State
	SessionID string
	Err       error // *Error when State is Failed
}

// Messenger is the part of a chat adapter the controller needs.
type Messenger interface {
	Send(ctx context.Context, msg telegraph.OutboundMessage) (telegraph.MessageRef, error)
	Edit(ctx context.Context, ref telegraph.MessageRef, msg telegraph.OutboundMessage) error
	Delete(ctx context.Context, ref telegraph.MessageRef) error
	Upload(ctx context.Context, up telegraph.Upload) error
}

// Report describes a finished download request.
type Report struct {
	Platform  string // chat platform
	ChatID    string
	UserID    string
	SessionID string
	URL       string
	Source    string // media platform, e.g. "Tiktok"
	MediaType media.Type
	FormatID  string
	State     State
	ErrKind   Kind
	Duration  time.Duration
}

// Recorder persists reports. Record errors are logged and never change
// the outcome.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// Controller runs the selection flow. It keeps no state besides the store.
type Controller struct {
	store     *session.Store
	extractor *link.Extractor
	provider  media.Provider
	messenger Messenger
	recorder  Recorder
	platform  string
	now       func() time.Time
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Store     *session.Store  // required
	Extractor *link.Extractor // defaults to link.New()
	Provider  media.Provider  // required
	Messenger Messenger       // required
	Recorder  Recorder        // optional
	Platform  string          // chat platform name used in reports
}

// New creates a Controller.
func New(opts Opts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("workflow: session store is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("workflow: media provider is required")
	}
	if opts.Messenger == nil {
		return nil, fmt.Errorf("workflow: messenger is required")
	}
	ext := opts.Extractor
	if ext == nil {
		ext = link.New()
	}
	return &Controller{
		store:     opts.Store,
		extractor: ext,
		provider:  opts.Provider,
		messenger: opts.Messenger,
		recorder:  opts.Recorder,
		platform:  opts.Platform,
		now:       time.Now,
	}, nil
}

// HandleText looks for a supported link in a user message. On success it
// opens a session and replies with the media type prompt.
func (c *Controller) HandleText(ctx context.Context, evt telegraph.InboundEvent) Outcome {
	m, ok := c.extractor.Extract(evt.Text)
	if !ok {
		c.reply(ctx, evt, MsgLinkNotFound)
		return failed("", &Error{Kind: KindLinkNotFound, Step: "extract"})
	}

	id, err := c.store.Put(m.URL)
	if err != nil {
		// Put only fails for an empty URL, which Extract never returns.
		c.reply(ctx, evt, MsgLinkNotFound)
		return failed("", &Error{Kind: KindLinkNotFound, Step: "store", URL: m.URL, Err: err})
	}

	kb, err := typeKeyboard(id)
	if err != nil {
		c.store.Remove(id)
		return failed(id, &Error{Kind: KindInvalidAction, Step: "prompt", SessionID: id, URL: m.URL, Err: err})
	}
	_, err = c.messenger.Send(ctx, telegraph.OutboundMessage{
		ChatID:   evt.ChatID,
		ReplyTo:  evt.MessageID,
		Text:     fmt.Sprintf("📦 Found: %s\nChoose what to download:", m.Platform),
		Keyboard: kb,
	})
	if err != nil {
		c.store.Remove(id)
		e := &Error{Kind: KindDeliveryFailed, Step: "prompt", SessionID: id, URL: m.URL, Err: err}
		c.logFailure(e)
		return failed(id, e)
	}

	slog.Info("workflow: link accepted", "session", id, "platform", m.Platform, "url", m.URL, "chat", evt.ChatID)
	return Outcome{State: TypeChosen, SessionID: id}
}

// HandleAction advances the flow for a decoded button press on the prompt
// identified by evt.
func (c *Controller) HandleAction(ctx context.Context, evt telegraph.InboundEvent, act Action) Outcome {
	switch act.Kind {
	case SelectType:
		return c.selectType(ctx, evt, act)
	case SelectQuality:
		return c.selectQuality(ctx, evt, act)
	}
	return c.Reject(ctx, evt, &Error{Kind: KindInvalidAction, Step: "dispatch", SessionID: act.SessionID,
		Err: fmt.Errorf("unknown action kind %d", act.Kind)})
}

// Reject answers a button press whose data could not be decoded. The user
// sees the same notice as for an expired session.
func (c *Controller) Reject(ctx context.Context, evt telegraph.InboundEvent, err error) Outcome {
	var we *Error
	if !errors.As(err, &we) {
		we = &Error{Kind: KindInvalidAction, Step: "parse", Err: err}
	}
	slog.Debug("workflow: rejected action", "data", evt.Action, "err", err)
	c.edit(ctx, evt.Ref(), MsgSessionExpired, nil)
	return failed(we.SessionID, we)
}

func (c *Controller) selectType(ctx context.Context, evt telegraph.InboundEvent, act Action) Outcome {
	sess, out, ok := c.lookup(ctx, evt, act, "select_type")
	if !ok {
		return out
	}
	ref := evt.Ref()

	c.edit(ctx, ref, MsgFetching, nil)
	desc, err := c.provider.Probe(ctx, sess.URL)
	if err == nil && desc == nil {
		err = errors.New("provider returned no metadata")
	}
	if err != nil {
		return c.fail(ctx, evt, act, sess, &Error{Kind: KindMetadataFetchFailed, Step: "probe", Err: err}, MsgFetchFailed, 0)
	}

	kb := qualityKeyboard(media.Select(desc.Encodings, act.MediaType), act.MediaType, sess.ID)
	c.edit(ctx, ref, fmt.Sprintf("🎥 %s\nChoose quality:", desc.Title), kb)

	slog.Info("workflow: type selected", "session", sess.ID, "type", act.MediaType, "choices", len(kb.Buttons()))
	return Outcome{State: TypeChosen, SessionID: sess.ID}
}

func (c *Controller) selectQuality(ctx context.Context, evt telegraph.InboundEvent, act Action) Outcome {
	sess, out, ok := c.lookup(ctx, evt, act, "select_quality")
	if !ok {
		return out
	}
	ref := evt.Ref()
	start := c.now()

	c.edit(ctx, ref, MsgDownloading, nil)
	path, err := c.provider.Fetch(ctx, sess.URL, act.FormatID, act.MediaType)
	if err == nil {
		err = checkOutput(path)
	}
	if err != nil {
		return c.fail(ctx, evt, act, sess, &Error{Kind: KindDownloadFailed, Step: "fetch", Err: err}, MsgDownloadFailed, c.now().Sub(start))
	}
	defer media.Cleanup(path)

	err = c.messenger.Upload(ctx, telegraph.Upload{
		ChatID: evt.ChatID,
		Kind:   uploadKind(act.MediaType),
		Path:   path,
	})
	if err != nil {
		return c.fail(ctx, evt, act, sess, &Error{Kind: KindDeliveryFailed, Step: "upload", Err: err}, MsgDeliveryFailed, c.now().Sub(start))
	}

	if err := c.messenger.Delete(ctx, ref); err != nil {
		slog.Warn("workflow: delete prompt failed", "session", sess.ID, "err", err)
	}
	c.store.Remove(sess.ID)

	elapsed := c.now().Sub(start)
	slog.Info("workflow: delivered", "session", sess.ID, "url", sess.URL, "type", act.MediaType,
		"format", act.FormatID, "elapsed", elapsed)
	c.record(ctx, c.report(evt, act, sess, Delivered, 0, elapsed))
	return Outcome{State: Delivered, SessionID: sess.ID}
}

// checkOutput fails with media.ErrNoOutput unless path is an existing
// regular file.
func checkOutput(path string) error {
	if path == "" {
		return media.ErrNoOutput
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", media.ErrNoOutput, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", media.ErrNoOutput, path)
	}
	return nil
}

// lookup resolves the action's session, answering with the expired notice
// when it is gone.
func (c *Controller) lookup(ctx context.Context, evt telegraph.InboundEvent, act Action, step string) (session.Session, Outcome, bool) {
	sess, err := c.store.Get(act.SessionID)
	if err == nil {
		return sess, Outcome{}, true
	}
	e := &Error{Kind: KindSessionExpired, Step: step, SessionID: act.SessionID, Err: err}
	slog.Info("workflow: session expired", "session", act.SessionID, "step", step, "chat", evt.ChatID)
	c.edit(ctx, evt.Ref(), MsgSessionExpired, nil)
	return session.Session{}, failed(act.SessionID, e), false
}

// fail finishes a request with a notice on the prompt. The session is
// discarded; the user starts over by sending the link again.
func (c *Controller) fail(ctx context.Context, evt telegraph.InboundEvent, act Action, sess session.Session, e *Error, notice string, elapsed time.Duration) Outcome {
	e.SessionID = sess.ID
	e.URL = sess.URL
	c.logFailure(e)
	c.edit(ctx, evt.Ref(), notice, nil)
	c.store.Remove(sess.ID)
	c.record(ctx, c.report(evt, act, sess, Failed, e.Kind, elapsed))
	return failed(sess.ID, e)
}

func (c *Controller) logFailure(e *Error) {
	slog.Warn("workflow: "+e.Kind.String(), "session", e.SessionID, "url", e.URL, "step", e.Step, "err", e.Err)
}

func (c *Controller) reply(ctx context.Context, evt telegraph.InboundEvent, text string) {
	_, err := c.messenger.Send(ctx, telegraph.OutboundMessage{ChatID: evt.ChatID, ReplyTo: evt.MessageID, Text: text})
	if err != nil {
		slog.Warn("workflow: send notice failed", "chat", evt.ChatID, "err", err)
	}
}

func (c *Controller) edit(ctx context.Context, ref telegraph.MessageRef, text string, kb telegraph.Keyboard) {
	if err := c.messenger.Edit(ctx, ref, telegraph.OutboundMessage{ChatID: ref.ChatID, Text: text, Keyboard: kb}); err != nil {
		slog.Warn("workflow: edit prompt failed", "chat", ref.ChatID, "message", ref.MessageID, "err", err)
	}
}

func (c *Controller) report(evt telegraph.InboundEvent, act Action, sess session.Session, st State, kind Kind, elapsed time.Duration) Report {
	return Report{
		Platform:  c.platform,
		ChatID:    evt.ChatID,
		UserID:    evt.UserID,
		SessionID: sess.ID,
		URL:       sess.URL,
		Source:    c.extractor.Platform(sess.URL),
		MediaType: act.MediaType,
		FormatID:  act.FormatID,
		State:     st,
		ErrKind:   kind,
		Duration:  elapsed,
	}
}

func (c *Controller) record(ctx context.Context, r Report) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Record(ctx, r); err != nil {
		slog.Warn("workflow: record delivery failed", "session", r.SessionID, "err", err)
	}
}

func failed(id string, e *Error) Outcome {
	return Outcome{State: Failed, SessionID: id, Err: e}
}

// typeKeyboard is the single-row media type prompt.
func typeKeyboard(sessionID string) (telegraph.Keyboard, error) {
	row := make([]telegraph.Button, 0, len(media.Types))
	for _, t := range media.Types {
		tok, err := TypeAction(t, sessionID).Token()
		if err != nil {
			return nil, err
		}
		row = append(row, telegraph.Button{Label: t.Label(), Data: tok})
	}
	return telegraph.Keyboard{row}, nil
}

// qualityKeyboard renders choices in rows of three. Choices whose token
// cannot be encoded are skipped; if none remain the Best choice is used.
func qualityKeyboard(choices []media.Choice, t media.Type, sessionID string) telegraph.Keyboard {
	var valid []media.Choice
	tokens := make(map[string]string)
	for _, ch := range choices {
		tok, err := QualityAction(t, ch.FormatID, sessionID).Token()
		if err != nil {
			slog.Debug("workflow: skipping quality choice", "format", ch.FormatID, "err", err)
			continue
		}
		valid = append(valid, ch)
		tokens[ch.FormatID] = tok
	}
	if len(valid) == 0 {
		tok, _ := QualityAction(t, media.BestFormatID, sessionID).Token()
		valid = []media.Choice{media.Best}
		tokens[media.BestFormatID] = tok
	}

	var kb telegraph.Keyboard
	for _, row := range media.Rows(valid, qualityRowSize) {
		buttons := make([]telegraph.Button, 0, len(row))
		for _, ch := range row {
			buttons = append(buttons, telegraph.Button{Label: ch.Label, Data: tokens[ch.FormatID]})
		}
		kb = append(kb, buttons)
	}
	return kb
}

func uploadKind(t media.Type) telegraph.UploadKind {
	switch t {
	case media.Audio:
		return telegraph.UploadAudio
	case media.Thumbnail:
		return telegraph.UploadPhoto
	}
	return telegraph.UploadVideo
}
