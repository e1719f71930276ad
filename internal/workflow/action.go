package workflow

import (
	"fmt"
	"strings"

	"github.com/zulandar/clipyard/internal/media"
	"github.com/zulandar/clipyard/internal/session"
)

// Token prefixes and separator of the button data wire format:
//
//	type|<media_type>|<session_id>
//	dl|<media_type>|<format_id>|<session_id>
const (
	typePrefix    = "type"
	qualityPrefix = "dl"
	tokenSep      = "|"

	// MaxTokenLen is the longest button payload every platform accepts
	// (Telegram caps callback data at 64 bytes).
	MaxTokenLen = 64
)

// ActionKind is the step a button press advances.
type ActionKind int

const (
	SelectType ActionKind = iota + 1
	SelectQuality
)

func (k ActionKind) String() string {
	switch k {
	case SelectType:
		return "select_type"
	case SelectQuality:
		return "select_quality"
	}
	return "unknown"
}

// Action is a decoded button press.
type Action struct {
	Kind      ActionKind
	SessionID string
	MediaType media.Type
	FormatID  string // SelectQuality only
}

// TypeAction builds the action behind a media type button.
func TypeAction(t media.Type, sessionID string) Action {
	return Action{Kind: SelectType, SessionID: sessionID, MediaType: t}
}

// QualityAction builds the action behind a quality button.
func QualityAction(t media.Type, formatID, sessionID string) Action {
	return Action{Kind: SelectQuality, SessionID: sessionID, MediaType: t, FormatID: formatID}
}

// Token encodes the action as button data. Format ids containing the
// separator and tokens over MaxTokenLen are rejected.
func (a Action) Token() (string, error) {
	if a.SessionID == "" || strings.Contains(a.SessionID, tokenSep) {
		return "", fmt.Errorf("workflow: invalid session id %q", a.SessionID)
	}
	var tok string
	switch a.Kind {
	case SelectType:
		tok = strings.Join([]string{typePrefix, string(a.MediaType), a.SessionID}, tokenSep)
	case SelectQuality:
		if a.FormatID == "" || strings.Contains(a.FormatID, tokenSep) {
			return "", fmt.Errorf("workflow: invalid format id %q", a.FormatID)
		}
		tok = strings.Join([]string{qualityPrefix, string(a.MediaType), a.FormatID, a.SessionID}, tokenSep)
	default:
		return "", fmt.Errorf("workflow: unknown action kind %d", a.Kind)
	}
	if len(tok) > MaxTokenLen {
		return "", fmt.Errorf("workflow: token too long (%d bytes)", len(tok))
	}
	return tok, nil
}

// ParseAction decodes button data. Any malformed input yields an *Error of
// kind InvalidAction.
func ParseAction(data string) (Action, error) {
	invalid := func(reason string) (Action, error) {
		return Action{}, &Error{Kind: KindInvalidAction, Step: "parse", Err: fmt.Errorf("%s: %q", reason, data)}
	}

	prefix, rest, ok := strings.Cut(data, tokenSep)
	if !ok {
		return invalid("missing separator")
	}

	var act Action
	switch prefix {
	case typePrefix:
		parts := strings.SplitN(rest, tokenSep, 2)
		if len(parts) != 2 {
			return invalid("want type|<media_type>|<session_id>")
		}
		act = Action{Kind: SelectType, SessionID: parts[1]}
		rest = parts[0]
	case qualityPrefix:
		parts := strings.SplitN(rest, tokenSep, 3)
		if len(parts) != 3 || parts[1] == "" {
			return invalid("want dl|<media_type>|<format_id>|<session_id>")
		}
		act = Action{Kind: SelectQuality, FormatID: parts[1], SessionID: parts[2]}
		rest = parts[0]
	default:
		return invalid("unknown prefix")
	}

	t, err := media.ParseType(rest)
	if err != nil {
		return invalid("unknown media type")
	}
	act.MediaType = t
	if act.SessionID == "" || strings.Contains(act.SessionID, tokenSep) || len(act.SessionID) > session.IDLength {
		return invalid("bad session id")
	}
	return act, nil
}
