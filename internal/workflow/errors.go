package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies workflow failures.
type Kind int

const (
	KindLinkNotFound Kind = iota + 1
	KindSessionExpired
	KindMetadataFetchFailed
	KindDownloadFailed
	KindDeliveryFailed
	KindInvalidAction
)

func (k Kind) String() string {
	switch k {
	case KindLinkNotFound:
		return "link_not_found"
	case KindSessionExpired:
		return "session_expired"
	case KindMetadataFetchFailed:
		return "metadata_fetch_failed"
	case KindDownloadFailed:
		return "download_failed"
	case KindDeliveryFailed:
		return "delivery_failed"
	case KindInvalidAction:
		return "invalid_action"
	}
	return "unknown"
}

// Sentinels for errors.Is. They match any *Error of the same Kind.
var (
	ErrLinkNotFound        = &Error{Kind: KindLinkNotFound}
	ErrSessionExpired      = &Error{Kind: KindSessionExpired}
	ErrMetadataFetchFailed = &Error{Kind: KindMetadataFetchFailed}
	ErrDownloadFailed      = &Error{Kind: KindDownloadFailed}
	ErrDeliveryFailed      = &Error{Kind: KindDeliveryFailed}
	ErrInvalidAction       = &Error{Kind: KindInvalidAction}
)

// Error is a failed workflow step with enough context to log it.
type Error struct {
	Kind      Kind
	Step      string
	SessionID string
	URL       string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("workflow: ")
	b.WriteString(e.Kind.String())
	if e.Step != "" {
		fmt.Fprintf(&b, " at %s", e.Step)
	}
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (session %s)", e.SessionID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return 0
}
