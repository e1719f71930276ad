// Package media describes downloadable media variants, picks the choices
// offered to users, and retrieves files through a Provider.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Type is the kind of media a user asked for.
type Type string

const (
	Video     Type = "video"
	Audio     Type = "audio"
	Thumbnail Type = "thumbnail"
)

// Types lists the media types in prompt order.
var Types = []Type{Video, Audio, Thumbnail}

// ParseType converts a raw string into a known Type.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Video, Audio, Thumbnail:
		return t, nil
	}
	return "", fmt.Errorf("media: unknown type %q", s)
}

// Label is the button caption for the type.
func (t Type) Label() string {
	switch t {
	case Video:
		return "🎞 Video"
	case Audio:
		return "🎧 Audio"
	case Thumbnail:
		return "🖼 Thumbnail"
	}
	return string(t)
}

// Encoding is one downloadable variant reported by a provider.
type Encoding struct {
	FormatID  string
	Container string // file extension, e.g. "mp4"
	HasVideo  bool
	Height    *int // nil when the provider does not report it
}

// Descriptor is the metadata a provider returns for a URL.
type Descriptor struct {
	Title     string
	Encodings []Encoding
}

var (
	// ErrNoOutput is returned by Fetch when the backend reported success
	// but no file was produced.
	ErrNoOutput = errors.New("media: no output file")
	// ErrBadFormatID is returned for format ids the provider cannot pass on.
	ErrBadFormatID = errors.New("media: invalid format id")
)

// Provider resolves URLs into encodings and downloads them.
type Provider interface {
	// Probe extracts metadata without downloading.
	Probe(ctx context.Context, url string) (*Descriptor, error)
	// Fetch downloads url and returns the local file path. formatID may be
	// BestFormatID; it is ignored for Audio and Thumbnail.
	Fetch(ctx context.Context, url, formatID string, t Type) (string, error)
}
