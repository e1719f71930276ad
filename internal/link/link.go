// Package link finds supported media URLs in free-form chat text.
package link

import (
	"regexp"
	"strings"
)

// Unknown is returned by Platform when no pattern accepts the URL.
const Unknown = "Unknown"

// pattern pairs a platform key with the regexp recognising its URLs.
type pattern struct {
	key string
	re  *regexp.Regexp
}

// Match is a URL found in text together with its platform name.
type Match struct {
	URL      string
	Platform string
}

// Extractor matches text against an ordered list of platform patterns.
// The first registered pattern that matches wins.
type Extractor struct {
	patterns []pattern
}

// defaultPatterns lists the supported platforms in priority order.
var defaultPatterns = []pattern{
	{"tiktok", regexp.MustCompile(`https?://(?:www\.)?(?:tiktok\.com|vm\.tiktok\.com)/\S+`)},
	{"youtube", regexp.MustCompile(`https?://(?:www\.)?(?:youtube\.com|youtu\.be)/\S+`)},
	{"instagram", regexp.MustCompile(`https?://(?:www\.)?instagram\.com/\S+`)},
	{"vk", regexp.MustCompile(`https?://(?:www\.)?vk\.com/video\S+`)},
	{"pinterest", regexp.MustCompile(`https?://(?:www\.)?pinterest\.\S+`)},
}

// New returns an Extractor for the built-in platforms.
func New() *Extractor {
	return &Extractor{patterns: defaultPatterns}
}

// Register appends a platform pattern after the existing ones. It returns
// an error if expr does not compile.
func (e *Extractor) Register(key, expr string) error {
	re, err := regexp.Compile(expr)
	if err != nil {
		return err
	}
	// Copy so extractors built by New never share a grown slice.
	patterns := make([]pattern, len(e.patterns), len(e.patterns)+1)
	copy(patterns, e.patterns)
	e.patterns = append(patterns, pattern{key: strings.ToLower(key), re: re})
	return nil
}

// Extract returns the first supported URL in text.
func (e *Extractor) Extract(text string) (Match, bool) {
	for _, p := range e.patterns {
		if u := p.re.FindString(text); u != "" {
			return Match{URL: u, Platform: displayName(p.key)}, true
		}
	}
	return Match{}, false
}

// Platforms returns the display names of all registered platforms in
// priority order.
func (e *Extractor) Platforms() []string {
	names := make([]string, len(e.patterns))
	for i, p := range e.patterns {
		names[i] = displayName(p.key)
	}
	return names
}

// Platform classifies url by the first pattern that accepts it, falling
// back to a substring check on the platform key, and finally Unknown.
func (e *Extractor) Platform(url string) string {
	for _, p := range e.patterns {
		if p.re.MatchString(url) {
			return displayName(p.key)
		}
	}
	lower := strings.ToLower(url)
	for _, p := range e.patterns {
		if strings.Contains(lower, p.key) {
			return displayName(p.key)
		}
	}
	return Unknown
}

// displayName capitalises the first letter of a platform key.
func displayName(key string) string {
	if key == "" {
		return Unknown
	}
	return strings.ToUpper(key[:1]) + key[1:]
}
