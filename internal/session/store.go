// Package session holds pending download sessions: short-lived records that
// map an opaque id (carried in chat buttons) to the URL a user submitted.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IDLength is the number of hex characters in a session id. The first 16
// hex digits of a v4 UUID carry 60 random bits.
const IDLength = 16

var (
	// ErrNotFound is returned when an id is unknown, consumed or expired.
	ErrNotFound = errors.New("session: not found")
	// ErrEmptyURL is returned by Put for an empty url.
	ErrEmptyURL = errors.New("session: url is required")
)

// Session is a captured URL waiting for the user's type/quality choice.
type Session struct {
	ID        string
	URL       string
	CreatedAt time.Time
}

// Age returns how old the session is at now.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// Store is a concurrency-safe in-memory session table. All operations take
// a single mutex, so Put, Get, Remove and Sweep are linearizable.
type Store struct {
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	entries map[string]Session
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	// TTL makes Get treat entries older than TTL as missing before the
	// sweeper removes them. Zero disables the check.
	TTL time.Duration
	// Now and NewID are test hooks; they default to time.Now and a
	// uuid-derived id.
	Now   func() time.Time
	NewID func() string
}

// NewStore creates an empty Store.
func NewStore(opts StoreOpts) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	newID := opts.NewID
	if newID == nil {
		newID = randomID
	}
	return &Store{
		ttl:     opts.TTL,
		now:     now,
		newID:   newID,
		entries: make(map[string]Session),
	}
}

// randomID returns IDLength hex characters from a fresh v4 UUID.
func randomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// Put records url under a new id that is unique among live sessions.
func (s *Store) Put(url string) (string, error) {
	if url == "" {
		return "", ErrEmptyURL
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for {
		if _, taken := s.entries[id]; !taken {
			break
		}
		id = s.newID()
	}
	s.entries[id] = Session{ID: id, URL: url, CreatedAt: s.now()}
	return id, nil
}

// Get returns the session for id. It never extends the session's lifetime.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.entries[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	if s.ttl > 0 && sess.Age(s.now()) > s.ttl {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

// Remove deletes id and reports whether it was present.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Sweep deletes every entry older than ttl at now and returns how many
// were removed.
func (s *Store) Sweep(now time.Time, ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.entries {
		if sess.Age(now) > ttl {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored sessions, including expired entries
// the sweeper has not reached yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// TTL returns the lazy-expiry TTL the store was built with.
func (s *Store) TTL() time.Duration {
	return s.ttl
}
