package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically removes expired sessions from a Store.
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	Store    *Store
	TTL      time.Duration
	Interval time.Duration
	Now      func() time.Time // defaults to time.Now
}

// NewSweeper creates a Sweeper. Interval must not exceed TTL.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("session: sweeper: store is required")
	}
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("session: sweeper: ttl must be positive")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("session: sweeper: interval must be positive")
	}
	if opts.Interval > opts.TTL {
		return nil, fmt.Errorf("session: sweeper: interval %v exceeds ttl %v", opts.Interval, opts.TTL)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:    opts.Store,
		ttl:      opts.TTL,
		interval: opts.Interval,
		now:      now,
	}, nil
}

// Schedule returns the cron schedule the sweeper runs on.
func (s *Sweeper) Schedule() string {
	return "@every " + s.interval.String()
}

// SweepOnce runs a single sweep and returns the number of removed
// sessions. A panic inside the sweep is logged and reported as zero.
func (s *Sweeper) SweepOnce() (removed int) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session: sweep panicked", "panic", r)
			removed = 0
		}
	}()
	removed = s.store.Sweep(s.now(), s.ttl)
	if removed > 0 {
		slog.Debug("session: swept expired sessions", "removed", removed, "live", s.store.Len())
	}
	return removed
}

// Run schedules SweepOnce on the configured interval and blocks until ctx
// is cancelled. It waits for an in-flight sweep before returning.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.Schedule(), func() { s.SweepOnce() }); err != nil {
		return fmt.Errorf("session: schedule sweeper: %w", err)
	}
	c.Start()
	slog.Info("session: sweeper started", "ttl", s.ttl, "interval", s.interval)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("session: sweeper stopped")
	return nil
}
