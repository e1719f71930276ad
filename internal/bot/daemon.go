// Package bot runs the chat bot: it connects a telegraph adapter, pumps
// inbound events to the workflow and runs the session sweeper and status
// API alongside.
package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/zulandar/clipyard/internal/session"
	"github.com/zulandar/clipyard/internal/telegraph"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrent bounds how many events are handled at once.
const DefaultMaxConcurrent = 32

// Daemon is the main bot process.
type Daemon struct {
	adapter       telegraph.Adapter
	handler       Handler
	sweeper       *session.Sweeper
	status        func(ctx context.Context) error
	platforms     []string
	maxConcurrent int
	out           io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	Adapter       telegraph.Adapter               // required
	Handler       Handler                         // required
	Sweeper       *session.Sweeper                // required
	Status        func(ctx context.Context) error // optional; runs until ctx is done
	Platforms     []string                        // for the welcome text
	MaxConcurrent int                             // defaults to DefaultMaxConcurrent
	Out           io.Writer                       // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("bot: adapter is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("bot: handler is required")
	}
	if opts.Sweeper == nil {
		return nil, fmt.Errorf("bot: sweeper is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	n := opts.MaxConcurrent
	if n <= 0 {
		n = DefaultMaxConcurrent
	}
	return &Daemon{
		adapter:       opts.Adapter,
		handler:       opts.Handler,
		sweeper:       opts.Sweeper,
		status:        opts.Status,
		platforms:     opts.Platforms,
		maxConcurrent: n,
		out:           out,
	}, nil
}

// Run connects the adapter and blocks until ctx is cancelled or the
// adapter's inbound channel closes. In-flight events are allowed to finish
// before the adapter is closed.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Clipyard connecting...\n")
	if err := d.adapter.Connect(ctx); err != nil {
		return fmt.Errorf("bot: connect: %w", err)
	}
	defer func() {
		if err := d.adapter.Close(); err != nil {
			slog.Warn("bot: close adapter", "err", err)
		}
		fmt.Fprintf(d.out, "Clipyard stopped\n")
	}()

	var botUserID string
	if bui, ok := d.adapter.(telegraph.BotUserIDer); ok {
		botUserID = bui.BotUserID()
	}
	router, err := NewRouter(RouterOpts{
		Handler:   d.handler,
		Sender:    d.adapter,
		Platforms: d.platforms,
		BotUserID: botUserID,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound, err := d.adapter.Listen(ctx)
	if err != nil {
		return fmt.Errorf("bot: listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.sweeper.Run(gctx) })
	if d.status != nil {
		g.Go(func() error { return d.status(gctx) })
	}
	g.Go(func() error {
		defer cancel()
		d.pump(gctx, inbound, router)
		return nil
	})

	fmt.Fprintf(d.out, "Clipyard online\n")
	slog.Info("bot: online", "bot_user", botUserID, "max_concurrent", d.maxConcurrent)
	return g.Wait()
}

// pump hands each inbound event to its own goroutine, at most
// maxConcurrent at a time, and waits for all of them before returning.
// Waiting for a free slot is abandoned as soon as ctx is cancelled.
func (d *Daemon) pump(ctx context.Context, inbound <-chan telegraph.InboundEvent, router *Router) {
	var handlers errgroup.Group
	defer handlers.Wait()
	slots := make(chan struct{}, d.maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Clipyard shutting down...\n")
			return
		case evt, ok := <-inbound:
			if !ok {
				slog.Info("bot: inbound channel closed")
				return
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				slog.Info("bot: dropped event during shutdown", "chat", evt.ChatID)
				fmt.Fprintf(d.out, "Clipyard shutting down...\n")
				return
			}
			handlers.Go(func() error {
				defer func() { <-slots }()
				defer func() {
					if r := recover(); r != nil {
						slog.Error("bot: handler panicked", "panic", r, "chat", evt.ChatID, "stack", string(debug.Stack()))
					}
				}()
				router.Handle(ctx, evt)
				return nil
			})
		}
	}
}
