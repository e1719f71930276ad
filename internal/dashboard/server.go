// Package dashboard serves the read-only status API: liveness, pending
// session counts and recent delivery history.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/clipyard/internal/models"
)

// SessionStats reports on the live session table.
type SessionStats interface {
	Len() int
	TTL() time.Duration
}

// DeliveryLog reads delivery history.
type DeliveryLog interface {
	Recent(ctx context.Context, limit int) ([]models.Delivery, error)
	Counts(ctx context.Context) (map[string]int64, error)
}

// StartOpts holds configuration for the status server.
type StartOpts struct {
	Sessions SessionStats // required
	History  DeliveryLog  // nil when history is disabled
	Port     int
	Out      io.Writer
}

// Start launches the status HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Sessions == nil {
		return fmt.Errorf("dashboard: session stats are required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("dashboard: listening", "addr", addr)
	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Status API running at http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// newRouter builds the gin engine with all routes registered.
func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}

// parseLimit reads the limit query parameter. Empty means the history
// default.
func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return n, nil
}
