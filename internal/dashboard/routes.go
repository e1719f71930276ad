package dashboard

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/clipyard/internal/models"
)

// deliveryRow is the JSON view of a delivery.
type deliveryRow struct {
	ID         uint      `json:"id"`
	Platform   string    `json:"platform"`
	ChatID     string    `json:"chat_id"`
	URL        string    `json:"url"`
	Source     string    `json:"source"`
	MediaType  string    `json:"media_type"`
	FormatID   string    `json:"format_id"`
	Outcome    string    `json:"outcome"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func toRow(d models.Delivery) deliveryRow {
	return deliveryRow{
		ID:         d.ID,
		Platform:   d.Platform,
		ChatID:     d.ChatID,
		URL:        d.URL,
		Source:     d.Source,
		MediaType:  d.MediaType,
		FormatID:   d.FormatID,
		Outcome:    d.Outcome,
		ErrorKind:  d.ErrorKind,
		DurationMs: d.DurationMs,
		CreatedAt:  d.CreatedAt,
	}
}

// registerRoutes sets up all status routes on the Gin router.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	started := time.Now()
	router.GET("/healthz", handleHealth(started))

	api := router.Group("/api")
	api.GET("/sessions", handleSessions(opts.Sessions))
	api.GET("/deliveries", handleDeliveries(opts.History))
}

func handleHealth(started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"uptime_sec": int64(time.Since(started).Seconds()),
		})
	}
}

func handleSessions(stats SessionStats) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"live":    stats.Len(),
			"ttl_sec": int64(stats.TTL().Seconds()),
		})
	}
}

func handleDeliveries(log DeliveryLog) gin.HandlerFunc {
	return func(c *gin.Context) {
		if log == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "delivery history is disabled"})
			return
		}
		limit, err := parseLimit(c.Query("limit"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		rows, err := log.Recent(ctx, limit)
		if err != nil {
			slog.Error("dashboard: list deliveries", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		counts, err := log.Counts(ctx)
		if err != nil {
			slog.Error("dashboard: count deliveries", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}

		out := make([]deliveryRow, 0, len(rows))
		for _, d := range rows {
			out = append(out, toRow(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"deliveries": out,
			"counts":     counts,
		})
	}
}
