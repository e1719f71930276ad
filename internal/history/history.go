// Package history persists the outcome of every finished download request.
package history

import (
	"context"
	"fmt"

	"github.com/zulandar/clipyard/internal/models"
	"github.com/zulandar/clipyard/internal/workflow"
	"gorm.io/gorm"
)

// DefaultLimit is the page size used when Recent is called with limit <= 0.
const DefaultLimit = 20

// MaxLimit caps Recent.
const MaxLimit = 500

// Store records workflow reports as Delivery rows.
type Store struct {
	db *gorm.DB
}

// New creates a Store on an already migrated database.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("history: db is required")
	}
	return &Store{db: db}, nil
}

var _ workflow.Recorder = (*Store)(nil)

// Record inserts one delivery row for r.
func (s *Store) Record(ctx context.Context, r workflow.Report) error {
	row := toDelivery(r)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("history: record %s: %w", r.SessionID, err)
	}
	return nil
}

// Recent returns up to limit deliveries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	var rows []models.Delivery
	err := s.db.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return rows, nil
}

// Counts returns the number of deliveries per outcome.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Outcome string
		Count   int64
	}
	err := s.db.WithContext(ctx).
		Model(&models.Delivery{}).
		Select("outcome, COUNT(*) AS count").
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: counts: %w", err)
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Outcome] = r.Count
	}
	return counts, nil
}

func toDelivery(r workflow.Report) models.Delivery {
	d := models.Delivery{
		Platform:   r.Platform,
		ChatID:     r.ChatID,
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		URL:        r.URL,
		Source:     r.Source,
		MediaType:  string(r.MediaType),
		FormatID:   r.FormatID,
		Outcome:    models.OutcomeFailed,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.State == workflow.Delivered {
		d.Outcome = models.OutcomeDelivered
	}
	if r.ErrKind != 0 {
		d.ErrorKind = r.ErrKind.String()
	}
	return d
}
