package models

import "time"

// Delivery outcomes.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

// Delivery is the terminal outcome of one download request.
type Delivery struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	Platform   string `gorm:"size:16;index"`
	ChatID     string `gorm:"size:64;index"`
	UserID     string `gorm:"size:64"`
	SessionID  string `gorm:"size:16"`
	URL        string `gorm:"size:2048;not null"`
	Source     string `gorm:"size:32"`
	MediaType  string `gorm:"size:16"`
	FormatID   string `gorm:"size:64"`
	Outcome    string `gorm:"size:16;not null;index"`
	ErrorKind  string `gorm:"size:32"`
	DurationMs int64
	CreatedAt  time.Time `gorm:"index"`
}

// Duration returns how long the download and upload took.
func (d Delivery) Duration() time.Duration {
	return time.Duration(d.DurationMs) * time.Millisecond
}
