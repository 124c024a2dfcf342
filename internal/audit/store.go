// Package audit keeps a trail of scan verdicts. The trail records verdict
// metadata only, never the scanned content itself.
package audit

import (
	"context"
	"time"

	"github.com/ollamashield/ollamashield/internal/domain"
)

// Record is one scan decision.
type Record struct {
	ID        string
	RequestID string
	Endpoint  string
	Model     string
	Direction domain.Direction
	// Action is the verdict action, or "scanner_error" when the scan itself
	// failed and policy decided the outcome.
	Action   string
	Category string
	Reason   string
	// Tokens is the estimated token count of the scanned content.
	Tokens     int
	DurationMS int64
	CreatedAt  time.Time
}

// Store persists scan records.
type Store interface {
	// Record appends one scan decision to the trail.
	Record(ctx context.Context, rec *Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)
	// Close releases the store's resources.
	Close() error
}
