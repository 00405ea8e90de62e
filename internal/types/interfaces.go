package types

import (
	"context"
	"time"
)

// LabelStore persists user labels. Implementations never delete records;
// Upsert replaces a record whose Start equals rec.Start.
type LabelStore interface {
	List(ctx context.Context) ([]LabelRecord, error)
	Upsert(ctx context.Context, rec LabelRecord) error
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Logger defines the structured logging interface used by publishers.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
}
