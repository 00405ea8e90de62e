// Package publish delivers refresh outcomes to optional external targets:
// an MQTT state topic, CloudWatch metrics and an S3 segment archive.
//
// Publishing is best effort. Delivery errors are logged and never fail the
// refresh that produced the outcome.
package publish

import (
	"context"
	"time"

	"loadiq/internal/engine"
)

// Outcome is one refresh cycle as seen by publishers. Exactly one of Result
// and Err is set.
type Outcome struct {
	SessionID string
	Result    *engine.Result
	Err       error
	Latency   time.Duration
	At        time.Time
}

// Failed reports whether the refresh failed.
func (o Outcome) Failed() bool { return o.Err != nil }

// Publisher receives refresh outcomes.
type Publisher interface {
	Publish(ctx context.Context, o Outcome)
}

// Fanout publishes to each target in order.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, o Outcome) {
	for _, p := range f {
		p.Publish(ctx, o)
	}
}

// Close releases targets that hold connections.
func (f Fanout) Close() {
	for _, p := range f {
		if c, ok := p.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
