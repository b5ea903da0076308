// Package backoff computes the wait between completion attempts and performs
// context-aware sleeps.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy names
const (
	Fixed       = "fixed"
	Linear      = "linear"
	Exponential = "exponential"
)

// Policy is a resolved backoff configuration.
type Policy struct {
	Name string
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
// Unknown policy names behave like linear.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.Base <= 0 {
		return 0
	}
	limit := p.Max
	if limit <= 0 {
		limit = p.Base
	}

	var d time.Duration
	switch p.Name {
	case Fixed:
		d = p.Base
	case Exponential:
		f := float64(p.Base) * math.Pow(2, float64(attempt-1))
		if f > float64(limit) {
			return limit
		}
		d = time.Duration(f)
	default:
		d = p.Base * time.Duration(attempt)
	}

	if d > limit {
		return limit
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
