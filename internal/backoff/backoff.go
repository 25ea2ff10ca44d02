// Package backoff implements the small bounded exponential backoff used by
// the stream manager's restart-on-failure supervisor (spec.md §4.3): min
// 1s, max 15s, 10% jitter. No retry library appears anywhere in the
// retrieved pack, so this ~40-line stdlib helper is the grounded choice
// (kgo itself schedules its own transaction retries with a bare
// time.Timer, see doWithConcurrentTransactions in txn.go) rather than
// reaching for a third-party backoff package.
package backoff

import (
	"math/rand"
	"time"
)

// Backoff produces successive retry delays that double from min and are
// capped at max, then shifted by up to the jitter fraction either way on
// each call, so a delay can fall slightly outside [min, max]. It is not
// safe for concurrent use; each restart supervisor owns its own instance.
type Backoff struct {
	min, max time.Duration
	jitter   float64
	attempt  int
	rng      *rand.Rand
}

// New returns a Backoff doubling from min up to max, jittered by the given
// fraction (0.1 == 10%).
func New(min, max time.Duration, jitter float64) *Backoff {
	return &Backoff{
		min:    min,
		max:    max,
		jitter: jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next retry attempt and
// advances internal state.
func (b *Backoff) Next() time.Duration {
	d := b.min << b.attempt
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempt++

	jitterRange := float64(d) * b.jitter
	delta := (b.rng.Float64()*2 - 1) * jitterRange
	d = time.Duration(float64(d) + delta)
	if d < 0 {
		d = b.min
	}
	return d
}

// Reset zeroes the attempt counter, called after a successful run of
// sufficient duration to consider the failure resolved.
func (b *Backoff) Reset() {
	b.attempt = 0
}
