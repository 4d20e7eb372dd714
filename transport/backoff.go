package transport

import "time"

// Backoff tracks exponential retry delay as plain data. It does no sleeping
// and holds no clock, so callers own the wait and tests own time.
//
// Not safe for concurrent use; each retry loop keeps its own.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	current time.Duration
}

// NewBackoff returns a Backoff starting at initial and growing by multiplier
// up to max. Non-positive arguments fall back to sane defaults.
func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if multiplier <= 1 {
		multiplier = 2
	}
	return &Backoff{Initial: initial, Max: max, Multiplier: multiplier}
}

// Next returns the delay to wait before the next attempt and advances the
// state. The first call returns Initial; later calls grow by Multiplier and
// clamp at Max.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	next := time.Duration(float64(b.current) * b.Multiplier)
	if next > b.Max {
		next = b.Max
	}
	b.current = next
	return b.current
}

// Reset returns the backoff to its initial state. Called after a successful
// attempt so the next failure starts the ladder over.
func (b *Backoff) Reset() {
	b.current = 0
}
