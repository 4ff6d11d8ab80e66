package outbox

import (
	"math/rand/v2"
	"time"
)

// Backoff computes publish retry delays: exponential growth from Base,
// capped at Max, with full jitter. The attempt count lives on the record, so
// the delay is a pure function of it rather than a stateful ticker.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	// rand returns a value in [0,1). Nil uses math/rand/v2.
	rand func() float64
}

// Delay returns the wait before the retry following attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	ceiling := b.ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	r := b.rand
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(ceiling))
}

// ceiling is Base·2^(attempt-1) bounded by Max.
func (b Backoff) ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max/2 {
			return b.Max
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
