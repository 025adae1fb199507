package dispatcher

import (
	"math"
	"math/rand/v2"
	"time"
)

// MaxJitter is the largest jitter ratio for which Delay stays monotone:
// the lowest draw for attempt n, 2(1-j), never drops under the highest draw
// for attempt n-1, (1+j).
const MaxJitter = 1.0 / 3.0

// Backoff computes min(Max, Base * 2^(n-1) * (1 + Jitter*(2u-1))) for the
// n-th retry, u uniform in [0, 1).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	random func() float64
}

func NewBackoff(base, maxDelay time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	jitter = min(max(jitter, 0), MaxJitter)
	return &Backoff{Base: base, Max: maxDelay, Jitter: jitter, random: rand.Float64}
}

// Delay returns the wait before retry attempt n (n >= 1).
func (b *Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	// 2^62 ns overflows any sane Max; stop growing well before that.
	exp := math.Pow(2, float64(min(n-1, 62)))
	d := float64(b.Base) * exp

	if b.Jitter > 0 {
		u := b.random()
		d *= 1 + b.Jitter*(2*u-1)
	}
	if d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
