package worker

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a transiently failed job may be claimed
// again: min(Base*2^attempt, Cap) plus up to Jitter*delay of random spread.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
}

// Delay returns the backoff after the given attempt number (1-based).
// rnd returns a value in [0, 1); nil uses math/rand.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if rnd == nil {
		rnd = rand.Float64
	}

	delay := b.Base
	for i := 0; i < attempt; i++ {
		if (b.Cap > 0 && delay >= b.Cap) || delay > math.MaxInt64/2 {
			break
		}
		delay *= 2
	}
	if b.Cap > 0 && delay > b.Cap {
		delay = b.Cap
	}

	if b.Jitter > 0 {
		delay += time.Duration(float64(delay) * b.Jitter * rnd())
	}
	return delay
}
