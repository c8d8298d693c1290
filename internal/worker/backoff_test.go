package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 30 * time.Second}
	zero := func() float64 { return 0 }

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt, zero), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second, Jitter: 0.2}

	for _, r := range []float64{0, 0.25, 0.5, 0.999} {
		rnd := func() float64 { return r }
		for attempt := 1; attempt <= 8; attempt++ {
			base := Backoff{Base: b.Base, Cap: b.Cap}.Delay(attempt, rnd)
			got := b.Delay(attempt, rnd)
			assert.GreaterOrEqual(t, got, base)
			assert.LessOrEqual(t, got, base+time.Duration(float64(base)*0.2))
		}
	}
}

func TestBackoff_Uncapped(t *testing.T) {
	b := Backoff{Base: time.Hour}
	assert.Positive(t, b.Delay(200, nil), "no overflow without a cap")
	assert.Zero(t, Backoff{}.Delay(3, nil))
}
