package health

import (
	"math"
	"time"
)

// Backoff computes reconnection delays: initial * multiplier^attempt, capped
// at max.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		return b.Initial
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 1) {
		return b.Max
	}
	return time.Duration(d)
}
