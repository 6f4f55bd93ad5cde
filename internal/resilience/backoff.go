package resilience

import (
	"math"
	"math/rand"
	"time"
)

// ExponentialBackoff computes base * 2^(attempt-1), capped at max, with up
// to jitterFraction of that value added as positive jitter. attempt is
// 1-indexed (first retry = attempt 1).
func ExponentialBackoff(attempt int, base, max time.Duration, jitterFraction float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	if jitterFraction > 0 {
		d += d * jitterFraction * rand.Float64()
	}
	return time.Duration(d)
}
