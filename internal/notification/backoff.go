package notification

import (
	"math"
	"time"
)

// MaxBackoff caps the delay between two attempts.
const MaxBackoff = 15 * time.Minute

// Backoff returns the delay before the next attempt after attempt failures:
// 2^attempt seconds, capped at MaxBackoff.
func Backoff(attempt int) time.Duration {
	seconds := math.Pow(2, float64(attempt))
	if seconds >= MaxBackoff.Seconds() {
		return MaxBackoff
	}
	return time.Duration(seconds * float64(time.Second))
}
