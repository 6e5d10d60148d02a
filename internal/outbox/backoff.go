package outbox

import "time"

// Backoff returns the retry delay after the n-th failed attempt:
// min(ceiling, base*2^(n-1)). n below 1 is treated as 1.
func Backoff(n int, base, ceiling time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < n; i++ {
		if ceiling > 0 && d >= ceiling {
			break
		}
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}
