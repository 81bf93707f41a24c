package transport

import "time"

// backoff returns the wait before reconnect attempt n (0-based): initial
// doubled per attempt, capped at max.
func backoff(n int, initial, max time.Duration) time.Duration {
	if n >= 32 {
		return max
	}
	d := initial << n
	if d <= 0 || d > max {
		return max
	}
	return d
}
