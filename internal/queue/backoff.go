package queue

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// backoffDelay returns the wait before the next attempt after attempt failures.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	backoff := retry.WithCappedDuration(ceiling, retry.NewExponential(base))
	var delay time.Duration
	for step := 0; step < attempt; step++ {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}
