package bus

import "time"

// breaker is the per-subscriber circuit breaker: failureThreshold
// consecutive failures open it for resetTimeout; while open, messages are
// skipped for that subscriber and counted as failed. After the timeout the
// next message is tried (half-open); one success closes it and resets the
// counter.
type breaker struct {
	failureThreshold int
	resetTimeout     time.Duration

	consecutiveFailures int
	openedAt            time.Time
	open                bool
	halfOpen            bool
}

func newBreaker(threshold int, reset time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &breaker{failureThreshold: threshold, resetTimeout: reset}
}

// allow reports whether a delivery attempt may proceed.
func (b *breaker) allow(now time.Time) bool {
	if !b.open {
		return true
	}
	if now.Sub(b.openedAt) >= b.resetTimeout {
		b.halfOpen = true
		return true
	}
	return false
}

func (b *breaker) success() {
	b.consecutiveFailures = 0
	b.open = false
	b.halfOpen = false
}

func (b *breaker) failure(now time.Time) {
	b.consecutiveFailures++
	if b.halfOpen || b.consecutiveFailures >= b.failureThreshold {
		b.open = true
		b.halfOpen = false
		b.openedAt = now
	}
}
