package stream

import "time"

const (
	DefaultBackoffBase = 5 * time.Second
	DefaultBackoffMax  = 60 * time.Second
)

// BackoffDelay is the wait after the k-th consecutive failure:
// min(base * 2^(k-1), max).
func BackoffDelay(k int, base, max time.Duration) time.Duration {
	if k < 1 {
		k = 1
	}
	delay := base
	for i := 1; i < k && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Backoff counts consecutive failures. Not safe for concurrent use.
type Backoff struct {
	Base     time.Duration
	Max      time.Duration
	failures int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max}
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.failures++
	return BackoffDelay(b.failures, b.Base, b.Max)
}

func (b *Backoff) Reset() {
	b.failures = 0
}

func (b *Backoff) Failures() int {
	return b.failures
}
