package pipeline

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ScheduleBackOff is a backoff.BackOff that walks a fixed delay schedule
// and repeats the last delay once the schedule is exhausted.
type ScheduleBackOff struct {
	delays []time.Duration
	next   int
}

var _ backoff.BackOff = (*ScheduleBackOff)(nil)

// NewScheduleBackOff returns a backoff over delays. An empty schedule
// retries immediately.
func NewScheduleBackOff(delays []time.Duration) *ScheduleBackOff {
	return &ScheduleBackOff{delays: append([]time.Duration(nil), delays...)}
}

// NextBackOff returns the delay before the next attempt.
func (b *ScheduleBackOff) NextBackOff() time.Duration {
	if len(b.delays) == 0 {
		return 0
	}
	i := b.next
	if i >= len(b.delays) {
		i = len(b.delays) - 1
	}
	b.next++
	return b.delays[i]
}

// Reset rewinds to the start of the schedule.
func (b *ScheduleBackOff) Reset() { b.next = 0 }

// delayAfter returns the schedule entry following n immediate attempts. It
// spaces the first replay after retries are exhausted.
func delayAfter(delays []time.Duration, n int) time.Duration {
	if len(delays) == 0 {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if n > len(delays) {
		n = len(delays)
	}
	return delays[n-1]
}
