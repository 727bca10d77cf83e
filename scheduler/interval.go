package scheduler

import "time"

// CadenceFunc maps the total queue depth to a dispatch interval. It must be
// monotone non-increasing in depth.
type CadenceFunc func(depth int64) time.Duration

// StepCadence is the default cadence: long intervals while the queues are
// shallow, short intervals once work piles up. Boundaries are inclusive on
// the lower tier.
func StepCadence(depth int64) time.Duration {
	switch {
	case depth <= 100:
		return 30 * time.Second
	case depth <= 1000:
		return 10 * time.Second
	default:
		return 5 * time.Second
	}
}
