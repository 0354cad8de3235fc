package conversion

import (
	"time"

	"github.com/shohag/convrelay/internal/config"
)

// Backoff returns the delay before the next attempt once attempts
// deliveries have been made. Attempts past the end of the schedule reuse
// its last entry.
func Backoff(attempts int, schedule []time.Duration) time.Duration {
	if len(schedule) == 0 {
		schedule = config.DefaultRetrySchedule
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

func NextRetryAt(attempts int, schedule []time.Duration, now time.Time) time.Time {
	return now.Add(Backoff(attempts, schedule)).UTC()
}
