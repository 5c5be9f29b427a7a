package pairing

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// lockout tracks consecutive failures for one peer id and the exponential
// lockout schedule that follows them.
type lockout struct {
	max         int
	failures    int
	lockedUntil time.Time
	schedule    *backoff.ExponentialBackOff
}

func newLockout(max int, base, limit time.Duration) *lockout {
	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = base
	schedule.MaxInterval = limit
	schedule.Multiplier = 2
	schedule.RandomizationFactor = 0
	schedule.MaxElapsedTime = 0
	schedule.Reset()
	return &lockout{max: max, schedule: schedule}
}

func (l *lockout) locked(now time.Time) bool {
	return now.Before(l.lockedUntil)
}

// fail records one failure. It returns the lockout duration when this
// failure crosses the threshold, zero otherwise.
func (l *lockout) fail(now time.Time) time.Duration {
	l.failures++
	if l.failures < l.max {
		return 0
	}
	wait := l.schedule.NextBackOff()
	l.lockedUntil = now.Add(wait)
	return wait
}

func (l *lockout) succeed() {
	l.failures = 0
	l.lockedUntil = time.Time{}
	l.schedule.Reset()
}
