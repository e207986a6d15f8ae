package conference

import (
	"time"

	"github.com/riverine/focus/pkg/common"
)

// RestartLimiter rate-limits ICE restart requests per participant with a
// sliding window: at most `max` accepted requests in the last `window`.
// Rejected requests do not count against the window.
type RestartLimiter struct {
	clock    common.Clock
	window   time.Duration
	max      int
	accepted []time.Time
}

func NewRestartLimiter(max int, window time.Duration, clock common.Clock) *RestartLimiter {
	if clock == nil {
		clock = common.SystemClock{}
	}
	return &RestartLimiter{clock: clock, window: window, max: max}
}

// Allow records and permits the request if fewer than `max` requests were
// accepted within the window. A request exactly `window` old has left the
// window.
func (l *RestartLimiter) Allow() bool {
	now := l.clock.Now()

	live := l.accepted[:0]
	for _, t := range l.accepted {
		if now.Sub(t) < l.window {
			live = append(live, t)
		}
	}
	l.accepted = live

	if len(l.accepted) >= l.max {
		return false
	}
	l.accepted = append(l.accepted, now)
	return true
}
