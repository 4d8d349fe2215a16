package scheduler

import (
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/benbjohnson/clock"
)

// Clock schedules tasks on a clock.Clock, real in production and mocked in tests.
type Clock struct {
	clock clock.Clock
}

func New(c clock.Clock) *Clock {
	if c == nil {
		c = clock.New()
	}
	return &Clock{clock: c}
}

func (c *Clock) Now() time.Time {
	return c.clock.Now()
}

func (c *Clock) Schedule(d time.Duration, fn func()) domain.Task {
	return timerTask{timer: c.clock.AfterFunc(d, fn)}
}

type timerTask struct {
	timer *clock.Timer
}

func (t timerTask) Cancel() bool {
	return t.timer.Stop()
}
