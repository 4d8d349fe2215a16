package port

import (
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type Scheduler interface {
	Now() time.Time
	// Schedule runs fn once after d unless the returned task is cancelled first.
	Schedule(d time.Duration, fn func()) domain.Task
}
