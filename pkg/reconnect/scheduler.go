package reconnect

import "time"

// Scheduler abstracts delayed execution. Production code uses the wall-clock
// implementation below; tests substitute a fake that fires timers manually.
type Scheduler interface {
	// Schedule runs fn after d on an unspecified goroutine.
	Schedule(d time.Duration, fn func()) TimerHandle
}

// TimerHandle cancels a scheduled callback. Cancel after the callback has
// started is a no-op.
type TimerHandle interface {
	Cancel()
}

// NewScheduler returns a Scheduler backed by the system timer.
func NewScheduler() Scheduler {
	return systemScheduler{}
}

type systemScheduler struct{}

func (systemScheduler) Schedule(d time.Duration, fn func()) TimerHandle {
	return systemTimer{timer: time.AfterFunc(d, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t systemTimer) Cancel() {
	t.timer.Stop()
}
