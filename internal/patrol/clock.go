package patrol

import "time"

// Timer is a stoppable single-shot timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// Clock is the executor's single time source. Tests swap in a manual clock so
// dwells and timeouts run without wall-clock sleeps.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

// RealClock returns the wall-clock implementation.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer {
	return realTimer{t: time.NewTimer(d)}
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }
