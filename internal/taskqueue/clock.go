package taskqueue

import "time"

// Timer is a cancellable deferred call. Stop on a fired timer is a no-op.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so decision expiry can be tested without waiting.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
