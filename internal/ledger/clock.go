package ledger

import "time"

// Clock supplies block creation instants.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// FixedClock returns the same instant on every call.
type FixedClock time.Time

func (c FixedClock) Now() time.Time { return time.Time(c) }
