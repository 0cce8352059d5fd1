package clock

import "time"

// Clock is the time source for round and timeout computation.
type Clock interface {
	Now() time.Time
}

type System struct{}

func (System) Now() time.Time { return time.Now() }
