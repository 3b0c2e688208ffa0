package altsvc

import "time"

// Clock tells the cache what time it is.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock is the wall clock.
var SystemClock Clock = ClockFunc(time.Now)
