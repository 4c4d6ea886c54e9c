// Package clock provides the strictly monotonic event-clock used for
// deadline arithmetic across the event loop, the tether drain thread,
// and the umbilical monitor.
package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// Time is a reading of the event-clock: nanoseconds since an arbitrary,
// process-local epoch. It is never derived from wall-clock time, so a
// settimeofday-style adjustment can never shorten or lengthen a
// deadline computed from it.
type Time int64

// Now latches the current event-clock reading. Callers should call this
// once per event-loop iteration and reuse the value for every deadline
// comparison made during that iteration (see internal/eventloop).
func Now() Time {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// CLOCK_MONOTONIC is mandatory on every platform this module
		// targets; a failure here means the kernel is broken beyond
		// anything recovery logic could address.
		panic("clock: CLOCK_MONOTONIC unavailable: " + err.Error())
	}
	return Time(ts.Sec)*Time(Second) + Time(ts.Nsec)
}

// Add returns t advanced by d nanoseconds.
func (t Time) Add(d Duration) Time { return t + Time(d) }

// Sub returns the signed nanosecond difference t - u.
func (t Time) Sub(u Time) Duration { return Duration(t - u) }

// Before reports whether t is strictly earlier than u.
func (t Time) Before(u Time) bool { return t < u }

// After reports whether t is strictly later than u.
func (t Time) After(u Time) bool { return t > u }

// Duration is a span of event-clock nanoseconds.
type Duration int64

// Nanosecond-scaled constructors, mirroring time.Duration's for ergonomics
// without importing time (the event-clock is deliberately independent
// of wall time).
const (
	Nanosecond  Duration = 1
	Microsecond          = 1000 * Nanosecond
	Millisecond          = 1000 * Microsecond
	Second               = 1000 * Millisecond
)

// Seconds converts a float64 seconds value (as taken from CLI flags) to
// a Duration.
func Seconds(s float64) Duration {
	return Duration(s * float64(Second))
}

// AsTimeDuration converts d to a standard library time.Duration, for
// callers (time.After, os/exec timeouts) that need to interoperate
// with wall-clock-based APIs outside the event loop.
func (d Duration) AsTimeDuration() time.Duration {
	return time.Duration(d)
}
