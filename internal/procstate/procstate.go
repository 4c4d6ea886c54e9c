// Package procstate samples a process's run state for the two places
// the spec needs to tell "merely stopped" apart from "dead" or "gone
// silent": §4.3.d's tether timer (is the child Trapped/Stopped?) and
// §4.4's umbilical timer (is the watchdog Stopped?).
package procstate

import (
	"github.com/shirou/gopsutil/v4/process"
)

// State is the coarse classification the supervision core cares
// about. It intentionally collapses gopsutil's full status vocabulary
// down to the handful of buckets §4.3/§4.4 branch on.
type State int

const (
	// Unknown is the zero value. Sample never returns it: a pid that
	// cannot be inspected is reported as Gone.
	Unknown State = iota
	Running
	Stopped // includes ptrace-trapped, which the spec treats the same way
	Zombie
	Gone
)

// Sample classifies pid's current state.
func Sample(pid int) State {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Gone
	}
	statuses, err := proc.Status()
	if err != nil || len(statuses) == 0 {
		// A process that still has a pidfd/proc entry but whose status
		// can't be read is treated as running rather than gone, so the
		// tether timer doesn't prematurely declare a silent child dead
		// out of a transient /proc read race.
		return Running
	}
	for _, s := range statuses {
		switch s {
		case process.Stop:
			return Stopped
		case process.Zombie:
			return Zombie
		}
	}
	return Running
}

// IsStopped is a convenience predicate matching §4.3.d's "Trapped or
// Stopped" check.
func IsStopped(pid int) bool {
	switch Sample(pid) {
	case Stopped:
		return true
	}
	return false
}
