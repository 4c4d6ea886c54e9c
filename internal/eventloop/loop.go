// Package eventloop implements §4.1's generic event loop: a fixed set
// of file-descriptor subscriptions and periodic timers multiplexed
// against one poll call per iteration. Every watchdog-role process
// (the supervisor core in internal/watchdog, the umbilical monitor in
// internal/umbilical) drives exactly one Loop.
package eventloop

import (
	"fmt"

	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/netpoll"
	"golang.org/x/sys/unix"
)

// FdCallback handles a ready file descriptor. The events argument is
// the intersection of what fired and what was subscribed — per §4.1,
// subscribing to Readable/Writable implies waking on Hangup too, but
// the callback only ever receives the bits it asked for.
type FdCallback func(loop *Loop, fd int, events netpoll.Event) error

// TimerCallback handles an expired timer. It may call t.Rearm or
// t.Disable to control the next deadline; leaving Period unchanged
// reschedules for since+Period, where since has already been advanced
// by one Period before the callback runs.
type TimerCallback func(loop *Loop, t *Timer) error

type fdSub struct {
	fd       int
	events   netpoll.Event
	callback FdCallback
}

// Timer is a periodic deadline registered with a Loop. The zero
// Period means the timer is inactive and is skipped by deadline
// computation and dispatch.
type Timer struct {
	Name     string
	Period   clock.Duration
	since    clock.Time
	callback TimerCallback
	cycles   int // caller-owned scratch, e.g. §4.3.d's cycle counter
}

// Cycles returns the timer's caller-maintained cycle counter.
func (t *Timer) Cycles() int { return t.cycles }

// SetCycles sets the caller-maintained cycle counter.
func (t *Timer) SetCycles(n int) { t.cycles = n }

// Rearm resets the timer's reference point to since, so its next
// deadline is since+Period. §4.3.d uses this to debounce against the
// drain thread's activity stamp; §4.3.e uses it to force an immediate
// refire after an EINTR.
func (t *Timer) Rearm(since clock.Time) { t.since = since }

// Disable sets Period to zero, deactivating the timer until a caller
// sets a new Period and Rearms it.
func (t *Timer) Disable() { t.Period = 0 }

func (t *Timer) deadline() clock.Time { return t.since.Add(t.Period) }
func (t *Timer) active() bool         { return t.Period > 0 }

// CompletionFunc reports whether the loop should stop after the
// current iteration has fully run (§4.1: "the loop terminates when the
// predicate returns true after a full iteration").
type CompletionFunc func() bool

// Loop is one instance of the §4.1 event loop.
type Loop struct {
	poller *netpoll.Poller
	fds    map[int]*fdSub
	timers []*Timer
	now    clock.Time

	// Strict enables the §4.1 "spurious wake with nothing to do is a
	// defect" development-time assertion. Wired to -d/--debug.
	Strict bool
}

// New opens a Loop backed by a fresh poller.
func New() (*Loop, error) {
	p, err := netpoll.Open()
	if err != nil {
		return nil, errs.Frame(err, "open poller")
	}
	return &Loop{poller: p, fds: make(map[int]*fdSub)}, nil
}

// Close releases the loop's poller.
func (l *Loop) Close() error { return l.poller.Close() }

// Now returns the event-clock reading latched during the current (or,
// between iterations, the most recent) poll.
func (l *Loop) Now() clock.Time { return l.now }

// AddFd registers fd for the given events, invoking callback whenever
// any of them fire.
func (l *Loop) AddFd(fd int, events netpoll.Event, callback FdCallback) error {
	if err := l.poller.Add(fd, events); err != nil {
		return err
	}
	l.fds[fd] = &fdSub{fd: fd, events: events, callback: callback}
	return nil
}

// ModifyFd changes fd's subscribed events in place.
func (l *Loop) ModifyFd(fd int, events netpoll.Event) error {
	sub, ok := l.fds[fd]
	if !ok {
		return fmt.Errorf("eventloop: fd %d not registered", fd)
	}
	if err := l.poller.Modify(fd, events); err != nil {
		return err
	}
	sub.events = events
	return nil
}

// RemoveFd unregisters fd. It is not an error to remove an fd more
// than once.
func (l *Loop) RemoveFd(fd int) error {
	if _, ok := l.fds[fd]; !ok {
		return nil
	}
	delete(l.fds, fd)
	return l.poller.Delete(fd)
}

// AddTimer registers a new timer with the given initial period,
// anchored to the loop's current clock reading (or clock.Now() before
// the first iteration has run).
func (l *Loop) AddTimer(name string, period clock.Duration, callback TimerCallback) *Timer {
	since := l.now
	if since == 0 {
		since = clock.Now()
	}
	t := &Timer{Name: name, Period: period, since: since, callback: callback}
	l.timers = append(l.timers, t)
	return t
}

// nextTimeout computes the poll timeout in milliseconds: the smallest
// positive remaining time across all active timers, or -1 (infinite)
// if none are active.
func (l *Loop) nextTimeout() int {
	now := clock.Now()
	best := clock.Duration(-1)
	for _, t := range l.timers {
		if !t.active() {
			continue
		}
		remaining := t.deadline().Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		return -1
	}
	ms := int(best / clock.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// Wake interrupts a blocked poll immediately, for use by handlers
// running outside the loop's own goroutine (none currently do, but the
// hook mirrors the teacher's async job queue wake and keeps the door
// open for the umbilical's cross-process liveness probes).
func (l *Loop) Wake() error { return l.poller.Wake() }

// Run drives the loop until done reports true after a complete
// iteration. Each iteration: one bounded poll, then fd dispatch, then
// timer dispatch, all against a single latched clock reading.
func (l *Loop) Run(done CompletionFunc) error {
	for {
		timeoutMs := l.nextTimeout()
		ready, err := l.poller.Poll(timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		l.now = clock.Now()
		dispatched := 0

		for _, r := range ready {
			sub, ok := l.fds[r.Fd]
			if !ok {
				continue
			}
			if sub.events&r.Events == 0 && r.Events&netpoll.EventHangup == 0 {
				continue
			}
			dispatched++
			if err := sub.callback(l, r.Fd, r.Events&sub.events); err != nil {
				return err
			}
		}

		for _, t := range l.timers {
			if !t.active() {
				continue
			}
			if t.deadline().After(l.now) {
				continue
			}
			dispatched++
			t.since = t.since.Add(t.Period)
			if err := t.callback(l, t); err != nil {
				return err
			}
		}

		if done() {
			return nil
		}

		if dispatched == 0 && l.Strict {
			panic("eventloop: spurious wake dispatched nothing")
		}
	}
}
