// Package latch implements the §3 EventLatch and EventPipe primitives
// used to surface asynchronous events (umbilical broken, child
// terminated, signal received) into the event loop without the
// handler doing anything beyond setting a flag or writing a byte.
package latch

import (
	"sync"
	"sync/atomic"

	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

// State is one of an EventLatch's three possible values.
type State int32

const (
	Off State = iota
	On
	Disabled
)

// EventLatch is a two-bit monotonic flag with states {Off, On,
// Disabled}. Once Disabled it can never be re-armed: any Set or Reset
// after a Disable is rejected with ERANGE and leaves the observable
// state unchanged, matching the invariant §8 quantifies.
type EventLatch struct {
	mu    sync.Mutex
	state State
	pipe  *EventPipe // optional; nil if unbound
}

// New creates an EventLatch in the Off state, optionally bound to an
// EventPipe so on-transitions become observable by a poller.
func New(pipe *EventPipe) *EventLatch {
	return &EventLatch{state: Off, pipe: pipe}
}

// Set transitions the latch to On. Returns ERANGE if the latch is
// already Disabled.
func (l *EventLatch) Set() error { return l.transition(On) }

// Reset transitions the latch to Off. Returns ERANGE if the latch is
// already Disabled.
func (l *EventLatch) Reset() error { return l.transition(Off) }

// Disable permanently disables the latch. Idempotent.
func (l *EventLatch) Disable() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = Disabled
}

func (l *EventLatch) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == Disabled {
		return errs.Frame(unix.ERANGE, "latch: set/reset after disable")
	}
	prev := l.state
	l.state = to
	if to == On && prev != On && l.pipe != nil {
		l.pipe.Mark()
	}
	return nil
}

// Value returns the latch's current observable state.
func (l *EventLatch) Value() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// EventPipe is a single-slot binary semaphore implemented over a byte
// channel: Mark sets it pending, Drain clears it back to idle.
// Multiple concurrent Mark calls collapse to at most one pending byte
// via an atomic counter, so a poller never sees more than one readable
// byte regardless of how many marks occurred between drains.
type EventPipe struct {
	fds     [2]int // read, write — non-blocking, close-on-exec
	pending int32
}

// NewEventPipe creates an EventPipe backed by a non-blocking,
// close-on-exec pipe.
func NewEventPipe() (*EventPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return nil, errs.Frame(err, "eventpipe: pipe2")
	}
	return &EventPipe{fds: fds}, nil
}

// ReadFd returns the fd a poller should subscribe to for readability.
func (p *EventPipe) ReadFd() int { return p.fds[0] }

// Close releases both ends.
func (p *EventPipe) Close() {
	_ = unix.Close(p.fds[0])
	_ = unix.Close(p.fds[1])
}

// Mark sets the pipe pending. If it was already pending, this is a
// no-op (the write is collapsed), which is what lets concurrent
// signal-context writers never block or queue more than one byte.
func (p *EventPipe) Mark() {
	if atomic.CompareAndSwapInt32(&p.pending, 0, 1) {
		var b [1]byte
		_, _ = unix.Write(p.fds[1], b[:])
	}
}

// Drain clears the pending flag and consumes the byte, reporting
// whether it had actually been pending.
func (p *EventPipe) Drain() bool {
	if !atomic.CompareAndSwapInt32(&p.pending, 1, 0) {
		return false
	}
	var b [1]byte
	_, _ = unix.Read(p.fds[0], b[:])
	return true
}
