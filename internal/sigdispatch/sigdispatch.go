// Package sigdispatch provides the §4.7 signal-safe dispatch
// infrastructure: a process-wide table letting independent subsystems
// (child monitor, job control, termination) register for a signal
// without clobbering each other's handler.
//
// Go cannot install a raw sigaction trampoline from user code the way
// the original's jobcontrol_.c does (SA_RESTART/SA_NODEFER flags and
// signal-context mutual exclusion are runtime-owned in Go); the
// runtime's own signal handler always runs first and forwards to
// os/signal.Notify channels. This package keeps the registration
// contract (a reader-writer lock for mutation vs. dispatch, one slot
// per signal, no double-delivery) on top of that channel primitive, so
// the rest of the watchdog core is written against the same shape the
// spec describes.
package sigdispatch

import (
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// Handler is invoked once per delivered signal. Like the original's
// trampoline contract, handlers are expected to only set flags or mark
// an EventLatch/EventPipe — all real logic runs later on the event
// loop, never inside Handler itself.
type Handler func(sig os.Signal)

// Table is a process-wide signal dispatch table. The zero value is
// usable.
type Table struct {
	mu       sync.RWMutex
	handlers map[os.Signal]Handler
	ch       chan os.Signal
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds an empty Table.
func New() *Table {
	return &Table{handlers: make(map[os.Signal]Handler)}
}

// Register installs handler for sig, replacing the kernel-level
// default the way the original's trampoline install does. Registering
// the same signal twice replaces the previous handler (no clobbering
// of unrelated signals, which is the property this table exists to
// guarantee across subsystems).
func (t *Table) Register(sig os.Signal, handler Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[sig] = handler
	if t.ch != nil {
		signal.Notify(t.ch, t.signals()...)
	}
}

// Unregister removes sig's handler, restoring default disposition once
// Start's dispatch loop is stopped.
func (t *Table) Unregister(sig os.Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, sig)
	if t.ch != nil {
		signal.Stop(t.ch)
		signal.Notify(t.ch, t.signals()...)
	}
}

func (t *Table) signals() []os.Signal {
	out := make([]os.Signal, 0, len(t.handlers))
	for s := range t.handlers {
		out = append(out, s)
	}
	return out
}

// Start begins dispatching registered signals on a background
// goroutine. Per §4.7, SIGABRT is never claimed by any registrant so a
// failing handler elsewhere in the process can still abort — Start
// refuses to register it and silently drops any attempt to do so.
func (t *Table) Start() {
	t.mu.Lock()
	delete(t.handlers, unix.SIGABRT)
	t.ch = make(chan os.Signal, 16)
	t.stop = make(chan struct{})
	signal.Notify(t.ch, t.signals()...)
	ch := t.ch
	stop := t.stop
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case sig := <-ch:
				t.dispatch(sig)
			case <-stop:
				return
			}
		}
	}()
}

// dispatch takes the read lock (mutation is writer-locked, so
// Register/Unregister never race a handler invocation) and invokes the
// one handler registered for sig, if any. Go's channel-based delivery
// already guarantees a signal cannot re-enter dispatch for the same
// value concurrently (SA_NODEFER-equivalent), since each value is
// delivered once per Notify wakeup and handled to completion before
// the next receive.
func (t *Table) dispatch(sig os.Signal) {
	t.mu.RLock()
	h := t.handlers[sig]
	t.mu.RUnlock()
	if h != nil {
		h(sig)
	}
}

// Stop halts dispatch and restores default signal disposition for
// every registered signal.
func (t *Table) Stop() {
	t.mu.Lock()
	if t.ch != nil {
		signal.Stop(t.ch)
	}
	if t.stop != nil {
		close(t.stop)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
