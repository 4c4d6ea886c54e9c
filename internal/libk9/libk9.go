// Package libk9 is the optional, opt-in second opinion a Go child can
// run on its own watchdog: a background goroutine that periodically
// samples the watchdog's liveness independently of the umbilical
// monitor, and kills the child's own process group if the watchdog
// goes silent for too long.
//
// The original relied on an LD_PRELOAD shim injected into the child's
// address space, which has no equivalent for an arbitrary compiled Go
// binary. Since this check is only meaningful when the child is itself
// a Go program willing to import this package, it is expressed as a
// library the child's own main calls into, not a process-injection
// mechanism.
package libk9

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/procstate"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	envWatchdogPid = "WATCHDOG_LIBK9_PPID"
	envTimeoutMs   = "WATCHDOG_LIBK9_TIMEOUT_MS"

	// cycleLimit mirrors §4.3.e/§4.4's halved-period, two-cycle shape:
	// the watchdog gets one full grace period after an apparently
	// silent cycle before this check gives up on it.
	cycleLimit = 2

	killGrace = 30 * time.Second
)

// Active reports whether the environment carries the variables a
// watchdog invocation sets for an opted-in child, i.e. whether Start
// would do anything.
func Active() bool {
	_, ok := os.LookupEnv(envWatchdogPid)
	return ok
}

// Watch is a running second-opinion check, stoppable via Close.
type Watch struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Start reads the watchdog pid and timeout this process was launched
// with and begins sampling the watchdog's liveness every timeout/2.
// Two consecutive cycles in which the watchdog is neither Running nor
// Stopped (i.e. it has gone Zombie or Gone) are treated as watchdog
// failure: this process sends SIGTERM to its own process group, waits
// a grace period, then SIGKILLs it.
//
// Start returns an error (and starts nothing) if the environment
// variables a watchdog invocation would set are missing or malformed;
// callers should treat that as "no watchdog to watch", not a fatal
// condition.
func Start() (*Watch, error) {
	watchdogPid, err := strconv.Atoi(os.Getenv(envWatchdogPid))
	if err != nil {
		return nil, errs.Frame(err, "libk9: parse watchdog pid")
	}
	timeoutMs, err := strconv.ParseInt(os.Getenv(envTimeoutMs), 10, 64)
	if err != nil {
		return nil, errs.Frame(err, "libk9: parse timeout")
	}

	w := &Watch{stop: make(chan struct{}), done: make(chan struct{})}
	period := time.Duration(timeoutMs) * time.Millisecond / cycleLimit
	if period <= 0 {
		period = time.Second
	}
	go w.run(watchdogPid, period)
	return w, nil
}

func (w *Watch) run(watchdogPid int, period time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	cycles := 0
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		switch procstate.Sample(watchdogPid) {
		case procstate.Running:
			cycles = 0
		case procstate.Stopped:
			// Deferred, not reset: a stopped watchdog is not yet a
			// broken one, but it hasn't proven itself alive either.
		default:
			cycles++
			if cycles >= cycleLimit {
				logrus.Warn("libk9: watchdog appears gone, killing process group")
				killSelfGroup()
				return
			}
		}
	}
}

func killSelfGroup() {
	_ = unix.Kill(0, unix.SIGTERM)
	time.Sleep(killGrace)
	_ = unix.Kill(0, unix.SIGKILL)
}

// Close stops the background goroutine without touching the process
// group. Safe to call more than once.
func (w *Watch) Close() {
	if w == nil {
		return
	}
	w.once.Do(func() { close(w.stop) })
	<-w.done
}
