// Package umbilical implements the §4.4 umbilical monitor: a process
// forked from the watchdog, placed in the child's process group, that
// detects watchdog catastrophe (the watchdog dying without a clean
// shutdown) and kills the group it shares with the child as a last
// resort.
//
// Like internal/reexec, the monitor cannot be a forked-but-not-exec'd
// Go runtime; it is a full re-exec of this binary under a second
// sentinel environment variable, running Main's own event loop rather
// than execing a further target.
package umbilical

import (
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/eventloop"
	"github.com/ninelife/watchdog/internal/netpoll"
	"github.com/ninelife/watchdog/internal/procstate"
	"golang.org/x/sys/unix"
)

const (
	envSentinel = "WATCHDOG_UMBILICAL"
	envPeriod   = "WATCHDOG_UMBILICAL_PERIOD_MS"
	envWdogPid  = "WATCHDOG_UMBILICAL_WDOG_PID"

	cycleLimit = 2
)

// Monitor is the watchdog-side handle on a running umbilical monitor
// process.
type Monitor struct {
	cmd      *exec.Cmd
	Pid      int
	SocketFd int // watchdog's (parent) end of the umbilical socket
}

// Spawn implements §4.2 step 13 and §4.4's process-placement rule: it
// re-execs this binary with the umbilical sentinel set, duplicates the
// umbilical child socket onto the new process's stdin/stdout, passes
// the given pid-file fd (the watchdog passes its own read-write fd,
// not a separate read-only one) through ExtraFiles so the monitor can
// hold it open (delaying unlink races) without ever reading or
// writing it, and places the monitor in the child's process group.
func Spawn(childSocketFd, pidFileReadFd, watchdogPid int, period time.Duration, childPgid int) (*Monitor, error) {
	self, err := os.Readlink("/proc/self/exe")
	if err != nil {
		self, err = exec.LookPath(os.Args[0])
		if err != nil {
			return nil, errs.Frame(err, "umbilical: resolve self")
		}
	}

	cmd := &exec.Cmd{
		Path: self,
		Args: []string{self},
	}
	cmd.Env = append(os.Environ(),
		envSentinel+"=1",
		envPeriod+"="+strconv.FormatInt(period.Milliseconds(), 10),
		envWdogPid+"="+strconv.Itoa(watchdogPid),
	)
	cmd.Stdin = os.NewFile(uintptr(childSocketFd), "umbilical-socket")
	cmd.Stdout = os.NewFile(uintptr(childSocketFd), "umbilical-socket")
	cmd.Stderr = os.Stderr
	if pidFileReadFd >= 0 {
		cmd.ExtraFiles = []*os.File{os.NewFile(uintptr(pidFileReadFd), "pidfile")}
	}
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true, Pgid: childPgid}

	if err := cmd.Start(); err != nil {
		return nil, errs.Frame(err, "umbilical: start")
	}

	return &Monitor{cmd: cmd, Pid: cmd.Process.Pid, SocketFd: -1}, nil
}

// Active reports whether the current process was launched by Spawn
// and should run Main instead of the normal watchdog CLI.
func Active() bool { return os.Getenv(envSentinel) != "" }

// Ping writes a single non-zero byte on fd, the watchdog-side
// keepalive of §4.3.e.
func Ping(fd int) error {
	b := [1]byte{1}
	_, err := unix.Write(fd, b[:])
	return err
}

// Shutdown writes the orderly-shutdown marker byte (value zero) that
// §4.4 treats as "closed=true", so the monitor exits cleanly rather
// than declaring the watchdog broken.
func Shutdown(fd int) error {
	b := [1]byte{0}
	_, err := unix.Write(fd, b[:])
	return err
}

// Wait blocks until the monitor process exits.
func (m *Monitor) Wait() error {
	err := m.cmd.Wait()
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}

// Main runs inside the re-exec'd monitor process. It never returns on
// a normal path; it calls os.Exit directly so no cleanup performed by
// a caller's defers would run anyway.
func Main() {
	periodMs, _ := strconv.ParseInt(os.Getenv(envPeriod), 10, 64)
	watchdogPid, _ := strconv.Atoi(os.Getenv(envWdogPid))
	period := clock.Duration(periodMs) * clock.Millisecond

	loop, err := eventloop.New()
	if err != nil {
		os.Exit(1)
	}
	defer loop.Close()

	const stdinFd = 0
	const stdoutFd = 1

	closed := false
	orderly := false
	done := false

	timer := loop.AddTimer("umbilical", period, func(l *eventloop.Loop, t *eventloop.Timer) error {
		state := procstate.Sample(watchdogPid)
		if state == procstate.Stopped {
			t.SetCycles(0)
			return nil
		}
		t.SetCycles(t.Cycles() + 1)
		if t.Cycles() >= cycleLimit {
			_ = l.RemoveFd(stdinFd)
			done = true
		}
		return nil
	})

	err = loop.AddFd(stdinFd, netpoll.EventReadable, func(l *eventloop.Loop, fd int, events netpoll.Event) error {
		var b [1]byte
		n, rerr := unix.Read(stdinFd, b[:])
		if n == 0 {
			if closed {
				orderly = true
			}
			done = true
			return nil
		}
		if rerr != nil {
			if rerr == unix.EINTR || rerr == unix.EAGAIN {
				return nil
			}
			return errs.Frame(rerr, "umbilical: read")
		}
		if b[0] == 0 {
			closed = true
			return nil
		}
		if _, werr := unix.Write(stdoutFd, b[:]); werr != nil {
			if werr != unix.EPIPE && werr != unix.EAGAIN {
				return errs.Frame(werr, "umbilical: echo")
			}
		}
		timer.Rearm(l.Now().Add(period / 2))
		return nil
	})
	if err != nil {
		os.Exit(1)
	}

	if rerr := loop.Run(func() bool { return done }); rerr != nil {
		orderly = false
	}

	if !orderly {
		_ = unix.Kill(0, unix.SIGKILL)
	}
	os.Exit(0)
}
