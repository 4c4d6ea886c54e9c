// Package errs implements the §7 error taxonomy: a frame-stack that
// accumulates call site, errno, and message as errors unwind, plus the
// transient/remote-peer-gone/fatal classification that the event loop
// and supervision core use to decide whether to retry, record a state
// transition, or abort.
package errs

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Frame annotates err with the caller's source location and msg,
// building on pkg/errors' WithStack/Wrap the way the original's
// error_.c accumulates a frame per call site during unwind.
func Frame(err error, msg string) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file, line = "?", 0
	}
	return errors.Wrapf(err, "%s:%d: %s", file, line, msg)
}

// Errno extracts the underlying syscall errno from err, if any.
func Errno(err error) (unix.Errno, bool) {
	cause := errors.Cause(err)
	errno, ok := cause.(unix.Errno)
	return errno, ok
}

// Transient reports whether err represents one of the §7 transient
// conditions that the event loop absorbs in place rather than
// propagating: EINTR, EWOULDBLOCK/EAGAIN, ECONNRESET, or EPIPE.
func Transient(err error) bool {
	errno, ok := Errno(err)
	if !ok {
		return false
	}
	switch errno {
	case unix.EINTR, unix.EAGAIN, unix.ECONNRESET, unix.EPIPE:
		return true
	}
	return false
}

// RemotePeerGone reports whether err is the authoritative signal that
// a peer (child, umbilical monitor, signalled process) has already
// terminated: ESRCH on a signal, EPIPE on a keepalive write, or an
// explicit io.EOF-equivalent the caller has already translated.
func RemotePeerGone(err error) bool {
	errno, ok := Errno(err)
	if !ok {
		return false
	}
	switch errno {
	case unix.ESRCH, unix.EPIPE:
		return true
	}
	return false
}

// Fatal wraps err as an unrecoverable condition: one that the design
// asserts cannot plausibly occur given the supervision protocol. The
// caller is expected to log via Abort and terminate.
type Fatal struct {
	Err  error
	Site string
}

func (f *Fatal) Error() string { return fmt.Sprintf("%s: %v", f.Site, f.Err) }
func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal builds a Fatal at the caller's site.
func NewFatal(err error) *Fatal {
	_, file, line, _ := runtime.Caller(1)
	return &Fatal{Err: err, Site: fmt.Sprintf("%s:%d", file, line)}
}

// Abort prints the §7 structured fatal-termination line to stderr —
// process name, elapsed time, pid, source location, message, decoded
// errno — then raises SIGABRT against the current process the way the
// original's fatal path does, so a core dump (or the umbilical
// monitor's own watchdog-death detection) still fires.
func Abort(start time.Time, err error) {
	name := procName()
	pid := os.Getpid()
	site := "?"
	msg := err.Error()
	if f, ok := err.(*Fatal); ok {
		site = f.Site
		msg = f.Err.Error()
	}
	errno, hasErrno := Errno(err)
	errnoText := ""
	if hasErrno {
		errnoText = fmt.Sprintf(" errno=%d (%s)", int(errno), errno.Error())
	}
	fmt.Fprintf(os.Stderr, "%s: FATAL elapsed=%s pid=%d at=%s: %s%s\n",
		name, time.Since(start), pid, site, msg, errnoText)
	_ = unix.Kill(pid, unix.SIGABRT)
	// Kill(SIGABRT) is asynchronous with respect to this goroutine; make
	// sure the process does not limp onward waiting for the signal to
	// land.
	os.Exit(255)
}

func procName() string {
	if len(os.Args) > 0 {
		return os.Args[0]
	}
	return "watchdog"
}

// Inject implements the development-only `<name>_TEST_ERROR` fault
// injection contract of §6: when the environment variable names the
// given frame, Inject returns a synthetic error for that frame instead
// of nil, letting tests exercise every documented fatal path without
// mocking syscalls.
func Inject(envPrefix, frame string) error {
	want := os.Getenv(envPrefix + "_TEST_ERROR")
	if want == "" || want != frame {
		return nil
	}
	return NewFatal(fmt.Errorf("injected failure at frame %q", frame))
}
