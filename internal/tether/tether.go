// Package tether implements the §4.5 tether drain thread: a single
// dedicated OS thread that copies bytes from the tether read-end
// (held on the watchdog's stdin) to the watchdog's inherited stdout,
// stamping a last-activity timestamp that §4.3.d's tether timeout
// handler consults. It uses Linux splice(2) for the zero-copy fast
// path, falling back to a bytebufferpool-backed read/write loop on
// platforms without splice.
package tether

import (
	"runtime"
	"sync"
	"time"

	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"
)

// Drain owns the control pipe and activity stamp for one tether
// drain-thread run.
type Drain struct {
	srcFd, dstFd int
	control      fdutil.Pipe
	pacing       time.Duration

	mu       sync.Mutex
	activity clock.Time

	done chan struct{}
	err  error
}

// Start creates the control pipe and begins draining srcFd to dstFd on
// a background goroutine that locks itself to its own OS thread
// (matching the original's dedicated pthread, and required so the
// blocking poll/splice calls below never starve other goroutines
// scheduled onto the same thread). pacing is the drain deadline
// applied after each control byte per §4.5.
func Start(srcFd, dstFd int, pacing time.Duration) (*Drain, error) {
	control, err := fdutil.NewBothNonblockPipe()
	if err != nil {
		return nil, errs.Frame(err, "tether: create control pipe")
	}
	d := &Drain{
		srcFd:   srcFd,
		dstFd:   dstFd,
		control: control,
		pacing:  pacing,
		done:    make(chan struct{}),
	}
	d.stamp()
	go d.run()
	return d, nil
}

// ControlFd returns the read-end of the control pipe, the fd the
// watchdog's event loop subscribes to for POLLHUP/POLLERR (§4.3's
// tether drain disconnect subscription).
func (d *Drain) ControlFd() int { return d.control.Read }

// Ping writes a control byte, per §4.3.h, so a drain blocked in
// splice(2) observes EINTR-equivalent readiness and re-checks its
// completion condition.
func (d *Drain) Ping() {
	var b [1]byte
	_, _ = unix.Write(d.control.Write, b[:])
}

// Stop closes the control pipe's write end, which the drain loop
// treats as a request to run out the drain deadline and exit.
func (d *Drain) Stop() {
	_ = unix.Close(d.control.Write)
}

// Wait blocks until the drain loop has exited, returning its terminal
// error (nil on a clean EOF/EPIPE completion).
func (d *Drain) Wait() error {
	<-d.done
	return d.err
}

// LastActivity returns the event-clock time of the most recent splice
// attempt, taken under the activity mutex per §4.5's ordering
// guarantee.
func (d *Drain) LastActivity() clock.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activity
}

func (d *Drain) stamp() {
	d.mu.Lock()
	d.activity = clock.Now()
	d.mu.Unlock()
}

func (d *Drain) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(d.done)
	defer unix.Close(d.control.Read)

	var deadline time.Time
	armed := false

	pollfds := []unix.PollFd{
		{Fd: int32(d.control.Read), Events: unix.POLLIN},
		{Fd: int32(d.srcFd), Events: unix.POLLIN},
		{Fd: int32(d.dstFd), Events: 0},
	}
	const srcReady = unix.POLLIN | unix.POLLHUP | unix.POLLERR

	for {
		timeout := -1
		if armed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				d.err = nil
				return
			}
			timeout = int(remaining / time.Millisecond)
			if timeout == 0 {
				timeout = 1
			}
		}

		n, err := unix.Poll(pollfds, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.err = errs.Frame(err, "tether: poll")
			return
		}
		if n == 0 {
			// Deadline elapsed with nothing pending.
			d.err = nil
			return
		}

		if pollfds[0].Revents != 0 {
			var b [1]byte
			if n, rerr := unix.Read(d.control.Read, b[:]); n == 0 && rerr == nil {
				// Write end closed (Stop): stop polling the control pipe.
				pollfds[0].Fd = -1
			}
			if !armed {
				deadline = time.Now().Add(d.pacing)
				armed = true
			}
		}

		if pollfds[2].Revents&(unix.POLLHUP|unix.POLLERR) != 0 {
			d.err = nil
			return
		}

		if pollfds[1].Revents&srcReady != 0 {
			d.stamp()
			done, err := d.drainOnce()
			if err != nil {
				d.err = err
				return
			}
			if done {
				d.err = nil
				return
			}
		}
	}
}

// drainOnce implements one §4.5 splice cycle: query the available
// byte count via FIONREAD, and if non-zero move exactly that many
// bytes from src to dst. Reports done=true once the source reports
// zero bytes available (input drained after child exit).
func (d *Drain) drainOnce() (done bool, err error) {
	available, ierr := unix.IoctlGetInt(d.srcFd, unix.FIONREAD)
	if ierr != nil {
		return false, errs.Frame(ierr, "tether: FIONREAD")
	}
	if available == 0 {
		return true, nil
	}
	return false, d.move(available)
}

func (d *Drain) move(n int) error {
	if err := splice(d.srcFd, d.dstFd, n); err == nil {
		return nil
	} else if err != errSpliceUnsupported {
		return classifySpliceErr(err)
	}
	return d.copyViaBuffer(n)
}

// copyViaBuffer is the non-Linux (and splice-unsupported) fallback:
// read up to n bytes into a pooled buffer, then write them out.
func (d *Drain) copyViaBuffer(n int) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.Reset()
	if cap(buf.B) < n {
		buf.B = make([]byte, n)
	}
	buf.B = buf.B[:n]

	read, err := unix.Read(d.srcFd, buf.B)
	if err != nil {
		return classifySpliceErr(err)
	}
	if read == 0 {
		return nil
	}
	_, err = unix.Write(d.dstFd, buf.B[:read])
	if err != nil {
		return classifySpliceErr(err)
	}
	return nil
}

// classifySpliceErr implements §4.5's splice error classification:
// EPIPE (output broken) and EWOULDBLOCK/EINTR all return nil here;
// after an EPIPE the drain loop exits once poll reports POLLHUP/POLLERR
// on dstFd. Anything else is fatal.
func classifySpliceErr(err error) error {
	if err == unix.EPIPE {
		return nil
	}
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN || err == unix.EINTR {
		return nil
	}
	return errs.Frame(err, "tether: splice")
}
