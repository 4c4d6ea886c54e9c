// Package fdutil provides the low-level file-descriptor primitives
// that §4.2 child launch and plumbing are built from: non-blocking and
// close-on-exec pipes and socket pairs, placeholder stdio descriptors,
// and orphaned-descriptor cleanup. Every helper here is a thin wrapper
// over golang.org/x/sys/unix, following the teacher's (panjf2000/gnet)
// convention of calling into unix.* directly rather than hiding
// syscalls behind an abstraction layer.
package fdutil

import (
	"errors"
	"os"

	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

// Pipe is an ordered (read, write) pair of fds.
type Pipe struct {
	Read, Write int
}

// Close closes both ends, ignoring errors on already-closed fds.
func (p Pipe) Close() {
	if p.Read >= 0 {
		_ = unix.Close(p.Read)
	}
	if p.Write >= 0 {
		_ = unix.Close(p.Write)
	}
}

// NewPipe creates a pipe per §3/§4.2. When nonblockRead is set the
// read end is opened O_NONBLOCK; both ends always carry O_CLOEXEC so a
// subsequent exec in either the watchdog or the re-exec child helper
// never leaks the opposite end.
func NewPipe(nonblockRead bool) (Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return Pipe{-1, -1}, errs.Frame(err, "pipe2")
	}
	p := Pipe{Read: fds[0], Write: fds[1]}
	if nonblockRead {
		if err := unix.SetNonblock(p.Read, true); err != nil {
			p.Close()
			return Pipe{-1, -1}, errs.Frame(err, "setnonblock pipe read end")
		}
	}
	return p, nil
}

// NewBothNonblockPipe creates a pipe with both ends non-blocking and
// close-on-exec, used for the child-status pipe (§3).
func NewBothNonblockPipe() (Pipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return Pipe{-1, -1}, errs.Frame(err, "pipe2")
	}
	return Pipe{Read: fds[0], Write: fds[1]}, nil
}

// SocketPair is an ordered (parent, child) pair of connected stream
// sockets, close-on-exec on both ends, and non-blocking on both ends
// when created with nonblock set (§3 UmbilicalSocket, SyncSocket).
type SocketPair struct {
	Parent, Child int
}

// Close closes both ends.
func (s SocketPair) Close() {
	if s.Parent >= 0 {
		_ = unix.Close(s.Parent)
	}
	if s.Child >= 0 {
		_ = unix.Close(s.Child)
	}
}

// NewSocketPair creates a connected AF_UNIX SOCK_STREAM pair.
func NewSocketPair(nonblock bool) (SocketPair, error) {
	flags := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if nonblock {
		flags |= unix.SOCK_NONBLOCK
	}
	fds, err := unix.Socketpair(unix.AF_UNIX, flags, 0)
	if err != nil {
		return SocketPair{-1, -1}, errs.Frame(err, "socketpair")
	}
	return SocketPair{Parent: fds[0], Child: fds[1]}, nil
}

// SetNonblock toggles O_NONBLOCK on fd after creation, for descriptors
// (e.g. those inherited via ExtraFiles) that weren't opened with the
// flag directly.
func SetNonblock(fd int, nonblock bool) error {
	if err := unix.SetNonblock(fd, nonblock); err != nil {
		return errs.Frame(err, "setnonblock")
	}
	return nil
}

// SetCloexec toggles FD_CLOEXEC on fd.
func SetCloexec(fd int, cloexec bool) error {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	if err != nil {
		return errs.Frame(err, "fcntl F_GETFD")
	}
	if cloexec {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, flags); err != nil {
		return errs.Frame(err, "fcntl F_SETFD")
	}
	return nil
}

// PlaceholderSource is an always-readable-empty source used to reserve
// the standard stdio fd numbers (0, 1, 2) before the real tether,
// umbilical, and sync descriptors are created, so none of them can
// collide with the conventional numbers (§4.2 step 2).
type PlaceholderSource struct {
	devNull *os.File
}

// OpenPlaceholders opens one fd against /dev/null and dup2s it onto
// each of 0, 1, and 2 that is not already open, guaranteeing
// stdin/stdout/stderr are reserved before further pipes are allocated.
func OpenPlaceholders() (*PlaceholderSource, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.Frame(err, "open /dev/null placeholder")
	}
	for _, stdfd := range []int{unix.Stdin, unix.Stdout, unix.Stderr} {
		if _, err := unix.FcntlInt(uintptr(stdfd), unix.F_GETFD, 0); err == nil {
			continue // already open; leave it alone
		}
		if err := unix.Dup2(int(f.Fd()), stdfd); err != nil {
			f.Close()
			return nil, errs.Frame(err, "dup2 placeholder")
		}
	}
	return &PlaceholderSource{devNull: f}, nil
}

// Close releases the placeholder's own backing fd (the dup2'd stdio
// numbers remain open under the caller's control, per §4.2 step 11's
// "close the placeholder descriptors" which refers to this handle,
// not the numbers it seeded).
func (p *PlaceholderSource) Close() error {
	if p == nil || p.devNull == nil {
		return nil
	}
	return p.devNull.Close()
}

// PurgeAbove closes every open fd strictly greater than keepBelow,
// implementing §4.2 step 12's "purge orphaned descriptors" by scanning
// /proc/self/fd (falling back to a bounded brute-force close when procfs
// is unavailable).
func PurgeAbove(keepBelow int) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// Fallback: best-effort close over a conservative fd range.
		for fd := keepBelow + 1; fd < keepBelow+256; fd++ {
			_ = unix.Close(fd)
		}
		return
	}
	for _, entry := range entries {
		fd, convErr := parseFd(entry.Name())
		if convErr != nil || fd <= keepBelow {
			continue
		}
		_ = unix.Close(fd)
	}
}

func parseFd(name string) (int, error) {
	var fd int
	_, err := fdScan(name, &fd)
	return fd, err
}

// fdScan is a hand-rolled decimal parser, avoiding fmt.Sscanf's
// reflection cost on every purge call in production.
func fdScan(name string, out *int) (int, error) {
	n := 0
	neg := false
	i := 0
	if i < len(name) && name[i] == '-' {
		neg = true
		i++
	}
	if i == len(name) {
		return 0, errBadFd
	}
	for ; i < len(name); i++ {
		c := name[i]
		if c < '0' || c > '9' {
			return 0, errBadFd
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	*out = n
	return 1, nil
}

var errBadFd = errors.New("fdutil: not a numeric fd entry")
