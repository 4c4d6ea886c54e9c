// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux

package netpoll

import (
	"encoding/binary"

	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

// initEvents is the initial capacity of the scratch readiness buffer;
// it grows (doubling, mirroring the teacher's el.increase()) whenever
// a poll returns a full batch.
const initEvents = 64

// Poller multiplexes a caller-managed set of file descriptors via
// epoll, reporting only the bits each fd was registered for.
type Poller struct {
	fd      int // epoll fd
	wfd     int // eventfd used to interrupt a blocked wait
	wfdBuf  [8]byte
	scratch []unix.EpollEvent
}

// Open instantiates a poller with its own wake eventfd already
// registered for readability.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errs.Frame(err, "epoll_create1")
	}
	r0, _, errno := unix.Syscall(unix.SYS_EVENTFD2, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		_ = unix.Close(epfd)
		return nil, errs.Frame(errno, "eventfd2")
	}
	p := &Poller{fd: epfd, wfd: int(r0), scratch: make([]unix.EpollEvent, initEvents)}
	if err := p.Add(p.wfd, EventReadable); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the poller's own descriptors. It does not close any
// fd the caller registered.
func (p *Poller) Close() error {
	_ = unix.Close(p.wfd)
	return unix.Close(p.fd)
}

// Wake interrupts a blocked Poll call immediately. The event loop
// exposes it as Loop.Wake.
func (p *Poller) Wake() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wfd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return errs.Frame(err, "eventfd write")
	}
	return nil
}

func epollBits(ev Event) uint32 {
	var bits uint32
	if ev&EventReadable != 0 {
		bits |= unix.EPOLLIN
	}
	if ev&EventWritable != 0 {
		bits |= unix.EPOLLOUT
	}
	if ev&EventHangup != 0 || ev&(EventReadable|EventWritable) != 0 {
		bits |= unix.EPOLLHUP | unix.EPOLLERR
	}
	return bits
}

// Add registers fd with the given event mask.
func (p *Poller) Add(fd int, ev Event) error {
	e := unix.EpollEvent{Fd: int32(fd), Events: epollBits(ev)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return errs.Frame(err, "epoll_ctl add")
	}
	return nil
}

// Modify changes fd's registered event mask.
func (p *Poller) Modify(fd int, ev Event) error {
	e := unix.EpollEvent{Fd: int32(fd), Events: epollBits(ev)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return errs.Frame(err, "epoll_ctl mod")
	}
	return nil
}

// Delete removes fd from the poller.
func (p *Poller) Delete(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errs.Frame(err, "epoll_ctl del")
	}
	return nil
}

// Poll blocks until at least one registered fd is ready, the poller is
// woken via Wake, or timeoutMillis elapses (negative means block
// forever). It returns the ready set, filtering out (and silently
// draining) the internal wake fd.
func (p *Poller) Poll(timeoutMillis int) ([]Readiness, error) {
	n, err := unix.EpollWait(p.fd, p.scratch, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, err
		}
		return nil, errs.Frame(err, "epoll_wait")
	}
	out := make([]Readiness, 0, n)
	for i := 0; i < n; i++ {
		fd := int(p.scratch[i].Fd)
		if fd == p.wfd {
			_, _ = unix.Read(p.wfd, p.wfdBuf[:])
			continue
		}
		out = append(out, Readiness{Fd: fd, Events: decodeEpoll(p.scratch[i].Events)})
	}
	if n == len(p.scratch) {
		p.scratch = make([]unix.EpollEvent, len(p.scratch)*2)
	}
	return out, nil
}

func decodeEpoll(bits uint32) Event {
	var ev Event
	if bits&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
		ev |= EventReadable
	}
	if bits&unix.EPOLLOUT != 0 {
		ev |= EventWritable
	}
	if bits&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		ev |= EventHangup
	}
	return ev
}
