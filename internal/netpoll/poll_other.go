// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package netpoll

import (
	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

// initEvents is the initial capacity of the scratch readiness buffer;
// it grows (doubling, mirroring the teacher's el.increase()) whenever
// a poll returns a full batch.
const initEvents = 64

// Poller multiplexes a caller-managed set of file descriptors via
// kqueue, reporting only the bits each fd was registered for.
type Poller struct {
	fd      int
	fdFlags map[int]Event
	scratch []unix.Kevent_t
}

// Open instantiates a poller with a user-event wake trigger already
// registered.
func Open() (*Poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, errs.Frame(err, "kqueue")
	}
	_, err = unix.Kevent(kq, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil)
	if err != nil {
		_ = unix.Close(kq)
		return nil, errs.Frame(err, "kevent register wake")
	}
	return &Poller{fd: kq, fdFlags: make(map[int]Event), scratch: make([]unix.Kevent_t, initEvents)}, nil
}

// Close releases the poller's own descriptor.
func (p *Poller) Close() error {
	return unix.Close(p.fd)
}

var wakeTrigger = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

// Wake interrupts a blocked Poll call immediately.
func (p *Poller) Wake() error {
	if _, err := unix.Kevent(p.fd, wakeTrigger, nil, nil); err != nil {
		return errs.Frame(err, "kevent trigger wake")
	}
	return nil
}

// Add registers fd with the given event mask.
func (p *Poller) Add(fd int, ev Event) error {
	changes := kqueueChanges(fd, ev, unix.EV_ADD)
	if _, err := unix.Kevent(p.fd, changes, nil, nil); err != nil {
		return errs.Frame(err, "kevent add")
	}
	p.fdFlags[fd] = ev
	return nil
}

// Modify changes fd's registered event mask.
func (p *Poller) Modify(fd int, ev Event) error {
	if old, ok := p.fdFlags[fd]; ok {
		if old&EventReadable != 0 && ev&EventReadable == 0 {
			_, _ = unix.Kevent(p.fd, []unix.Kevent_t{{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ}}, nil, nil)
		}
		if old&EventWritable != 0 && ev&EventWritable == 0 {
			_, _ = unix.Kevent(p.fd, []unix.Kevent_t{{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE}}, nil, nil)
		}
	}
	changes := kqueueChanges(fd, ev, unix.EV_ADD)
	if _, err := unix.Kevent(p.fd, changes, nil, nil); err != nil {
		return errs.Frame(err, "kevent mod")
	}
	p.fdFlags[fd] = ev
	return nil
}

// Delete removes fd from the poller.
func (p *Poller) Delete(fd int) error {
	delete(p.fdFlags, fd)
	_, _ = unix.Kevent(p.fd, []unix.Kevent_t{
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_READ},
		{Ident: uint64(fd), Flags: unix.EV_DELETE, Filter: unix.EVFILT_WRITE},
	}, nil, nil)
	return nil
}

func kqueueChanges(fd int, ev Event, flag uint16) []unix.Kevent_t {
	var changes []unix.Kevent_t
	if ev&EventReadable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: flag, Filter: unix.EVFILT_READ})
	}
	if ev&EventWritable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Flags: flag, Filter: unix.EVFILT_WRITE})
	}
	return changes
}

// Poll blocks until at least one registered fd is ready, the poller is
// woken via Wake, or timeoutMillis elapses (negative means block
// forever).
func (p *Poller) Poll(timeoutMillis int) ([]Readiness, error) {
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * 1e6)
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, p.scratch, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, err
		}
		return nil, errs.Frame(err, "kevent wait")
	}
	out := make([]Readiness, 0, n)
	for i := 0; i < n; i++ {
		ident := int(p.scratch[i].Ident)
		if ident == 0 && p.scratch[i].Filter == unix.EVFILT_USER {
			continue
		}
		var ev Event
		switch p.scratch[i].Filter {
		case unix.EVFILT_READ:
			ev = EventReadable
		case unix.EVFILT_WRITE:
			ev = EventWritable
		}
		if p.scratch[i].Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
			ev |= EventHangup
		}
		out = append(out, Readiness{Fd: ident, Events: ev})
	}
	if n == len(p.scratch) {
		p.scratch = make([]unix.Kevent_t, len(p.scratch)*2)
	}
	return out, nil
}
