// Package netpoll adapts panjf2000/gnet's internal epoll/kqueue poller
// from a connection-readiness notifier into the fd multiplexer the
// event loop (internal/eventloop) drives: a bounded poll call that
// reports which of a caller-registered set of fds became ready, plus a
// wake (an eventfd on Linux, EVFILT_USER on kqueue) so the loop can be
// kicked to recompute timer
// deadlines without waiting out the current poll timeout.
package netpoll

// Event is the subset of readiness bits a subscriber can register for.
// It mirrors the POLLIN/POLLOUT/POLLHUP/POLLERR vocabulary of §4.1:
// subscribing to IN or OUT implies also waking on HUP/ERR, but the
// loop only reports the bits the caller subscribed to, per the
// invariant in §4.1.
type Event uint32

const (
	// EventReadable fires on POLLIN (or EPOLLIN/EVFILT_READ) readiness.
	EventReadable Event = 1 << iota
	// EventWritable fires on POLLOUT (or EPOLLOUT/EVFILT_WRITE) readiness.
	EventWritable
	// EventHangup fires on POLLHUP/POLLERR (or EV_EOF/EV_ERROR) —
	// always implied by Readable/Writable subscriptions, but also
	// requestable standalone for disconnect-only watches (§4.3's
	// umbilical and tether-drain subscriptions).
	EventHangup
)

// Readiness is one fd's reported event bits for a single poll return.
type Readiness struct {
	Fd     int
	Events Event
}
