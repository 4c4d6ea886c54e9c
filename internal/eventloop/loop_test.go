package eventloop

import (
	"testing"

	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/netpoll"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFdDispatch(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	r, w := newPipe(t)
	fired := false
	require.NoError(t, loop.AddFd(r, netpoll.EventReadable, func(l *Loop, fd int, ev netpoll.Event) error {
		fired = true
		var buf [1]byte
		_, _ = unix.Read(fd, buf[:])
		return nil
	}))

	_, err = unix.Write(w, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, loop.Run(func() bool { return fired }))
	require.True(t, fired)
}

func TestTimerDispatch(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	fireCount := 0
	var timer *Timer
	timer = loop.AddTimer("test", clock.Millisecond*5, func(l *Loop, t *Timer) error {
		fireCount++
		if fireCount >= 3 {
			t.Disable()
		}
		return nil
	})
	require.NotNil(t, timer)

	require.NoError(t, loop.Run(func() bool { return fireCount >= 3 }))
	require.Equal(t, 3, fireCount)
}

func TestRemoveFdIdempotent(t *testing.T) {
	loop, err := New()
	require.NoError(t, err)
	defer loop.Close()

	r, _ := newPipe(t)
	require.NoError(t, loop.AddFd(r, netpoll.EventReadable, func(l *Loop, fd int, ev netpoll.Event) error { return nil }))
	require.NoError(t, loop.RemoveFd(r))
	require.NoError(t, loop.RemoveFd(r))
}
