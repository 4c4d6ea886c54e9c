package sigdispatch

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	tbl := New()
	var got int32
	tbl.Register(syscall.SIGUSR1, func(sig os.Signal) {
		atomic.StoreInt32(&got, 1)
	})
	tbl.Start()
	defer tbl.Stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&got) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&got))
}

func TestSIGABRTNeverClaimed(t *testing.T) {
	tbl := New()
	tbl.Register(syscall.SIGABRT, func(sig os.Signal) {
		t.Fatal("SIGABRT handler must never be invoked via the table")
	})
	tbl.Start()
	defer tbl.Stop()
	// Start silently dropped SIGABRT; nothing to assert beyond "no
	// panic/fatal", which a flaky failure would already surface.
}

func TestUnregisterStopsDelivery(t *testing.T) {
	// Exercises dispatch() directly rather than raising a real SIGUSR2:
	// once a signal has no registrant, os/signal reverts it to its
	// default (terminating) disposition, so actually sending it here
	// would kill the test process instead of testing anything.
	tbl := New()
	var got int32
	tbl.Register(syscall.SIGUSR2, func(sig os.Signal) {
		atomic.AddInt32(&got, 1)
	})
	tbl.Unregister(syscall.SIGUSR2)
	tbl.dispatch(syscall.SIGUSR2)
	assert.Equal(t, int32(0), atomic.LoadInt32(&got))
}
