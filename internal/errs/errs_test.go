package errs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestTransient(t *testing.T) {
	assert.True(t, Transient(unix.EINTR))
	assert.True(t, Transient(unix.EAGAIN))
	assert.True(t, Transient(unix.EPIPE))
	assert.False(t, Transient(unix.ESRCH))
	assert.False(t, Transient(nil))
}

func TestRemotePeerGone(t *testing.T) {
	assert.True(t, RemotePeerGone(unix.ESRCH))
	assert.True(t, RemotePeerGone(unix.EPIPE))
	assert.False(t, RemotePeerGone(unix.EINTR))
}

func TestFrameWraps(t *testing.T) {
	err := Frame(unix.EBADF, "closing fd")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "closing fd")
	errno, ok := Errno(err)
	assert.True(t, ok)
	assert.Equal(t, unix.EBADF, errno)
}

func TestInject(t *testing.T) {
	const prefix = "WATCHDOG_TEST_ERROR_UNIT"
	t.Setenv(prefix+"_TEST_ERROR", "pidfile.create")
	assert.NoError(t, Inject(prefix, "other.frame"))
	err := Inject(prefix, "pidfile.create")
	assert.Error(t, err)
}

func TestFatalUnwrap(t *testing.T) {
	base := unix.ENOENT
	f := NewFatal(base)
	assert.ErrorIs(t, f, base)
}

func TestMain_procName(t *testing.T) {
	if procName() == "" {
		t.Fatal("expected non-empty process name")
	}
	_ = os.Args
}
