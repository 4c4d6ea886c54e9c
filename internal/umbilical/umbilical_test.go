package umbilical

import (
	"os"
	"testing"

	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestActiveReflectsSentinel(t *testing.T) {
	require.NoError(t, os.Unsetenv(envSentinel))
	assert.False(t, Active())

	require.NoError(t, os.Setenv(envSentinel, "1"))
	defer os.Unsetenv(envSentinel)
	assert.True(t, Active())
}

func TestPingWritesNonzeroByte(t *testing.T) {
	sp, err := fdutil.NewSocketPair(false)
	require.NoError(t, err)
	defer sp.Close()

	require.NoError(t, Ping(sp.Parent))

	var b [1]byte
	n, err := unix.Read(sp.Child, b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotEqual(t, byte(0), b[0])
}

func TestShutdownWritesZeroByte(t *testing.T) {
	sp, err := fdutil.NewSocketPair(false)
	require.NoError(t, err)
	defer sp.Close()

	require.NoError(t, Shutdown(sp.Parent))

	var b [1]byte
	n, err := unix.Read(sp.Child, b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0), b[0])
}
