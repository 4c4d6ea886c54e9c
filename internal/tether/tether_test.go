package tether

import (
	"testing"
	"time"

	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDrainCopiesBytesAndStampsActivity(t *testing.T) {
	src, err := fdutil.NewPipe(true)
	require.NoError(t, err)
	defer src.Close()

	dst, err := fdutil.NewPipe(false)
	require.NoError(t, err)
	defer dst.Close()

	d, err := Start(src.Read, dst.Write, 200*time.Millisecond)
	require.NoError(t, err)

	before := d.LastActivity()

	msg := []byte("hello tether")
	_, err = unix.Write(src.Write, msg)
	require.NoError(t, err)

	buf := make([]byte, len(msg))
	readDeadline := time.Now().Add(2 * time.Second)
	var total int
	for total < len(msg) && time.Now().Before(readDeadline) {
		n, _ := unix.Read(dst.Read, buf[total:])
		total += n
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
	assert.Equal(t, msg, buf)
	assert.True(t, d.LastActivity().Sub(before) >= 0)

	d.Stop()
	_ = d.Wait()
}

func TestDrainExitsWhenSourceClosed(t *testing.T) {
	src, err := fdutil.NewPipe(true)
	require.NoError(t, err)

	dst, err := fdutil.NewPipe(false)
	require.NoError(t, err)
	defer dst.Close()

	d, err := Start(src.Read, dst.Write, 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, unix.Close(src.Write)) // write end gone: reader sees EOF (FIONREAD==0)
	defer unix.Close(src.Read)

	done := make(chan error, 1)
	go func() { done <- d.Wait() }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("drain thread did not exit after source closed")
	}
}

func TestPingDoesNotBlock(t *testing.T) {
	src, err := fdutil.NewPipe(true)
	require.NoError(t, err)
	defer src.Close()

	dst, err := fdutil.NewPipe(false)
	require.NoError(t, err)
	defer dst.Close()

	d, err := Start(src.Read, dst.Write, 50*time.Millisecond)
	require.NoError(t, err)
	defer func() {
		d.Stop()
		_ = d.Wait()
	}()

	assert.NotPanics(t, func() {
		d.Ping()
		d.Ping()
	})
}
