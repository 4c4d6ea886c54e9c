package latch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLatchSetResetRoundTrip(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Set())
	assert.Equal(t, On, l.Value())
	require.NoError(t, l.Reset())
	assert.Equal(t, Off, l.Value())
	require.NoError(t, l.Reset())
	assert.Equal(t, Off, l.Value())
}

func TestLatchRejectsAfterDisable(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Set())
	l.Disable()
	err := l.Set()
	assert.Error(t, err)
	assert.Equal(t, Disabled, l.Value())
	err = l.Reset()
	assert.Error(t, err)
	assert.Equal(t, Disabled, l.Value())
}

func TestLatchBindsEventPipe(t *testing.T) {
	p, err := NewEventPipe()
	require.NoError(t, err)
	defer p.Close()

	l := New(p)
	require.NoError(t, l.Set())
	assert.True(t, p.Drain())
	assert.False(t, p.Drain())
}

func TestEventPipeCollapsesMultipleSets(t *testing.T) {
	p, err := NewEventPipe()
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Mark()
	}
	assert.True(t, p.Drain())
	assert.False(t, p.Drain())
}

func TestEventPipeResetWithoutSetObservesNothing(t *testing.T) {
	p, err := NewEventPipe()
	require.NoError(t, err)
	defer p.Close()
	assert.False(t, p.Drain())
}

func TestLatchErrIsERANGE(t *testing.T) {
	l := New(nil)
	l.Disable()
	err := l.Set()
	require.Error(t, err)
	assert.ErrorIs(t, err, unix.ERANGE)
}
