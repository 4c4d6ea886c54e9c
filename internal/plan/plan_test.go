package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestZeroTargetRejected(t *testing.T) {
	_, err := New(Step{Target: 0, Signal: unix.SIGTERM})
	assert.Error(t, err)
}

func TestRepeatsLastEntry(t *testing.T) {
	p, err := New(
		Step{Target: 100, Signal: unix.SIGTERM},
		Step{Target: 100, Signal: unix.SIGKILL},
	)
	require.NoError(t, err)

	assert.Equal(t, unix.SIGTERM, p.At(0).Signal)
	assert.Equal(t, unix.SIGKILL, p.At(1).Signal)
	assert.Equal(t, unix.SIGKILL, p.At(2).Signal)
	assert.Equal(t, unix.SIGKILL, p.At(100).Signal)
}

func TestNextIndexClampsAtEnd(t *testing.T) {
	p, err := New(Step{Target: 100, Signal: unix.SIGTERM}, Step{Target: 100, Signal: unix.SIGKILL})
	require.NoError(t, err)
	idx := 0
	idx = p.NextIndex(idx)
	assert.Equal(t, 1, idx)
	idx = p.NextIndex(idx)
	assert.Equal(t, 1, idx)
}

func TestEscalationArmIdempotent(t *testing.T) {
	p, err := SharedGroupPlan(int(^uint(0)>>1) - 1) // an unlikely-to-exist pid
	require.NoError(t, err)
	e := NewEscalation(p)
	assert.False(t, e.Armed())
	e.Arm()
	assert.True(t, e.Armed())
	_, fired, _ := e.Fire()
	assert.True(t, fired)
	e.Arm() // no-op, already armed
	assert.True(t, e.Armed())
}

func TestOwnGroupPlanOrder(t *testing.T) {
	p, err := OwnGroupPlan(42, 42)
	require.NoError(t, err)
	assert.Equal(t, Target(42), p.At(0).Target)
	assert.Equal(t, unix.SIGTERM, p.At(0).Signal)
	assert.Equal(t, Target(-42), p.At(1).Target)
	assert.Equal(t, unix.SIGKILL, p.At(1).Signal)
}

func TestDeliverTreatsESRCHAsBenign(t *testing.T) {
	// A pid that (almost certainly) does not exist.
	err := Deliver(Step{Target: Target(int(^uint32(0) >> 1)), Signal: unix.SIGTERM})
	assert.NoError(t, err)
}
