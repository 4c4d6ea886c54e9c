package child

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestNewCreatesPipes(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	assert.GreaterOrEqual(t, p.TetherPipe.Read, 0)
	assert.GreaterOrEqual(t, p.TetherPipe.Write, 0)
	assert.GreaterOrEqual(t, p.StatusPipe.Read, 0)
	assert.GreaterOrEqual(t, p.StatusPipe.Write, 0)

	flags, err := unix.FcntlInt(uintptr(p.TetherPipe.Read), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK)
}

func TestDefaultPlanSharedGroup(t *testing.T) {
	p := &Process{Pid: 100, Pgid: 200}
	plan, err := p.DefaultPlan()
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, plan.At(0).Signal)
	assert.Equal(t, unix.SIGKILL, plan.At(1).Signal)
}

func TestDefaultPlanOwnGroup(t *testing.T) {
	p := &Process{Pid: 100, Pgid: 100}
	plan, err := p.DefaultPlan()
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, plan.At(0).Signal)
	assert.Equal(t, unix.SIGKILL, plan.At(1).Signal)
}

func TestKillRejectsUnknownPid(t *testing.T) {
	p := &Process{}
	err := p.Kill(1, unix.SIGTERM)
	assert.Error(t, err)
}

func TestKillToleratesESRCH(t *testing.T) {
	p := &Process{Pid: 1}
	// An implausible pid that almost certainly does not exist.
	err := p.Kill(1<<30, unix.SIGTERM)
	assert.NoError(t, err)
}
