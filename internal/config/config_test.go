package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandAfterDash(t *testing.T) {
	cfg, err := Parse([]string{"--pidfile", "/tmp/foo.pid", "--", "sleep", "5"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/foo.pid", cfg.PidFile)
	assert.Equal(t, []string{"sleep", "5"}, cfg.Command)
	assert.False(t, cfg.PrintOnly())
}

func TestParsePrintOnlyMode(t *testing.T) {
	cfg, err := Parse([]string{"--pidfile", "/tmp/foo.pid"})
	require.NoError(t, err)
	assert.Empty(t, cfg.Command)
	assert.True(t, cfg.PrintOnly())
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--", "true"})
	require.NoError(t, err)
	assert.Equal(t, defaultTetherFd, cfg.TetherFd)
	assert.Equal(t, defaultTimeouts, cfg.Timeouts)
	assert.False(t, cfg.Untethered)
	assert.False(t, cfg.Setpgid)
}

func TestParseFdAllocateSentinel(t *testing.T) {
	cfg, err := Parse([]string{"-f", "-", "--", "true"})
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.TetherFd)
}

func TestParseFdExplicitNumber(t *testing.T) {
	cfg, err := Parse([]string{"-f", "7", "--", "true"})
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.TetherFd)
}

func TestParseFdRejectsGarbage(t *testing.T) {
	_, err := Parse([]string{"-f", "nope", "--", "true"})
	assert.Error(t, err)
}

func TestParseTimeoutPartial(t *testing.T) {
	cfg, err := Parse([]string{"-t", "5,,15", "--", "true"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, cfg.Timeouts.Tether)
	assert.Equal(t, defaultTimeouts.Umbilical, cfg.Timeouts.Umbilical)
	assert.Equal(t, 15.0, cfg.Timeouts.Signal)
	assert.Equal(t, defaultTimeouts.Drain, cfg.Timeouts.Drain)
}

func TestParseTimeoutTooManyComponents(t *testing.T) {
	_, err := Parse([]string{"-t", "1,2,3,4,5", "--", "true"})
	assert.Error(t, err)
}

func TestParseBoolFlags(t *testing.T) {
	cfg, err := Parse([]string{"-q", "-u", "-s", "-o", "-d", "--", "true"})
	require.NoError(t, err)
	assert.True(t, cfg.Quiet)
	assert.True(t, cfg.Untethered)
	assert.True(t, cfg.Setpgid)
	assert.True(t, cfg.Orphaned)
	assert.True(t, cfg.Debug)
}

func TestTetherFdValueStringRoundTrip(t *testing.T) {
	var v tetherFdValue
	require.NoError(t, v.Set("-"))
	assert.Equal(t, "-", v.String())

	require.NoError(t, v.Set("3"))
	assert.Equal(t, "3", v.String())
	assert.Equal(t, "fd", v.Type())
}

func TestTimeoutsValueStringRoundTrip(t *testing.T) {
	tm := defaultTimeouts
	v := timeoutsValue{t: &tm}
	require.NoError(t, v.Set("1,2,3,4"))
	assert.Equal(t, "1,2,3,4", v.String())
	assert.Equal(t, "T,U,V,W", v.Type())
}
