package reexec

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActiveReflectsSentinel(t *testing.T) {
	require.NoError(t, os.Unsetenv(envSentinel))
	assert.False(t, Active())

	require.NoError(t, os.Setenv(envSentinel, "1"))
	defer os.Unsetenv(envSentinel)
	assert.True(t, Active())
}

func TestSubstituteEnvVarForm(t *testing.T) {
	os.Unsetenv("WATCHDOG_TEST_TETHERNAME")
	defer os.Unsetenv("WATCHDOG_TEST_TETHERNAME")

	argv := []string{"myserver", "--flag"}
	require.NoError(t, substitute("WATCHDOG_TEST_TETHERNAME", 7, argv))
	assert.Equal(t, "7", os.Getenv("WATCHDOG_TEST_TETHERNAME"))
}

func TestSubstituteArgvForm(t *testing.T) {
	argv := []string{"myserver", "--fd=TETHERFD", "other"}
	require.NoError(t, substitute("TETHERFD", 9, argv))
	assert.Equal(t, "--fd=9", argv[1])
}

func TestSubstituteNotFound(t *testing.T) {
	argv := []string{"myserver", "--flag"}
	err := substitute("NOWHERE_TOKEN", 9, argv)
	assert.Error(t, err)
}

func TestSubstituteNeverTouchesArgvZero(t *testing.T) {
	argv := []string{"TOKEN", "--flag=TOKEN"}
	require.NoError(t, substitute("TOKEN", 3, argv))
	assert.Equal(t, "TOKEN", argv[0])
	assert.Equal(t, "--flag=3", argv[1])
}

func TestStripSentinelRemovesReexecVars(t *testing.T) {
	env := []string{
		"PATH=/bin",
		envSentinel + "=1",
		envName + "=FOO",
		envTether + "=3",
		envWatchdogIn + "=123",
		envTimeoutIn + "=30000",
		"OTHER=keep",
	}
	out := stripSentinel(env)
	assert.ElementsMatch(t, []string{"PATH=/bin", "OTHER=keep"}, out)
}

func TestNameEnvPatternDistinguishesFormCorrectly(t *testing.T) {
	assert.True(t, nameEnvPattern.MatchString("TETHERFD"))
	assert.True(t, nameEnvPattern.MatchString("A_B9"))
	assert.False(t, nameEnvPattern.MatchString("tetherfd"))
	assert.False(t, nameEnvPattern.MatchString("9FD"))
}
