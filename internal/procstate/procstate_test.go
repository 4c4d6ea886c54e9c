package procstate

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSampleSelfIsRunning(t *testing.T) {
	assert.Equal(t, Running, Sample(os.Getpid()))
}

func TestSampleGonePid(t *testing.T) {
	// pid 1 always exists on a real system but a very large, almost
	// certainly unassigned pid should not.
	assert.Equal(t, Gone, Sample(1<<30))
}

func TestIsStoppedFalseForRunning(t *testing.T) {
	assert.False(t, IsStopped(os.Getpid()))
}
