package watchdog

import (
	"os"
	"os/exec"
	"testing"

	"github.com/ninelife/watchdog/internal/child"
	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/eventloop"
	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/ninelife/watchdog/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func runAndWait(t *testing.T, args ...string) *os.ProcessState {
	t.Helper()
	cmd := exec.Command(args[0], args[1:]...)
	require.NoError(t, cmd.Start())
	_ = cmd.Wait()
	require.NotNil(t, cmd.ProcessState)
	return cmd.ProcessState
}

func TestExitCodeNilStateIsWatchdogFailure(t *testing.T) {
	assert.Equal(t, 255, exitCode(nil))
}

func TestExitCodeMirrorsChildExitStatus(t *testing.T) {
	state := runAndWait(t, "sh", "-c", "exit 7")
	assert.Equal(t, 7, exitCode(state))
}

func TestExitCodeMirrorsTerminatingSignal(t *testing.T) {
	state := runAndWait(t, "sh", "-c", "kill -TERM $$")
	assert.Equal(t, 128+int(unix.SIGTERM), exitCode(state))
}

func TestIdentifyFlushesLine1OnlyOnceBothPidsKnown(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	id := identify{enabled: true}
	id.setWatchdog(111)
	assert.False(t, id.wrote1)
	id.setUmbilical(222)
	assert.True(t, id.wrote1)

	w.Close()
	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, "111 222\n", string(buf[:n]))
}

func TestIdentifyChildKnownBeforeUmbilicalStillOrdersLinesCorrectly(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	// New() learns the child's pid (right after Launch) well before the
	// umbilical's (spawned several steps later); line 2 must still not
	// appear before line 1 on the wire.
	id := identify{enabled: true}
	id.setWatchdog(111)
	id.setChild(333)
	assert.False(t, id.wrote1)
	assert.False(t, id.wrote2)
	id.setUmbilical(222)
	assert.True(t, id.wrote1)
	assert.True(t, id.wrote2)

	w.Close()
	buf := make([]byte, 64)
	n, _ := r.Read(buf)
	assert.Equal(t, "111 222\n333\n", string(buf[:n]))
}

func TestIdentifyDisabledWritesNothing(t *testing.T) {
	id := identify{enabled: false}
	id.setWatchdog(1)
	id.setUmbilical(2)
	id.setChild(3)
	assert.False(t, id.wrote1)
	assert.False(t, id.wrote2)
}

func TestOnChildStatusEOFMarksDoneAndArmsDisconnection(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	status, err := fdutil.NewBothNonblockPipe()
	require.NoError(t, err)
	require.NoError(t, unix.Close(status.Write)) // simulate SIGCHLD handler closing write end

	w := &Watchdog{child: &child.Process{StatusPipe: status}}
	w.disconnectionTimer = loop.AddTimer("disconnection", 0, w.onDisconnectionPing)

	require.NoError(t, w.onChildStatus(loop, status.Read, 0))

	assert.True(t, w.childDone)
	assert.Equal(t, clock.Second, w.disconnectionTimer.Period)

	unix.Close(status.Read)
}

func TestOnTetherDisconnectMarksTetherDone(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	w := &Watchdog{}
	assert.NoError(t, w.onTetherDisconnect(loop, -1, 0))
	assert.True(t, w.tetherDone)
}

func TestArmTerminationArmsAndSetsSignalPeriod(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	p, err := plan.New(
		plan.Step{Target: plan.Target(999999), Signal: unix.SIGTERM},
		plan.Step{Target: plan.Target(999999), Signal: unix.SIGKILL},
	)
	require.NoError(t, err)

	w := &Watchdog{
		plan:         p,
		escalation:   plan.NewEscalation(p),
		signalPeriod: clock.Seconds(1),
	}
	w.terminationTimer = loop.AddTimer("termination", 0, w.onTerminationTimer)

	require.NoError(t, w.armTermination(loop))

	assert.True(t, w.escalation.Armed())
	assert.Equal(t, w.signalPeriod, w.terminationTimer.Period)
}

func TestArmTerminationIsIdempotent(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	p, err := plan.New(plan.Step{Target: plan.Target(999999), Signal: unix.SIGTERM})
	require.NoError(t, err)

	calls := 0
	w := &Watchdog{plan: p, escalation: plan.NewEscalation(p), signalPeriod: clock.Seconds(1)}
	w.terminationTimer = loop.AddTimer("termination", 0, func(l *eventloop.Loop, t *eventloop.Timer) error {
		calls++
		return nil
	})

	require.NoError(t, w.armTermination(loop))
	require.NoError(t, w.armTermination(loop))

	assert.Equal(t, 0, calls) // arming never fires the timer callback itself
}

func TestOnDisconnectionPingDoesNotPanicWithoutDrain(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	w := &Watchdog{}
	assert.NotPanics(t, func() {
		_ = w.onDisconnectionPing(loop, nil)
	})
}

func TestPidfileReadFdNilReturnsNegativeOne(t *testing.T) {
	assert.Equal(t, -1, pidfileReadFd(nil))
}
