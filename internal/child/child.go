// Package child implements the §3 ChildProcess data model and the
// §4.2 launch protocol, adapted to Go's fork/exec model: the actual
// fork+pre-exec work (steps 8a-8d) happens in a re-exec'd copy of this
// binary (internal/reexec), not in a forked-but-not-yet-exec'd Go
// runtime, which cannot safely run arbitrary Go code.
package child

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/ninelife/watchdog/internal/latch"
	"github.com/ninelife/watchdog/internal/plan"
	"github.com/ninelife/watchdog/internal/procstate"
	"github.com/ninelife/watchdog/internal/reexec"
	"golang.org/x/sys/unix"
)

// Process is the watchdog-side handle on the supervised child: its
// pid/pgid, the tether and child-status pipes, and two EventLatch
// flags created with no owner; nothing in this package sets them.
type Process struct {
	Pid  int
	Pgid int

	ChildLatch     *latch.EventLatch
	UmbilicalLatch *latch.EventLatch

	TetherPipe fdutil.Pipe // read-end owned by the watchdog
	StatusPipe fdutil.Pipe // both ends nonblocking+cloexec (§4.2 step 5)

	cmd *exec.Cmd
}

// New implements §4.2 steps 4-5: create the tether pipe (read-end
// nonblocking+cloexec, write-end blocking+cloexec in the watchdog; the
// child receives the write end through ExtraFiles) and the
// child-status pipe (both ends nonblocking+cloexec).
func New() (*Process, error) {
	tether, err := fdutil.NewPipe(true)
	if err != nil {
		return nil, errs.Frame(err, "child: create tether pipe")
	}
	status, err := fdutil.NewBothNonblockPipe()
	if err != nil {
		tether.Close()
		return nil, errs.Frame(err, "child: create status pipe")
	}
	return &Process{
		ChildLatch:     latch.New(nil),
		UmbilicalLatch: latch.New(nil),
		TetherPipe:     tether,
		StatusPipe:     status,
	}, nil
}

// LaunchSpec carries everything §4.2's fork step needs from the CLI
// and from the rest of the launch sequence.
type LaunchSpec struct {
	Command    []string // argv, Command[0] is the program
	Name       string   // -n/--name substitution target, "" if unused
	TetherFd   int      // desired fd number for the tether in the child, -1 for natural
	Setpgid    bool     // place the child in its own process group (-s)
	SyncSocket fdutil.SocketPair

	// WatchdogPid and UmbilicalTimeoutMs let an opted-in Go child run
	// internal/libk9's second-opinion watchdog check; UmbilicalTimeoutMs
	// of 0 disables the feature for this launch.
	WatchdogPid        int
	UmbilicalTimeoutMs int64
}

// Launch implements §4.2 step 8: re-exec a copy of this binary with
// the sync and tether fds passed through ExtraFiles and a sentinel
// environment variable describing the rest of the pre-exec work, then
// records the resulting pid (and pgid, when Setpgid is set — Go
// assigns the new process as its own group leader synchronously with
// Start, so the pgid equals the pid at return).
func (p *Process) Launch(spec LaunchSpec) error {
	cmd, err := reexec.Command(reexec.Spec{
		Command:            spec.Command,
		Name:               spec.Name,
		TetherFd:           spec.TetherFd,
		WatchdogPid:        spec.WatchdogPid,
		UmbilicalTimeoutMs: spec.UmbilicalTimeoutMs,
	}, spec.SyncSocket.Child, p.TetherPipe.Write)
	if err != nil {
		return errs.Frame(err, "child: build reexec command")
	}
	if spec.Setpgid {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := cmd.Start(); err != nil {
		return errs.Frame(err, "child: start")
	}

	p.cmd = cmd
	p.Pid = cmd.Process.Pid
	if spec.Setpgid {
		p.Pgid = p.Pid
	} else {
		pgid, err := syscall.Getpgid(p.Pid)
		if err != nil {
			p.Pgid = p.Pid
		} else {
			p.Pgid = pgid
		}
	}
	return nil
}

// Reap implements §4.3.a's child-status handler support: sample the
// child's process state and report whether it is still alive. The
// caller (internal/watchdog) is responsible for translating a
// terminal state into closing the status pipe's write end.
func (p *Process) Reap() procstate.State {
	return procstate.Sample(p.Pid)
}

// Wait reaps the exited child via waitpid, matching §4.3 completion
// step 5. Safe to call only once the status pipe has reported EOF.
func (p *Process) Wait() (*os.ProcessState, error) {
	if p.cmd == nil {
		return nil, errs.Frame(unix.ESRCH, "child: wait before launch")
	}
	err := p.cmd.Wait()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return p.cmd.ProcessState, errs.Frame(err, "child: wait")
		}
	}
	return p.cmd.ProcessState, nil
}

// Kill delivers sig to target per the current escalation step,
// tolerating ESRCH (already dead) via internal/plan's Deliver.
func (p *Process) Kill(target plan.Target, sig unix.Signal) error {
	if p.Pid == 0 {
		return errs.Frame(unix.EINVAL, "child: signal race, pid not yet known")
	}
	return plan.Deliver(plan.Step{Target: target, Signal: sig})
}

// DefaultPlan builds §4.3.g's default escalation plan for this child,
// selecting the shared-group or own-group shape based on whether the
// child was placed in its own process group at launch.
func (p *Process) DefaultPlan() (*plan.Plan, error) {
	if p.Pgid != p.Pid {
		return plan.SharedGroupPlan(p.Pid)
	}
	return plan.OwnGroupPlan(p.Pid, p.Pgid)
}

// Close releases the pipes this side still holds open.
func (p *Process) Close() {
	p.TetherPipe.Close()
	p.StatusPipe.Close()
}
