// Package watchdog implements the §4.3 supervision core: the event
// loop that owns the child-status pipe, the umbilical socket, and the
// tether drain thread's control pipe, plus the five timers that decide
// when a silent, orphaned, or umbilically-abandoned child gets
// escalated signals and when the whole watchdog can finally exit.
package watchdog

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ninelife/watchdog/internal/child"
	"github.com/ninelife/watchdog/internal/clock"
	"github.com/ninelife/watchdog/internal/config"
	"github.com/ninelife/watchdog/internal/errs"
	"github.com/ninelife/watchdog/internal/eventloop"
	"github.com/ninelife/watchdog/internal/fdutil"
	"github.com/ninelife/watchdog/internal/netpoll"
	"github.com/ninelife/watchdog/internal/pidfile"
	"github.com/ninelife/watchdog/internal/plan"
	"github.com/ninelife/watchdog/internal/procstate"
	"github.com/ninelife/watchdog/internal/sigdispatch"
	"github.com/ninelife/watchdog/internal/tether"
	"github.com/ninelife/watchdog/internal/umbilical"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// tetherCycleLimit is §4.3.d's cycle limit: dividing the user tether
// timeout into two halves lets a stopped child be detected and
// deferred in the first half before the second half declares silence.
const tetherCycleLimit = 2

// orphanPeriod is the fixed 3s period for the orphan-check timer.
const orphanPeriod = 3 * clock.Second

// Watchdog is one running instance of the supervision core, built by
// New (which performs §4.2's fork/plumbing sequence) and driven to
// completion by Run (§4.3 plus its completion sequence).
type Watchdog struct {
	cfg   *config.Config
	start time.Time

	child      *child.Process
	plan       *plan.Plan
	escalation *plan.EscalationState

	um          *umbilical.Monitor
	umbilicalFd int // watchdog's (parent) end

	drain      *tether.Drain
	quietSink  *os.File
	untethered bool

	pf *pidfile.File

	sigs *sigdispatch.Table

	placeholders *fdutil.PlaceholderSource

	loop *eventloop.Loop

	tetherTimer        *eventloop.Timer
	umbilicalTimer     *eventloop.Timer
	orphanTimer        *eventloop.Timer
	terminationTimer   *eventloop.Timer
	disconnectionTimer *eventloop.Timer

	signalPeriod clock.Duration

	childDone  bool
	tetherDone bool

	id identify
}

// New implements §4.2 steps 1-14: reserve stdio, build the umbilical,
// tether, child-status, and sync descriptors, launch the child via a
// re-exec'd copy of this binary, publish the pid-file, fork the
// umbilical monitor, and complete the sync handshake that releases the
// child to exec. The returned Watchdog is ready for Run, which drives
// step 15 (the supervision loop) and the completion sequence.
func New(cfg *config.Config) (*Watchdog, error) {
	w := &Watchdog{
		cfg:          cfg,
		start:        time.Now(),
		sigs:         sigdispatch.New(),
		signalPeriod: clock.Seconds(cfg.Timeouts.Signal),
		untethered:   cfg.Untethered,
		tetherDone:   cfg.Untethered,
	}
	w.id.enabled = cfg.Identify
	w.id.setWatchdog(os.Getpid())

	// Step 1: ignore SIGPIPE process-wide so a write to a closing tether
	// or umbilical peer surfaces as EPIPE instead of killing us.
	signal.Ignore(unix.SIGPIPE)

	// Step 2: reserve stdin/stdout/stderr before any further pipe or
	// socket gets created, so none of them can collide with 0/1/2.
	placeholders, err := fdutil.OpenPlaceholders()
	if err != nil {
		return nil, errs.Frame(err, "watchdog: reserve stdio placeholders")
	}
	w.placeholders = placeholders

	// Step 3: umbilical socket pair.
	umSock, err := fdutil.NewSocketPair(true)
	if err != nil {
		return nil, errs.Frame(err, "watchdog: create umbilical socket")
	}

	// Steps 4-5: tether pipe and child-status pipe.
	childProc, err := child.New()
	if err != nil {
		umSock.Close()
		return nil, errs.Frame(err, "watchdog: create child pipes")
	}
	w.child = childProc

	// Step 6: install the SIGCHLD watch before forking.
	w.sigs.Register(unix.SIGCHLD, w.onSigchld)
	w.sigs.Start()

	// Step 7: sync socket pair.
	syncSock, err := fdutil.NewSocketPair(false)
	if err != nil {
		umSock.Close()
		childProc.Close()
		return nil, errs.Frame(err, "watchdog: create sync socket")
	}

	// Step 8: launch (re-exec'd fork+pre-exec+exec).
	launchSpec := child.LaunchSpec{
		Command:            cfg.Command,
		Name:               cfg.Name,
		TetherFd:           cfg.TetherFd,
		Setpgid:            cfg.Setpgid,
		SyncSocket:         syncSock,
		WatchdogPid:        os.Getpid(),
		UmbilicalTimeoutMs: clock.Seconds(cfg.Timeouts.Umbilical).AsTimeDuration().Milliseconds(),
	}
	if err := childProc.Launch(launchSpec); err != nil {
		umSock.Close()
		syncSock.Close()
		childProc.Close()
		return nil, errs.Frame(err, "watchdog: launch child")
	}
	w.id.setChild(childProc.Pid)
	_ = unix.Close(syncSock.Child)

	// Step 9: install the forwarded/job-control signal watches only
	// after the child exists, so that before this point the same
	// signals terminate the watchdog outright (default disposition)
	// and thereby the still-blocked child.
	w.sigs.Register(unix.SIGHUP, w.onForwarded)
	w.sigs.Register(unix.SIGINT, w.onForwarded)
	w.sigs.Register(unix.SIGQUIT, w.onForwarded)
	w.sigs.Register(unix.SIGTERM, w.onForwarded)
	w.sigs.Register(unix.SIGTSTP, w.onTstp)
	w.sigs.Register(unix.SIGCONT, w.onCont)

	// Step 10: publish the pid-file.
	if cfg.PidFile != "" {
		pf, err := pidfile.Create(cfg.PidFile, childProc.Pid)
		if err != nil {
			w.teardownOnLaunchFailure(umSock, syncSock)
			return nil, errs.Frame(err, "watchdog: create pidfile")
		}
		if err := pf.AdvanceMtime(w.start); err != nil {
			logrus.WithError(err).Warn("watchdog: pidfile mtime advance failed")
		}
		w.pf = pf
	}

	// Step 11: close placeholders, dup2 the tether read-end onto stdin.
	_ = placeholders.Close()
	if !cfg.Untethered {
		if err := unix.Dup2(childProc.TetherPipe.Read, unix.Stdin); err != nil {
			w.teardownOnLaunchFailure(umSock, syncSock)
			return nil, errs.Frame(err, "watchdog: dup2 tether onto stdin")
		}
		// Step 12: close the original tether read fd (now duplicated
		// onto 0). No other descriptors are purged here.
		if childProc.TetherPipe.Read != unix.Stdin {
			_ = unix.Close(childProc.TetherPipe.Read)
		}
	}

	// Step 13: fork the umbilical monitor, then close our copy of its
	// socket end.
	um, err := umbilical.Spawn(umSock.Child, pidfileReadFd(w.pf), os.Getpid(),
		clock.Seconds(cfg.Timeouts.Umbilical/2).AsTimeDuration(), childProc.Pgid)
	if err != nil {
		w.teardownOnLaunchFailure(umSock, syncSock)
		return nil, errs.Frame(err, "watchdog: spawn umbilical")
	}
	w.um = um
	w.umbilicalFd = umSock.Parent
	_ = unix.Close(umSock.Child)
	w.id.setUmbilical(um.Pid)

	// Step 14: handshake. Writing releases the child's blocked sync
	// read; the subsequent read observes the child's own close of its
	// sync fd (EOF) as confirmation, or ECONNRESET if the child already
	// died before reaching that point.
	var b [1]byte
	b[0] = 1
	if _, err := unix.Write(syncSock.Parent, b[:]); err != nil {
		w.teardownOnLaunchFailure(umSock, syncSock)
		return nil, errs.Frame(err, "watchdog: sync handshake write")
	}
	if _, err := unix.Read(syncSock.Parent, b[:]); err != nil && err != unix.ECONNRESET {
		w.teardownOnLaunchFailure(umSock, syncSock)
		return nil, errs.Frame(err, "watchdog: sync handshake read")
	}
	_ = unix.Close(syncSock.Parent)

	return w, nil
}

func (w *Watchdog) teardownOnLaunchFailure(umSock, syncSock fdutil.SocketPair) {
	umSock.Close()
	syncSock.Close()
	if w.child != nil {
		w.child.Close()
	}
}

func pidfileReadFd(pf *pidfile.File) int {
	if pf == nil {
		return -1
	}
	return pf.Fd()
}

// Run drives step 15, the §4.3 supervision loop, to completion and then
// runs the shutdown sequence, returning the exit code to give the
// process per §7.
func (w *Watchdog) Run() (int, error) {
	loop, err := eventloop.New()
	if err != nil {
		return 255, errs.Frame(err, "watchdog: open loop")
	}
	loop.Strict = w.cfg.Debug
	w.loop = loop
	defer loop.Close()

	p, err := w.child.DefaultPlan()
	if err != nil {
		return 255, errs.Frame(err, "watchdog: build escalation plan")
	}
	w.plan = p
	w.escalation = plan.NewEscalation(p)

	if !w.untethered {
		dstFd := unix.Stdout
		if w.cfg.Quiet {
			f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
			if err != nil {
				return 255, errs.Frame(err, "watchdog: open quiet sink")
			}
			w.quietSink = f
			dstFd = int(f.Fd())
		}
		drain, err := tether.Start(unix.Stdin, dstFd, clock.Seconds(w.cfg.Timeouts.Drain).AsTimeDuration())
		if err != nil {
			return 255, errs.Frame(err, "watchdog: start tether drain")
		}
		w.drain = drain

		if err := loop.AddFd(drain.ControlFd(), netpoll.EventHangup, w.onTetherDisconnect); err != nil {
			return 255, errs.Frame(err, "watchdog: subscribe tether control")
		}
		w.tetherTimer = loop.AddTimer("tether", clock.Seconds(w.cfg.Timeouts.Tether/2), w.onTetherTimeout)
	}

	if err := loop.AddFd(w.child.StatusPipe.Read, netpoll.EventReadable, w.onChildStatus); err != nil {
		return 255, errs.Frame(err, "watchdog: subscribe child status")
	}
	if err := loop.AddFd(w.umbilicalFd, netpoll.EventHangup, w.onUmbilicalDisconnect); err != nil {
		return 255, errs.Frame(err, "watchdog: subscribe umbilical socket")
	}

	w.umbilicalTimer = loop.AddTimer("umbilical", clock.Seconds(w.cfg.Timeouts.Umbilical/2), w.onUmbilicalKeepalive)
	if w.cfg.Orphaned {
		w.orphanTimer = loop.AddTimer("orphan", orphanPeriod, w.onOrphanCheck)
	}
	w.terminationTimer = loop.AddTimer("termination", 0, w.onTerminationTimer)
	w.disconnectionTimer = loop.AddTimer("disconnection", 0, w.onDisconnectionPing)

	runErr := loop.Run(func() bool { return w.childDone && w.tetherDone })
	if runErr != nil {
		errs.Abort(w.start, runErr) // never returns
	}

	return w.shutdown()
}

// onSigchld is §4.7's SIGCHLD handler: sample the child's state and
// either mark the status pipe readable (running/continued) or close
// its write end (terminated), waking the event loop's §4.3.a dispatch
// either way.
func (w *Watchdog) onSigchld(sig os.Signal) {
	switch procstate.Sample(w.child.Pid) {
	case procstate.Zombie, procstate.Gone:
		_ = unix.Close(w.child.StatusPipe.Write)
	default:
		b := [1]byte{1}
		_, _ = unix.Write(w.child.StatusPipe.Write, b[:])
	}
}

// onForwarded implements §4.7's "HUP, INT, QUIT, TERM delivered to the
// child only" rule.
func (w *Watchdog) onForwarded(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	_ = unix.Kill(w.child.Pid, unix.Signal(s))
}

// onTstp pauses the child's process group and then stops the watchdog
// itself, so a shell job-control stop suspends both coherently.
func (w *Watchdog) onTstp(sig os.Signal) {
	_ = unix.Kill(-w.child.Pgid, unix.SIGSTOP)
	_ = unix.Kill(os.Getpid(), unix.SIGSTOP)
}

// onCont propagates CONT to the child's group whenever the watchdog
// itself resumes, whether from an external SIGCONT or the wake that
// follows onTstp's self-SIGSTOP.
func (w *Watchdog) onCont(sig os.Signal) {
	_ = unix.Kill(-w.child.Pgid, unix.SIGCONT)
}

// onChildStatus implements §4.3.a.
func (w *Watchdog) onChildStatus(l *eventloop.Loop, fd int, events netpoll.Event) error {
	var b [1]byte
	n, err := unix.Read(fd, b[:])
	if n > 0 {
		if w.tetherTimer != nil {
			w.tetherTimer.Rearm(l.Now())
			w.tetherTimer.SetCycles(0)
		}
		return nil
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return nil
		}
		return errs.Frame(err, "watchdog: child status read")
	}
	// EOF: the SIGCHLD handler closed the write end because the child
	// has terminated.
	_ = l.RemoveFd(fd)
	w.childDone = true
	if w.drain != nil {
		w.drain.Ping()
	}
	if w.disconnectionTimer != nil {
		w.disconnectionTimer.Period = clock.Second
		w.disconnectionTimer.Rearm(l.Now())
	}
	return nil
}

// onUmbilicalDisconnect implements §4.3.b.
func (w *Watchdog) onUmbilicalDisconnect(l *eventloop.Loop, fd int, events netpoll.Event) error {
	_ = l.RemoveFd(fd)
	if w.umbilicalTimer != nil {
		w.umbilicalTimer.Disable()
	}
	if w.tetherTimer != nil {
		w.tetherTimer.Disable()
	}
	return w.armTermination(l)
}

// onTetherDisconnect implements §4.3.c.
func (w *Watchdog) onTetherDisconnect(l *eventloop.Loop, fd int, events netpoll.Event) error {
	_ = l.RemoveFd(fd)
	w.tetherDone = true
	return nil
}

// onTetherTimeout implements §4.3.d.
func (w *Watchdog) onTetherTimeout(l *eventloop.Loop, t *eventloop.Timer) error {
	if procstate.IsStopped(w.child.Pid) {
		t.SetCycles(0)
		return nil
	}
	if w.drain != nil {
		last := w.drain.LastActivity()
		if l.Now().Sub(last) < t.Period {
			t.Rearm(last)
			return nil
		}
	}
	t.SetCycles(t.Cycles() + 1)
	if t.Cycles() >= tetherCycleLimit {
		t.Disable()
		return w.armTermination(l)
	}
	return nil
}

// onUmbilicalKeepalive implements §4.3.e.
func (w *Watchdog) onUmbilicalKeepalive(l *eventloop.Loop, t *eventloop.Timer) error {
	err := umbilical.Ping(w.umbilicalFd)
	if err == nil {
		return nil
	}
	if err == unix.EPIPE || err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return nil
	}
	if err == unix.EINTR {
		// Anchor one period back so the deadline is now and the timer
		// refires on the next iteration.
		t.Rearm(l.Now().Add(-t.Period))
		return nil
	}
	return errs.Frame(err, "watchdog: umbilical keepalive")
}

// onOrphanCheck implements §4.3.f.
func (w *Watchdog) onOrphanCheck(l *eventloop.Loop, t *eventloop.Timer) error {
	if unix.Getppid() == 1 {
		t.Disable()
		return w.armTermination(l)
	}
	return nil
}

// onTerminationTimer implements §4.3.g's periodic escalation firing.
func (w *Watchdog) onTerminationTimer(l *eventloop.Loop, t *eventloop.Timer) error {
	if !w.escalation.Armed() {
		return nil
	}
	return w.fireTermination()
}

// onDisconnectionPing implements §4.3.h.
func (w *Watchdog) onDisconnectionPing(l *eventloop.Loop, t *eventloop.Timer) error {
	if w.drain != nil {
		w.drain.Ping()
	}
	return nil
}

// armTermination implements the idle->armed(0) transition shared by
// §4.3.b/d/f: arm the escalation state machine, deliver its first step
// immediately, then let the termination timer re-fire every
// signalPeriod for subsequent steps.
func (w *Watchdog) armTermination(l *eventloop.Loop) error {
	if w.escalation.Armed() {
		return nil
	}
	w.escalation.Arm()
	if err := w.fireTermination(); err != nil {
		return err
	}
	if w.terminationTimer != nil {
		w.terminationTimer.Period = w.signalPeriod
		w.terminationTimer.Rearm(l.Now())
	}
	return nil
}

func (w *Watchdog) fireTermination() error {
	_, _, err := w.escalation.Fire()
	if err != nil {
		return errs.Frame(err, "watchdog: termination signal")
	}
	return nil
}

// shutdown implements §4.3's six-step completion sequence, run once
// both the child and tether subscriptions have disabled themselves.
func (w *Watchdog) shutdown() (int, error) {
	// 1. Unhook SIGCONT, the forwarded signals, and SIGCHLD.
	w.sigs.Stop()

	// 2. Release and close the pid-file.
	if w.pf != nil {
		if err := w.pf.Release(); err != nil {
			logrus.WithError(err).Warn("watchdog: pidfile release")
		}
		if err := w.pf.Close(); err != nil {
			logrus.WithError(err).Warn("watchdog: pidfile close")
		}
	}

	// 3. Attempt a clean umbilical shutdown, bounded by the signal
	// timeout; on expiry proceed without it.
	if w.um != nil {
		_ = umbilical.Shutdown(w.umbilicalFd)
		waited := make(chan error, 1)
		go func() { waited <- w.um.Wait() }()
		select {
		case <-waited:
		case <-time.After(w.signalPeriod.AsTimeDuration()):
			logrus.Warn("watchdog: umbilical monitor did not exit within the signal timeout")
		}
	}

	// 4. Kill the child's process group, best-effort.
	if w.child.Pgid != 0 {
		_ = unix.Kill(-w.child.Pgid, unix.SIGKILL)
	}

	// 5. Reap the child and translate its exit status.
	state, waitErr := w.child.Wait()
	if waitErr != nil {
		logrus.WithError(waitErr).Warn("watchdog: child reap")
	}
	code := exitCode(state)

	// 6. Close the umbilical socket and reset SIGPIPE.
	_ = unix.Close(w.umbilicalFd)
	if w.quietSink != nil {
		_ = w.quietSink.Close()
	}
	signal.Reset(unix.SIGPIPE)

	return code, nil
}

// exitCode implements §7: 0-127 mirrors the child's own exit status,
// 128+N means terminated by signal N, 255 is the watchdog-internal
// failure default.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return 255
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		return 255
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus()
	case ws.Signaled():
		return 128 + int(ws.Signal())
	default:
		return 255
	}
}

// identify implements the §6 `-i/--identify` two-line form
// ("<watchdog> <umbilical>\n<child>\n"), flushing each line as soon as
// its pids are known and never writing line 2 before line 1.
type identify struct {
	enabled          bool
	wrote1, wrote2   bool
	wpid, upid, cpid int
}

func (id *identify) setWatchdog(pid int) { id.wpid = pid; id.flush1() }
func (id *identify) setUmbilical(pid int) { id.upid = pid; id.flush1() }
func (id *identify) setChild(pid int) { id.cpid = pid; id.flush2() }

func (id *identify) flush1() {
	if !id.enabled || id.wrote1 || id.wpid == 0 || id.upid == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "%d %d\n", id.wpid, id.upid)
	id.wrote1 = true
	id.flush2() // the child pid may already be known, held back until now
}

func (id *identify) flush2() {
	// Line 2 can never precede line 1, regardless of the order setChild
	// and setUmbilical are actually called in.
	if !id.enabled || id.wrote2 || !id.wrote1 || id.cpid == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "%d\n", id.cpid)
	id.wrote2 = true
}
