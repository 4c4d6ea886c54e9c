// Package plan implements the §3 "Pid-signal plan" — an ordered,
// finite list of (target, signal) pairs with a terminal element whose
// last non-terminal pair repeats indefinitely — and the §4.3.g
// termination escalation state machine built on top of it.
package plan

import (
	"github.com/ninelife/watchdog/internal/errs"
	"golang.org/x/sys/unix"
)

// Target identifies a kill(2) target: a positive pid or a negative
// process-group id. Zero is forbidden (§3).
type Target int

// Step is one (target, signal) pair in a Plan.
type Step struct {
	Target Target
	Signal unix.Signal
}

// Plan is an ordered escalation list. The last element repeats
// indefinitely once reached.
type Plan struct {
	steps []Step
}

// New builds a Plan from steps, rejecting a zero Target anywhere.
func New(steps ...Step) (*Plan, error) {
	for _, s := range steps {
		if s.Target == 0 {
			return nil, errs.Frame(unix.EINVAL, "plan: target pid/pgid must not be zero")
		}
	}
	if len(steps) == 0 {
		return nil, errs.Frame(unix.EINVAL, "plan: must have at least one step")
	}
	cp := make([]Step, len(steps))
	copy(cp, steps)
	return &Plan{steps: cp}, nil
}

// SharedGroupPlan is §4.3.g's default for a child that shares the
// watchdog's process group: SIGTERM then SIGKILL to the pid itself.
func SharedGroupPlan(pid int) (*Plan, error) {
	return New(
		Step{Target: Target(pid), Signal: unix.SIGTERM},
		Step{Target: Target(pid), Signal: unix.SIGKILL},
	)
}

// OwnGroupPlan is §4.3.g's default for a child placed in its own
// process group via -s/--setpgid: the watchdog signals the child pid
// alone first (SIGTERM), then escalates to SIGKILL against the whole
// group (-pgid).
func OwnGroupPlan(pid, pgid int) (*Plan, error) {
	return New(
		Step{Target: Target(pid), Signal: unix.SIGTERM},
		Step{Target: Target(-pgid), Signal: unix.SIGKILL},
	)
}

// At returns the step at index, clamped to the last entry once index
// reaches or exceeds the plan's length (the "repeat the last
// non-terminal pair indefinitely" rule).
func (p *Plan) At(index int) Step {
	if index >= len(p.steps) {
		index = len(p.steps) - 1
	}
	return p.steps[index]
}

// Len reports the number of distinct steps before repetition begins.
func (p *Plan) Len() int { return len(p.steps) }

// NextIndex advances index, but never past the last entry, so repeated
// calls settle on repeating the final step.
func (p *Plan) NextIndex(index int) int {
	if index < len(p.steps)-1 {
		return index + 1
	}
	return index
}

// Deliver sends step's signal to its target, tolerating ESRCH (the
// process already died) as specified in §4.3.g. Any other error is
// fatal and is returned wrapped.
func Deliver(step Step) error {
	if err := unix.Kill(int(step.Target), step.Signal); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return errs.Frame(err, "kill")
	}
	return nil
}

// EscalationState is the §4.3.g state machine: {idle, armed(index)}.
type EscalationState struct {
	armed bool
	index int
	plan  *Plan
}

// NewEscalation creates an idle escalation state bound to plan.
func NewEscalation(plan *Plan) *EscalationState {
	return &EscalationState{plan: plan}
}

// Armed reports whether the state machine has transitioned out of
// idle.
func (e *EscalationState) Armed() bool { return e.armed }

// Arm transitions idle -> armed(0). Re-arming an already-armed state
// is a no-op (the existing index is preserved), matching "first
// request" semantics from §4.3.b/d/f.
func (e *EscalationState) Arm() {
	if e.armed {
		return
	}
	e.armed = true
	e.index = 0
}

// Fire delivers the current step and advances the index, returning
// the step that was delivered. It is a no-op (returns the zero Step,
// false) if the state machine is not armed.
func (e *EscalationState) Fire() (Step, bool, error) {
	if !e.armed {
		return Step{}, false, nil
	}
	step := e.plan.At(e.index)
	err := Deliver(step)
	e.index = e.plan.NextIndex(e.index)
	return step, true, err
}
