// Package task defines the task phase machine and invocation enums for orca.
package task

// Phase represents the orchestration state of a task, distinct from the
// tracker's workflow state.
type Phase string

const (
	PhaseBacklog          Phase = "backlog"
	PhaseReady            Phase = "ready"
	PhaseDispatched       Phase = "dispatched"
	PhaseRunning          Phase = "running"
	PhaseInReview         Phase = "in_review"
	PhaseChangesRequested Phase = "changes_requested"
	PhaseAwaitingCI       Phase = "awaiting_ci"
	PhaseDeploying        Phase = "deploying"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
)

// ValidPhases returns all valid phase values.
func ValidPhases() []Phase {
	return []Phase{
		PhaseBacklog, PhaseReady, PhaseDispatched, PhaseRunning,
		PhaseInReview, PhaseChangesRequested, PhaseAwaitingCI,
		PhaseDeploying, PhaseDone, PhaseFailed,
	}
}

// IsValidPhase returns true if the phase is a valid phase value.
func IsValidPhase(p Phase) bool {
	switch p {
	case PhaseBacklog, PhaseReady, PhaseDispatched, PhaseRunning,
		PhaseInReview, PhaseChangesRequested, PhaseAwaitingCI,
		PhaseDeploying, PhaseDone, PhaseFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for phases that end the pipeline. Failed is
// recoverable through an explicit reset to ready.
func IsTerminal(p Phase) bool {
	return p == PhaseDone || p == PhaseFailed
}

// validTransitions enumerates the phase moves the scheduler, sync engine,
// monitors, and the API are allowed to make. Every non-terminal phase may
// move to done (external completion) or failed (cancellation, exhausted
// retries); ready is reachable from any phase that can be reset. Failed
// additionally accepts done so a human marking the issue complete in the
// tracker overrides a local failure.
// Backlog and ready additionally accept running so parent roll-up can
// mark an aggregate task active when a child starts.
var validTransitions = map[Phase][]Phase{
	PhaseBacklog:          {PhaseReady, PhaseRunning, PhaseDone, PhaseFailed},
	PhaseReady:            {PhaseBacklog, PhaseDispatched, PhaseRunning, PhaseDone, PhaseFailed},
	PhaseDispatched:       {PhaseRunning, PhaseReady, PhaseDone, PhaseFailed},
	PhaseRunning:          {PhaseInReview, PhaseReady, PhaseDone, PhaseFailed},
	PhaseInReview:         {PhaseChangesRequested, PhaseAwaitingCI, PhaseReady, PhaseDone, PhaseFailed},
	PhaseChangesRequested: {PhaseDispatched, PhaseReady, PhaseDone, PhaseFailed},
	PhaseAwaitingCI:       {PhaseDeploying, PhaseReady, PhaseDone, PhaseFailed},
	PhaseDeploying:        {PhaseReady, PhaseDone, PhaseFailed},
	PhaseDone:             {},
	PhaseFailed:           {PhaseReady, PhaseBacklog, PhaseDone},
}

// CanTransition reports whether moving a task from one phase to another is
// allowed. Same-phase writes are not transitions.
func CanTransition(from, to Phase) bool {
	if from == to {
		return false
	}
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvocationPhase identifies which pipeline step an invocation executes.
type InvocationPhase string

const (
	InvocationImplement InvocationPhase = "implement"
	InvocationReview    InvocationPhase = "review"
	InvocationFix       InvocationPhase = "fix"
)

// IsValidInvocationPhase returns true for a known invocation phase.
func IsValidInvocationPhase(p InvocationPhase) bool {
	switch p {
	case InvocationImplement, InvocationReview, InvocationFix:
		return true
	default:
		return false
	}
}

// DispatchPhase maps a dispatchable task phase to the invocation phase the
// scheduler spawns from it. The second return is false for phases the
// scheduler never dispatches.
func DispatchPhase(p Phase) (InvocationPhase, bool) {
	switch p {
	case PhaseReady:
		return InvocationImplement, true
	case PhaseInReview:
		return InvocationReview, true
	case PhaseChangesRequested:
		return InvocationFix, true
	default:
		return "", false
	}
}

// DispatchablePhases returns the phase set from which the scheduler may
// spawn an invocation, in selector order.
func DispatchablePhases() []Phase {
	return []Phase{PhaseReady, PhaseInReview, PhaseChangesRequested}
}

// InvocationStatus tracks the lifecycle of one agent process run.
type InvocationStatus string

const (
	InvocationRunning   InvocationStatus = "running"
	InvocationCompleted InvocationStatus = "completed"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// IsTerminalInvocationStatus returns true once an invocation has ended.
func IsTerminalInvocationStatus(s InvocationStatus) bool {
	return s == InvocationCompleted || s == InvocationFailed || s == InvocationTimedOut
}

// MaxTurnsSummary is the canonical outputSummary for an invocation that
// stopped because the agent hit its turn limit. The resume selector matches
// on it verbatim.
const MaxTurnsSummary = "max turns reached"

// CanceledSummary is the canonical outputSummary recorded when an invocation
// is killed by external cancellation.
const CanceledSummary = "canceled"
