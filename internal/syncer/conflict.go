package syncer

import (
	"github.com/emily-flambe/orca-sub000/internal/task"
	"github.com/emily-flambe/orca-sub000/internal/tracker"
)

// resolution is the outcome of a state-divergence lookup. A zero value
// means fall through: no mutation.
type resolution struct {
	to       task.Phase // "" keeps the local phase
	cancel   bool       // kill the active invocation, if any
	closePRs bool       // close open PRs of the task, fire-and-forget
}

// resolveConflict maps an external workflow state arriving for a task
// in a non-trivial local phase onto an explicit resolution. The table is
// deliberately closed: combinations it does not name leave the task
// untouched, so a transient local phase (deploying, in_review) survives
// a stale tracker echo.
//
// readyType is the configured workflow state type that counts as "ready
// for orca"; tracker moves between that and backlog are followed as
// long as orca has not started work.
func resolveConflict(local task.Phase, external tracker.StateType, readyType tracker.StateType) resolution {
	switch external {
	case tracker.StateCanceled:
		// Human canceled the issue: stop everything, close PRs.
		if task.IsTerminal(local) {
			return resolution{}
		}
		return resolution{to: task.PhaseFailed, cancel: true, closePRs: true}

	case tracker.StateCompleted:
		// Human override: the issue is done regardless of local progress.
		if local == task.PhaseDone {
			return resolution{}
		}
		return resolution{to: task.PhaseDone}

	case tracker.StateBacklog, tracker.StateUnstarted:
		if external == readyType {
			// Moved into the ready column.
			switch local {
			case task.PhaseBacklog:
				return resolution{to: task.PhaseReady}
			case task.PhaseRunning, task.PhaseDispatched:
				// User reset mid-run: kill the run, requeue.
				return resolution{to: task.PhaseReady, cancel: true}
			case task.PhaseDeploying:
				return resolution{to: task.PhaseReady}
			}
			return resolution{}
		}
		// Moved back to a pre-ready column.
		switch local {
		case task.PhaseReady:
			return resolution{to: task.PhaseBacklog}
		case task.PhaseRunning, task.PhaseDispatched:
			return resolution{to: task.PhaseReady, cancel: true}
		case task.PhaseDeploying:
			return resolution{to: task.PhaseReady}
		}
		return resolution{}

	default:
		// started ("In Progress", "In Review"): the tracker mirrors what
		// orca is doing; nothing to reconcile.
		return resolution{}
	}
}

// initialPhase derives the phase of a task seen for the first time.
func initialPhase(external tracker.StateType, readyType tracker.StateType) task.Phase {
	switch {
	case external == tracker.StateCompleted:
		return task.PhaseDone
	case external == tracker.StateCanceled:
		return task.PhaseFailed
	case external == readyType:
		return task.PhaseReady
	default:
		return task.PhaseBacklog
	}
}

// stateTypeForPhase maps a local phase to the tracker state type a
// write-back should set. The second return is false for phases that are
// orca-internal (dispatched, awaiting_ci, deploying) or that are
// reported through a comment instead of a state change (failed).
func stateTypeForPhase(p task.Phase, readyType tracker.StateType) (tracker.StateType, bool) {
	switch p {
	case task.PhaseBacklog:
		return tracker.StateBacklog, true
	case task.PhaseReady:
		return readyType, true
	case task.PhaseRunning, task.PhaseInReview, task.PhaseChangesRequested:
		return tracker.StateStarted, true
	case task.PhaseDone:
		return tracker.StateCompleted, true
	default:
		return "", false
	}
}
