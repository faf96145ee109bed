package task

import "testing"

func TestIsValidPhase(t *testing.T) {
	for _, p := range ValidPhases() {
		if !IsValidPhase(p) {
			t.Errorf("IsValidPhase(%q) = false, want true", p)
		}
	}
	if IsValidPhase("paused") {
		t.Error("IsValidPhase should reject unknown phases")
	}
	if IsValidPhase("") {
		t.Error("IsValidPhase should reject empty phase")
	}
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseDone, true},
		{PhaseFailed, true},
		{PhaseBacklog, false},
		{PhaseReady, false},
		{PhaseDispatched, false},
		{PhaseRunning, false},
		{PhaseInReview, false},
		{PhaseChangesRequested, false},
		{PhaseAwaitingCI, false},
		{PhaseDeploying, false},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.phase); got != tt.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Phase
		to   Phase
		want bool
	}{
		{"admission", PhaseReady, PhaseDispatched, true},
		{"child started", PhaseDispatched, PhaseRunning, true},
		{"implement success", PhaseRunning, PhaseInReview, true},
		{"review approved with ci", PhaseInReview, PhaseAwaitingCI, true},
		{"review approved no deploy", PhaseInReview, PhaseDone, true},
		{"review changes", PhaseInReview, PhaseChangesRequested, true},
		{"review cycles exhausted", PhaseInReview, PhaseFailed, true},
		{"fix dispatch", PhaseChangesRequested, PhaseDispatched, true},
		{"ci green", PhaseAwaitingCI, PhaseDeploying, true},
		{"ci red", PhaseAwaitingCI, PhaseFailed, true},
		{"deploy done", PhaseDeploying, PhaseDone, true},
		{"deploy timeout", PhaseDeploying, PhaseFailed, true},
		{"deploy user reset", PhaseDeploying, PhaseReady, true},
		{"retry", PhaseRunning, PhaseReady, true},
		{"worktree retry", PhaseDispatched, PhaseReady, true},
		{"sync promote", PhaseBacklog, PhaseReady, true},
		{"sync demote", PhaseReady, PhaseBacklog, true},
		{"explicit recovery", PhaseFailed, PhaseReady, true},
		{"failed to backlog", PhaseFailed, PhaseBacklog, true},
		{"external done", PhaseRunning, PhaseDone, true},
		{"external done overrides failure", PhaseFailed, PhaseDone, true},
		{"external cancel", PhaseInReview, PhaseFailed, true},
		{"parent roll-up from ready", PhaseReady, PhaseRunning, true},
		{"parent roll-up from backlog", PhaseBacklog, PhaseRunning, true},

		{"same phase", PhaseRunning, PhaseRunning, false},
		{"done is terminal", PhaseDone, PhaseReady, false},
		{"done cannot fail", PhaseDone, PhaseFailed, false},
		{"skip review", PhaseRunning, PhaseAwaitingCI, false},
		{"backwards", PhaseDeploying, PhaseAwaitingCI, false},
		{"backlog cannot dispatch", PhaseBacklog, PhaseDispatched, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalPhasesOnlyRecoverExplicitly(t *testing.T) {
	// done never leaves; failed only moves to ready, backlog, or done.
	for _, to := range ValidPhases() {
		if CanTransition(PhaseDone, to) {
			t.Errorf("done should not transition to %q", to)
		}
	}
	for _, to := range ValidPhases() {
		got := CanTransition(PhaseFailed, to)
		want := to == PhaseReady || to == PhaseBacklog || to == PhaseDone
		if got != want {
			t.Errorf("CanTransition(failed, %q) = %v, want %v", to, got, want)
		}
	}
}

func TestDispatchPhase(t *testing.T) {
	tests := []struct {
		phase  Phase
		want   InvocationPhase
		wantOK bool
	}{
		{PhaseReady, InvocationImplement, true},
		{PhaseInReview, InvocationReview, true},
		{PhaseChangesRequested, InvocationFix, true},
		{PhaseBacklog, "", false},
		{PhaseDispatched, "", false},
		{PhaseRunning, "", false},
		{PhaseAwaitingCI, "", false},
		{PhaseDeploying, "", false},
		{PhaseDone, "", false},
		{PhaseFailed, "", false},
	}
	for _, tt := range tests {
		got, ok := DispatchPhase(tt.phase)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("DispatchPhase(%q) = (%q, %v), want (%q, %v)", tt.phase, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestDispatchablePhasesMatchDispatchPhase(t *testing.T) {
	for _, p := range DispatchablePhases() {
		if _, ok := DispatchPhase(p); !ok {
			t.Errorf("phase %q listed dispatchable but has no invocation phase", p)
		}
	}
}

func TestInvocationStatus(t *testing.T) {
	if IsTerminalInvocationStatus(InvocationRunning) {
		t.Error("running is not terminal")
	}
	for _, s := range []InvocationStatus{InvocationCompleted, InvocationFailed, InvocationTimedOut} {
		if !IsTerminalInvocationStatus(s) {
			t.Errorf("IsTerminalInvocationStatus(%q) = false, want true", s)
		}
	}
}

func TestIsValidInvocationPhase(t *testing.T) {
	for _, p := range []InvocationPhase{InvocationImplement, InvocationReview, InvocationFix} {
		if !IsValidInvocationPhase(p) {
			t.Errorf("IsValidInvocationPhase(%q) = false, want true", p)
		}
	}
	if IsValidInvocationPhase("deploy") {
		t.Error("IsValidInvocationPhase should reject unknown phases")
	}
}
