package errors

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestOrcaErrorFormat(t *testing.T) {
	tests := []struct {
		name     string
		err      *OrcaError
		wantErr  string
		wantUser string
	}{
		{
			name:     "what only",
			err:      &OrcaError{What: "something broke"},
			wantErr:  "something broke",
			wantUser: "Error: something broke",
		},
		{
			name:     "what and why",
			err:      &OrcaError{What: "something broke", Why: "bad input"},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input",
		},
		{
			name: "full error",
			err: &OrcaError{
				What: "something broke",
				Why:  "bad input",
				Fix:  "try again",
			},
			wantErr:  "something broke: bad input",
			wantUser: "Error: something broke\n\nWhy: bad input\n\nFix: try again",
		},
		{
			name: "with cause",
			err: &OrcaError{
				What:  "something broke",
				Cause: errors.New("underlying error"),
			},
			wantErr:  "something broke: underlying error",
			wantUser: "Error: something broke",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantErr {
				t.Errorf("Error() = %q, want %q", got, tt.wantErr)
			}
			if got := tt.err.UserMessage(); got != tt.wantUser {
				t.Errorf("UserMessage() = %q, want %q", got, tt.wantUser)
			}
		})
	}
}

func TestOrcaErrorJSON(t *testing.T) {
	err := &OrcaError{
		Code:  CodeTaskNotFound,
		What:  "task EMI-42 not found",
		Why:   "No task with this issue ID exists",
		Fix:   "Run 'orca status' to list tasks",
		Cause: errors.New("sql: no rows in result set"),
	}

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("MarshalJSON failed: %v", marshalErr)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if result["code"] != string(CodeTaskNotFound) {
		t.Errorf("code = %v, want %v", result["code"], CodeTaskNotFound)
	}
	if result["what"] != "task EMI-42 not found" {
		t.Errorf("what = %v, want %v", result["what"], "task EMI-42 not found")
	}
	if result["cause"] != "sql: no rows in result set" {
		t.Errorf("cause = %v, want %v", result["cause"], "sql: no rows in result set")
	}
}

func TestErrTaskNotFoundError(t *testing.T) {
	err := ErrTaskNotFound("EMI-123")

	if err.Code != CodeTaskNotFound {
		t.Errorf("Code = %v, want %v", err.Code, CodeTaskNotFound)
	}
	if err.What != "task EMI-123 not found" {
		t.Errorf("What = %v, want 'task EMI-123 not found'", err.What)
	}
}

func TestErrPhaseConflictError(t *testing.T) {
	err := ErrPhaseConflict("EMI-1", "running", "dispatched")

	if err.Code != CodePhaseConflict {
		t.Errorf("Code = %v, want %v", err.Code, CodePhaseConflict)
	}
	if err.What == "" {
		t.Error("What should not be empty")
	}
}

func TestErrAgentTimeoutError(t *testing.T) {
	err := ErrAgentTimeout("EMI-1", "30m")

	if err.Code != CodeAgentTimeout {
		t.Errorf("Code = %v, want %v", err.Code, CodeAgentTimeout)
	}
	if err.What != "agent session for EMI-1 timed out" {
		t.Errorf("What = %v, want specific message", err.What)
	}
	if err.Why != "No terminal result after 30m; the process was killed" {
		t.Errorf("Why = %v, want duration", err.Why)
	}
}

func TestErrAgentCrashError(t *testing.T) {
	err := ErrAgentCrash("EMI-1", 2)

	if err.Code != CodeAgentCrash {
		t.Errorf("Code = %v, want %v", err.Code, CodeAgentCrash)
	}
	if err.What != "agent session for EMI-1 crashed (exit 2)" {
		t.Errorf("What = %v, want specific message", err.What)
	}
}

func TestErrMaxRetriesError(t *testing.T) {
	err := ErrMaxRetries("EMI-1", 3)

	if err.Code != CodeMaxRetries {
		t.Errorf("Code = %v, want %v", err.Code, CodeMaxRetries)
	}
	if err.What != "task EMI-1 failed after 3 attempts" {
		t.Errorf("What = %v, want specific message", err.What)
	}
}

func TestErrConfigMissingError(t *testing.T) {
	err := ErrConfigMissing("ORCA_TRACKER_API_KEY")

	if err.Code != CodeConfigMissing {
		t.Errorf("Code = %v, want %v", err.Code, CodeConfigMissing)
	}
}

func TestErrorCodeUniqueness(t *testing.T) {
	codes := []Code{
		CodeTaskNotFound,
		CodeInvocationNotFound,
		CodePhaseConflict,
		CodeAgentUnavailable,
		CodeAgentTimeout,
		CodeAgentCrash,
		CodeMaxRetries,
		CodeTrackerUnavailable,
		CodeWebhookSignature,
		CodeWebhookPayload,
		CodeConfigInvalid,
		CodeConfigMissing,
		CodeWorktreeConflict,
		CodeStoreFailure,
	}

	seen := make(map[Code]bool)
	for _, code := range codes {
		if seen[code] {
			t.Errorf("duplicate error code: %s", code)
		}
		seen[code] = true
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err        *OrcaError
		wantStatus int
	}{
		{ErrTaskNotFound("X"), 404},
		{ErrInvocationNotFound(9), 404},
		{ErrPhaseConflict("X", "a", "b"), 409},
		{ErrAgentUnavailable("claude"), 503},
		{ErrAgentTimeout("x", "1m"), 504},
		{ErrAgentCrash("x", 1), 500},
		{ErrMaxRetries("x", 1), 500},
		{ErrTrackerUnavailable(nil), 503},
		{ErrWebhookSignature(), 401},
		{ErrWebhookPayload(nil), 400},
		{ErrConfigInvalid("x", "y"), 400},
		{ErrConfigMissing("x"), 400},
		{ErrWorktreeConflict("/tmp/wt"), 409},
		{ErrStoreFailure("save", nil), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := ErrTaskNotFound("X").WithCause(cause)

	if errors.Unwrap(err) != cause {
		t.Error("Unwrap should return the cause")
	}
}

func TestWithCause(t *testing.T) {
	original := ErrTaskNotFound("EMI-1")
	cause := errors.New("sql: database is locked")
	wrapped := original.WithCause(cause)

	// Wrapped should have cause
	if wrapped.Cause != cause {
		t.Error("WithCause should set the cause")
	}

	// Original should be unchanged
	if original.Cause != nil {
		t.Error("Original should not be modified")
	}

	// All other fields should be copied
	if wrapped.Code != original.Code {
		t.Error("Code should be copied")
	}
	if wrapped.What != original.What {
		t.Error("What should be copied")
	}
}

func TestIs(t *testing.T) {
	err1 := ErrTaskNotFound("EMI-1")
	err2 := ErrTaskNotFound("EMI-2")
	err3 := ErrPhaseConflict("EMI-1", "a", "b")

	if !errors.Is(err1, err2) {
		t.Error("errors with same code should match with Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match")
	}
}

func TestAsOrcaError(t *testing.T) {
	orcaErr := ErrTaskNotFound("X")

	// Direct OrcaError
	result := AsOrcaError(orcaErr)
	if result == nil {
		t.Error("AsOrcaError should return the error")
	}

	// Wrapped OrcaError
	wrapped := orcaErr.WithCause(errors.New("cause"))
	result = AsOrcaError(wrapped)
	if result == nil {
		t.Error("AsOrcaError should return wrapped OrcaError")
	}

	// Non-OrcaError
	result = AsOrcaError(errors.New("regular error"))
	if result != nil {
		t.Error("AsOrcaError should return nil for non-OrcaError")
	}
}
