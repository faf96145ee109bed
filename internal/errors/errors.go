// Package errors provides structured error types for orca.
package errors

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for orca.
const (
	// Task errors
	CodeTaskNotFound       Code = "TASK_NOT_FOUND"
	CodeInvocationNotFound Code = "INVOCATION_NOT_FOUND"
	CodePhaseConflict      Code = "PHASE_CONFLICT"

	// Agent errors
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodeAgentTimeout     Code = "AGENT_TIMEOUT"
	CodeAgentCrash       Code = "AGENT_CRASH"
	CodeMaxRetries       Code = "MAX_RETRIES_EXCEEDED"

	// Tracker errors
	CodeTrackerUnavailable Code = "TRACKER_UNAVAILABLE"
	CodeWebhookSignature   Code = "WEBHOOK_BAD_SIGNATURE"
	CodeWebhookPayload     Code = "WEBHOOK_BAD_PAYLOAD"

	// Config errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Git errors
	CodeWorktreeConflict Code = "WORKTREE_CONFLICT"

	// Store errors
	CodeStoreFailure Code = "STORE_FAILURE"
)

// Category groups error codes for HTTP status mapping.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryNotFound
	CategoryBadRequest
	CategoryUnauthorized
	CategoryConflict
	CategoryInternal
	CategoryTimeout
	CategoryUnavailable
)

// codeCategories maps error codes to their categories.
var codeCategories = map[Code]Category{
	CodeTaskNotFound:       CategoryNotFound,
	CodeInvocationNotFound: CategoryNotFound,
	CodePhaseConflict:      CategoryConflict,
	CodeAgentUnavailable:   CategoryUnavailable,
	CodeAgentTimeout:       CategoryTimeout,
	CodeAgentCrash:         CategoryInternal,
	CodeMaxRetries:         CategoryInternal,
	CodeTrackerUnavailable: CategoryUnavailable,
	CodeWebhookSignature:   CategoryUnauthorized,
	CodeWebhookPayload:     CategoryBadRequest,
	CodeConfigInvalid:      CategoryBadRequest,
	CodeConfigMissing:      CategoryBadRequest,
	CodeWorktreeConflict:   CategoryConflict,
	CodeStoreFailure:       CategoryInternal,
}

// HTTPStatus returns the HTTP status code for a category.
func (c Category) HTTPStatus() int {
	switch c {
	case CategoryNotFound:
		return 404
	case CategoryBadRequest:
		return 400
	case CategoryUnauthorized:
		return 401
	case CategoryConflict:
		return 409
	case CategoryTimeout:
		return 504
	case CategoryUnavailable:
		return 503
	default:
		return 500
	}
}

// OrcaError is the structured error type for orca.
type OrcaError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *OrcaError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *OrcaError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *OrcaError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Category returns the error category for HTTP status mapping.
func (e *OrcaError) Category() Category {
	if cat, ok := codeCategories[e.Code]; ok {
		return cat
	}
	return CategoryUnknown
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *OrcaError) HTTPStatus() int {
	return e.Category().HTTPStatus()
}

// MarshalJSON implements json.Marshaler.
func (e *OrcaError) MarshalJSON() ([]byte, error) {
	type alias OrcaError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is an OrcaError with the same code.
func (e *OrcaError) Is(target error) bool {
	t, ok := target.(*OrcaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *OrcaError) WithCause(err error) *OrcaError {
	return &OrcaError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Cause: err,
	}
}

// --- Error constructors ---

// ErrTaskNotFound returns an error when a task doesn't exist.
func ErrTaskNotFound(issueID string) *OrcaError {
	return &OrcaError{
		Code: CodeTaskNotFound,
		What: fmt.Sprintf("task %s not found", issueID),
		Why:  "No task with this issue ID exists in the store",
		Fix:  "Run 'orca status' to list known tasks, or 'orca add' to register one",
	}
}

// ErrInvocationNotFound returns an error when an invocation doesn't exist.
func ErrInvocationNotFound(id int64) *OrcaError {
	return &OrcaError{
		Code: CodeInvocationNotFound,
		What: fmt.Sprintf("invocation %d not found", id),
		Why:  "No invocation with this ID exists in the store",
	}
}

// ErrPhaseConflict returns an error when a phase transition guard fails.
func ErrPhaseConflict(issueID, current, requested string) *OrcaError {
	return &OrcaError{
		Code: CodePhaseConflict,
		What: fmt.Sprintf("task %s is in phase '%s', cannot move to '%s'", issueID, current, requested),
		Why:  "Another actor changed the task phase first; the transition guard rejected this write",
		Fix:  fmt.Sprintf("Check 'orca status' for the current phase of %s", issueID),
	}
}

// ErrAgentUnavailable returns an error when the agent CLI is not accessible.
func ErrAgentUnavailable(path string) *OrcaError {
	return &OrcaError{
		Code: CodeAgentUnavailable,
		What: fmt.Sprintf("agent binary %q is not available", path),
		Why:  "Could not find or execute the agent command",
		Fix:  "Install the agent CLI or set ORCA_AGENT_PATH to its location",
	}
}

// ErrAgentTimeout returns an error when an invocation exceeds its deadline.
func ErrAgentTimeout(issueID string, duration string) *OrcaError {
	return &OrcaError{
		Code: CodeAgentTimeout,
		What: fmt.Sprintf("agent session for %s timed out", issueID),
		Why:  fmt.Sprintf("No terminal result after %s; the process was killed", duration),
		Fix:  "Raise ORCA_SESSION_TIMEOUT_MIN if the task legitimately needs longer sessions",
	}
}

// ErrAgentCrash returns an error when the agent exits nonzero without a result.
func ErrAgentCrash(issueID string, exitCode int) *OrcaError {
	return &OrcaError{
		Code: CodeAgentCrash,
		What: fmt.Sprintf("agent session for %s crashed (exit %d)", issueID, exitCode),
		Why:  "The subprocess exited before emitting a terminal result",
		Fix:  "Inspect the invocation log for the stderr tail",
	}
}

// ErrMaxRetries returns an error when retry budget is exhausted.
func ErrMaxRetries(issueID string, attempts int) *OrcaError {
	return &OrcaError{
		Code: CodeMaxRetries,
		What: fmt.Sprintf("task %s failed after %d attempts", issueID, attempts),
		Why:  "Maximum retry attempts exceeded without a successful invocation",
		Fix:  "Review invocation logs, fix the underlying issue, then retry the task",
	}
}

// ErrTrackerUnavailable returns an error when the tracker API cannot be reached.
func ErrTrackerUnavailable(err error) *OrcaError {
	return &OrcaError{
		Code:  CodeTrackerUnavailable,
		What:  "issue tracker is unreachable",
		Why:   "Requests to the tracker API failed after retries",
		Fix:   "Check ORCA_TRACKER_API_KEY and network access to the tracker",
		Cause: err,
	}
}

// ErrWebhookSignature returns an error for webhook HMAC verification failure.
func ErrWebhookSignature() *OrcaError {
	return &OrcaError{
		Code: CodeWebhookSignature,
		What: "webhook signature verification failed",
		Why:  "The request signature does not match ORCA_TRACKER_WEBHOOK_SECRET",
		Fix:  "Confirm the webhook secret configured on the tracker matches orca's",
	}
}

// ErrWebhookPayload returns an error for malformed webhook payloads.
func ErrWebhookPayload(err error) *OrcaError {
	return &OrcaError{
		Code:  CodeWebhookPayload,
		What:  "webhook payload could not be parsed",
		Why:   "The request body is not a recognized tracker event",
		Cause: err,
	}
}

// ErrConfigInvalid returns an error for invalid configuration.
func ErrConfigInvalid(field, reason string) *OrcaError {
	return &OrcaError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid configuration: %s", field),
		Why:  reason,
		Fix:  fmt.Sprintf("Fix the %s setting and restart", field),
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *OrcaError {
	return &OrcaError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set",
		Fix:  fmt.Sprintf("Set %s in the environment or config file", field),
	}
}

// ErrWorktreeConflict returns an error when a worktree path cannot be claimed.
func ErrWorktreeConflict(path string) *OrcaError {
	return &OrcaError{
		Code: CodeWorktreeConflict,
		What: fmt.Sprintf("worktree path %s is already in use", path),
		Why:  "A previous invocation left a worktree registration behind and it could not be pruned",
		Fix:  "Remove the directory and run 'git worktree prune' in the repository, then retry",
	}
}

// ErrStoreFailure returns an error for database write failures.
func ErrStoreFailure(op string, err error) *OrcaError {
	return &OrcaError{
		Code:  CodeStoreFailure,
		What:  fmt.Sprintf("store operation %s failed", op),
		Why:   "The database rejected the write",
		Cause: err,
	}
}

// AsOrcaError attempts to convert an error to an OrcaError.
// Returns nil if the error is not an OrcaError.
func AsOrcaError(err error) *OrcaError {
	var orcaErr *OrcaError
	if As(err, &orcaErr) {
		return orcaErr
	}
	return nil
}

// As is a convenience wrapper for errors.As.
func As(err error, target any) bool {
	return asError(err, target)
}

// asError implements errors.As behavior.
func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if orcaErr, ok := err.(*OrcaError); ok {
		if t, ok := target.(**OrcaError); ok {
			*t = orcaErr
			return true
		}
	}
	// Check unwrapped error
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into an OrcaError with unknown code.
func Wrap(err error, what string) *OrcaError {
	return &OrcaError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
