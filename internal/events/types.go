// Package events provides event types and publishing infrastructure for
// orca. The API layer relays published events to SSE and websocket
// subscribers; internal components publish fire-and-forget.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType defines the type of event.
type EventType string

const (
	// EventTaskUpdated indicates a task changed phase or fields.
	EventTaskUpdated EventType = "task:updated"
	// EventInvocationStarted indicates an agent run began.
	EventInvocationStarted EventType = "invocation:started"
	// EventInvocationCompleted indicates an agent run reached a terminal
	// status.
	EventInvocationCompleted EventType = "invocation:completed"
	// EventStatusUpdated carries a fresh orchestrator status snapshot.
	EventStatusUpdated EventType = "status:updated"
	// EventSyncCompleted indicates a tracker sync pass finished.
	EventSyncCompleted EventType = "sync:completed"
)

// Event represents a published event.
type Event struct {
	ID      string    `json:"id"`
	Type    EventType `json:"type"`
	IssueID string    `json:"issueId"`
	Data    any       `json:"data"`
	Time    time.Time `json:"time"`
}

// NewEvent creates a new event with a fresh id and the current
// timestamp.
func NewEvent(eventType EventType, issueID string, data any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		IssueID: issueID,
		Data:    data,
		Time:    time.Now(),
	}
}

// TaskUpdate describes a task state change.
type TaskUpdate struct {
	IssueID          string `json:"issueId"`
	Phase            string `json:"phase"`
	RetryCount       int    `json:"retryCount"`
	ReviewCycleCount int    `json:"reviewCycleCount"`
	PRNumber         int    `json:"prNumber,omitempty"`
}

// InvocationUpdate describes an agent run starting or finishing.
type InvocationUpdate struct {
	ID            int64   `json:"id"`
	IssueID       string  `json:"issueId"`
	Phase         string  `json:"phase"`
	Status        string  `json:"status"`
	Model         string  `json:"model,omitempty"`
	CostUSD       float64 `json:"costUsd,omitempty"`
	NumTurns      int     `json:"numTurns,omitempty"`
	OutputSummary string  `json:"outputSummary,omitempty"`
}

// StatusUpdate is the orchestrator status snapshot. The API serves the
// same shape from GET /api/status.
type StatusUpdate struct {
	ActiveSessions    int      `json:"activeSessions"`
	QueuedTasks       int      `json:"queuedTasks"`
	CostInWindow      float64  `json:"costInWindow"`
	BudgetLimit       float64  `json:"budgetLimit"`
	BudgetWindowHours int      `json:"budgetWindowHours"`
	ConcurrencyCap    int      `json:"concurrencyCap"`
	ActiveTaskIDs     []string `json:"activeTaskIds"`
}

// SyncResult describes a completed tracker sync pass.
type SyncResult struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}
