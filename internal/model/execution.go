package model

import (
	"fmt"
	"time"
)

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSucceeded ExecutionStatus = "succeeded"
	StatusFailed    ExecutionStatus = "failed"
)

// TimeoutExitCode is recorded when the coordinator gives up on an execution.
const TimeoutExitCode = -1

// Terminal reports whether no further transitions are allowed.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts a query-string value into an ExecutionStatus.
func ParseStatus(s string) (ExecutionStatus, error) {
	st := ExecutionStatus(s)
	if !st.Valid() {
		return "", Validationf("unknown status %q", s)
	}
	return st, nil
}

// Execution is one dispatch of a Command to a Node. Script and
// TimeoutSeconds are captured at dispatch time.
type Execution struct {
	ID             string          `json:"id"`
	CommandID      string          `json:"command_id"`
	NodeID         string          `json:"node_id"`
	Status         ExecutionStatus `json:"status"`
	Script         string          `json:"script"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	Stdout         string          `json:"stdout"`
	Stderr         string          `json:"stderr"`
	ExitCode       *int            `json:"exit_code"`
	DurationMs     *int64          `json:"duration_ms,omitempty"`
}

// SortTime is the instant used to order executions: started_at once known,
// created_at while still pending.
func (e Execution) SortTime() time.Time {
	if e.StartedAt != nil {
		return *e.StartedAt
	}
	return e.CreatedAt
}

// Check verifies the structural invariants of a single record.
func (e Execution) Check() error {
	if !e.Status.Valid() {
		return fmt.Errorf("execution %s: unknown status %q", e.ID, e.Status)
	}
	terminal := e.Status.Terminal()
	if terminal != (e.CompletedAt != nil) {
		return fmt.Errorf("execution %s: completed_at present=%t for status %s", e.ID, e.CompletedAt != nil, e.Status)
	}
	if terminal != (e.DurationMs != nil) {
		return fmt.Errorf("execution %s: duration_ms present=%t for status %s", e.ID, e.DurationMs != nil, e.Status)
	}
	if !terminal && e.ExitCode != nil {
		return fmt.Errorf("execution %s: exit_code set before completion", e.ID)
	}
	if e.Status != StatusPending && e.StartedAt == nil {
		return fmt.Errorf("execution %s: started_at missing for status %s", e.ID, e.Status)
	}
	if e.DurationMs != nil && *e.DurationMs < 0 {
		return fmt.Errorf("execution %s: negative duration %d", e.ID, *e.DurationMs)
	}
	if e.Status == StatusSucceeded && (e.ExitCode == nil || *e.ExitCode != 0) {
		return fmt.Errorf("execution %s: succeeded without exit code 0", e.ID)
	}
	return nil
}

// ExecutionFilter narrows execution listings. Zero values match everything.
type ExecutionFilter struct {
	CommandID string
	NodeID    string
	Status    ExecutionStatus
	Limit     int
	Offset    int
}

// Match reports whether e satisfies the filter's predicates.
func (f ExecutionFilter) Match(e Execution) bool {
	if f.CommandID != "" && e.CommandID != f.CommandID {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	return true
}
