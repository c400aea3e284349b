package api

import (
	"time"

	"boundless-bastion/internal/model"
	"boundless-bastion/internal/monitor"
)

// CommandRequest is the body of POST /commands and PUT /commands/{id}.
type CommandRequest struct {
	Name           string `json:"name" validate:"required,max=200"`
	Description    string `json:"description" validate:"max=2000"`
	Script         string `json:"script" validate:"required"`
	TimeoutSeconds *int   `json:"timeout_seconds,omitempty" validate:"omitempty,gt=0,lte=604800"`
}

func (r CommandRequest) input() model.CommandInput {
	return model.CommandInput{
		Name:           r.Name,
		Description:    r.Description,
		Script:         r.Script,
		TimeoutSeconds: r.TimeoutSeconds,
	}
}

// CommandPatchRequest is the body of PATCH /commands/{id}. Omitted fields
// keep their current value.
type CommandPatchRequest struct {
	Name           *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Description    *string `json:"description,omitempty" validate:"omitempty,max=2000"`
	Script         *string `json:"script,omitempty" validate:"omitempty,min=1"`
	TimeoutSeconds *int    `json:"timeout_seconds,omitempty" validate:"omitempty,gt=0,lte=604800"`
}

// apply overlays the patch onto cur.
func (p CommandPatchRequest) apply(cur model.Command) model.CommandInput {
	in := model.CommandInput{
		Name:           cur.Name,
		Description:    cur.Description,
		Script:         cur.Script,
		TimeoutSeconds: &cur.TimeoutSeconds,
	}
	if p.Name != nil {
		in.Name = *p.Name
	}
	if p.Description != nil {
		in.Description = *p.Description
	}
	if p.Script != nil {
		in.Script = *p.Script
	}
	if p.TimeoutSeconds != nil {
		in.TimeoutSeconds = p.TimeoutSeconds
	}
	return in
}

// CommandResponse is a command plus any advisory findings about its script.
type CommandResponse struct {
	model.Command
	Warnings []monitor.Finding `json:"warnings,omitempty"`
}

// NodeRequest is the body of POST /nodes.
type NodeRequest struct {
	ID      string `json:"id" validate:"omitempty,max=100"`
	Name    string `json:"name" validate:"required,max=200"`
	Address string `json:"address" validate:"required,url"`
}

// NodeResponse is a node with its last known reachability.
type NodeResponse struct {
	model.Node
	Reachable *bool      `json:"reachable,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// ExecuteRequest is the body of POST /execute.
type ExecuteRequest struct {
	CommandID string `json:"command_id" validate:"required"`
	NodeID    string `json:"node_id" validate:"required"`
}

// SampleRequest is one pushed GPU reading.
type SampleRequest struct {
	NodeID      string  `json:"node_id" validate:"required"`
	Timestamp   int64   `json:"timestamp" validate:"gt=0"`
	Utilization float64 `json:"utilization"`
	MemoryMB    int64   `json:"memory_mb" validate:"gte=0"`
}

// IngestRequest is the body of POST /gpu.
type IngestRequest struct {
	Samples []SampleRequest `json:"samples" validate:"required,min=1,max=10000,dive"`
}

// IngestResponse reports how many pushed samples were stored.
type IngestResponse struct {
	Accepted int `json:"accepted"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Database   bool   `json:"database"`
	Commands   int    `json:"commands"`
	Nodes      int    `json:"nodes"`
	Executions int    `json:"executions"`
	Uptime     string `json:"uptime"`
}
