package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"boundless-bastion/internal/model"
)

// Backend is the persistence surface used by the writer and by hydration.
// DB implements it.
type Backend interface {
	UpsertCommand(ctx context.Context, c model.Command) error
	DeleteCommand(ctx context.Context, id string) error
	ListCommands(ctx context.Context) ([]model.Command, error)

	UpsertNode(ctx context.Context, n model.Node) error
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]model.Node, error)

	UpsertExecution(ctx context.Context, e model.Execution) error
	ListExecutions(ctx context.Context, limit int) ([]model.Execution, error)

	UpsertSample(ctx context.Context, s model.GpuSample) error
	PruneSamples(ctx context.Context, before int64) error
	ListSamples(ctx context.Context, since int64) ([]model.GpuSample, error)
}

var _ Backend = (*DB)(nil)

// Snapshot is the persisted state loaded at startup.
type Snapshot struct {
	Commands   []model.Command
	Nodes      []model.Node
	Executions []model.Execution
	Samples    []model.GpuSample
}

// Load reads everything needed to rebuild in-memory state. Executions are
// capped at executionLimit; samples older than retention are skipped.
func Load(ctx context.Context, b Backend, executionLimit int, retention time.Duration) (*Snapshot, error) {
	var (
		snap Snapshot
		err  error
	)
	if snap.Commands, err = b.ListCommands(ctx); err != nil {
		return nil, fmt.Errorf("loading commands: %w", err)
	}
	if snap.Nodes, err = b.ListNodes(ctx); err != nil {
		return nil, fmt.Errorf("loading nodes: %w", err)
	}
	if snap.Executions, err = b.ListExecutions(ctx, executionLimit); err != nil {
		return nil, fmt.Errorf("loading executions: %w", err)
	}
	// Newest first from the database; restore in creation order.
	slices.Reverse(snap.Executions)
	var since int64
	if retention > 0 {
		since = time.Now().Add(-retention).Unix()
	}
	if snap.Samples, err = b.ListSamples(ctx, since); err != nil {
		return nil, fmt.Errorf("loading gpu samples: %w", err)
	}
	return &snap, nil
}
