package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"pgregory.net/rapid"

	"boundless-bastion/internal/executor"
	"boundless-bastion/internal/model"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// Every finished execution satisfies the record invariants, whatever the
// executor reports.
func TestProperty_TerminalRecordsAreConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		code := rapid.IntRange(-5, 255).Draw(rt, "exit_code")
		unreachable := rapid.Bool().Draw(rt, "unreachable")
		stdout := rapid.StringN(0, 64, -1).Draw(rt, "stdout")

		h := newHarness(t, func(context.Context, executor.Request) (*executor.Result, error) {
			if unreachable {
				return nil, fmt.Errorf("%w: refused", model.ErrExecutorUnreachable)
			}
			return &executor.Result{Stdout: stdout, ExitCode: code}, nil
		})
		cmd := h.command(t, "true", 5)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		final, err := h.coord.DispatchAndWait(ctx, cmd.ID, h.node.ID)
		if err != nil {
			rt.Fatalf("dispatch: %v", err)
		}
		if err := final.Check(); err != nil {
			rt.Fatal(err)
		}
		switch {
		case unreachable:
			if final.Status != model.StatusFailed || final.ExitCode != nil {
				rt.Fatalf("unreachable produced %s exit=%v", final.Status, final.ExitCode)
			}
		case code == 0:
			if final.Status != model.StatusSucceeded {
				rt.Fatalf("exit 0 produced %s", final.Status)
			}
		default:
			if final.Status != model.StatusFailed || *final.ExitCode != code {
				rt.Fatalf("exit %d produced %s", code, final.Status)
			}
		}
		if h.coord.ActiveFor(cmd.ID) != 0 {
			rt.Fatalf("active count not released")
		}
	})
}

// Listings are ordered by start time descending, pending executions by
// creation time, with paging applied after ordering.
func TestProperty_ListOrdering(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		store := NewStore()
		base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		for i := 0; i < n; i++ {
			offset := time.Duration(rapid.IntRange(0, 10).Draw(rt, "offset")) * time.Second
			e := model.Execution{
				ID:        fmt.Sprintf("exec-%d", i),
				CommandID: "c",
				NodeID:    "n",
				Status:    model.StatusPending,
				CreatedAt: base.Add(offset),
			}
			if rapid.Bool().Draw(rt, "started") {
				started := e.CreatedAt.Add(time.Duration(rapid.IntRange(0, 5).Draw(rt, "delay")) * time.Second)
				e.Status = model.StatusRunning
				e.StartedAt = &started
			}
			store.add(e)
		}

		all := store.List(model.ExecutionFilter{})
		if len(all) != n {
			rt.Fatalf("listed %d of %d", len(all), n)
		}
		for i := 1; i < len(all); i++ {
			if all[i].SortTime().After(all[i-1].SortTime()) {
				rt.Fatalf("position %d out of order", i)
			}
		}

		limit := rapid.IntRange(1, 10).Draw(rt, "limit")
		offset := rapid.IntRange(0, 35).Draw(rt, "page_offset")
		page := store.List(model.ExecutionFilter{Limit: limit, Offset: offset})
		for i, e := range page {
			if e.ID != all[offset+i].ID {
				rt.Fatalf("page entry %d is %s, want %s", i, e.ID, all[offset+i].ID)
			}
		}
		if len(page) > limit {
			rt.Fatalf("page has %d entries, limit %d", len(page), limit)
		}
	})
}
