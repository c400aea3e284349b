package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// LocalExecutor runs scripts with a login shell on the control plane host,
// ignoring the node address. Intended for development without a daemon.
type LocalExecutor struct {
	shell      string
	workingDir string

	wg     sync.WaitGroup
	active atomic.Int64
}

func NewLocalExecutor(shell, workingDir string) *LocalExecutor {
	if shell == "" {
		shell = "bash"
	}
	return &LocalExecutor{shell: shell, workingDir: workingDir}
}

func (e *LocalExecutor) Execute(ctx context.Context, node model.Node, req Request) (*Result, error) {
	e.wg.Add(1)
	defer e.wg.Done()
	e.active.Add(1)
	defer e.active.Add(-1)

	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("node_id", node.ID).
		Logger()

	cmd := exec.CommandContext(ctx, e.shell, "-lc", req.Script) // #nosec G204 -- running operator scripts is the purpose of this executor
	cmd.Dir = e.workingDir
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	// Do not block on grandchildren that keep the pipes open after a kill.
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case ctx.Err() != nil:
			return nil, unreachable(req, "run_script", ctx.Err())
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitCode()
		default:
			return nil, unreachable(req, "start_shell", err)
		}
	}

	logger.Info().
		Int("exit_code", exitCode).
		Dur("duration", duration).
		Msg("local execution completed")

	return &Result{
		Stdout:   truncateOutput(stdout.String(), maxStdoutBytes),
		Stderr:   truncateOutput(stderr.String(), maxStderrBytes),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

func (e *LocalExecutor) Close() error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", e.active.Load()).Msg("timed out waiting for local executions to drain")
	}
	return nil
}
