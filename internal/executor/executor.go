package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/config"
	"boundless-bastion/internal/model"
)

const (
	maxStdoutBytes = 1 << 20
	maxStderrBytes = 256 * 1024
)

// Request is a single script invocation on a node.
type Request struct {
	ExecutionID    string
	Script         string
	TimeoutSeconds int
	WorkingDir     string
}

// Result is what the node reported for a finished script.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Executor runs a script on a node. Implementations must honour ctx
// cancellation and must not retry on their own: a request is delivered at
// most once. Transport failures are reported as model.ErrExecutorUnreachable.
type Executor interface {
	Execute(ctx context.Context, node model.Node, req Request) (*Result, error)
	Close() error
}

// New picks the executor named in the configuration.
func New(cfg config.ExecutorConfig) (Executor, error) {
	switch cfg.Backend {
	case "", "http":
		log.Info().Str("exec_path", cfg.ExecPath).Msg("using node daemon executor")
		return NewHTTPExecutor(cfg.ExecPath, cfg.RequestGrace), nil
	case "local":
		log.Warn().Msg("using local shell executor, scripts run on the control plane host")
		return NewLocalExecutor(cfg.Shell, cfg.WorkingDir), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q: must be http or local", cfg.Backend)
	}
}

func unreachable(req Request, op string, err error) error {
	return &model.Error{Op: op, ID: req.ExecutionID, Err: fmt.Errorf("%w: %v", model.ErrExecutorUnreachable, err)}
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... [output truncated]"
}
