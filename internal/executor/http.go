package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// ExecRequest is the body posted to a node daemon.
type ExecRequest struct {
	ExecutionID    string `json:"execution_id,omitempty"`
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	WorkingDir     string `json:"working_dir,omitempty"`
}

// ExecResponse is the node daemon's reply.
type ExecResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// HTTPExecutor posts scripts to the daemon listening at each node's address.
type HTTPExecutor struct {
	client *http.Client
	path   string
	grace  time.Duration

	wg     sync.WaitGroup
	active atomic.Int64
}

// NewHTTPExecutor creates an executor that calls {node.Address}{path}.
// grace is added to the script timeout to bound the HTTP round trip when the
// caller's context carries no deadline.
func NewHTTPExecutor(path string, grace time.Duration) *HTTPExecutor {
	if path == "" {
		path = "/api/v1/exec"
	}
	return &HTTPExecutor{
		client: &http.Client{},
		path:   path,
		grace:  grace,
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, node model.Node, req Request) (*Result, error) {
	e.wg.Add(1)
	defer e.wg.Done()
	e.active.Add(1)
	defer e.active.Add(-1)

	logger := log.With().
		Str("exec_id", req.ExecutionID).
		Str("node_id", node.ID).
		Logger()

	if _, ok := ctx.Deadline(); !ok && req.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutSeconds)*time.Second+e.grace)
		defer cancel()
	}

	body, err := json.Marshal(ExecRequest{
		ExecutionID:    req.ExecutionID,
		Script:         req.Script,
		TimeoutSeconds: req.TimeoutSeconds,
		WorkingDir:     req.WorkingDir,
	})
	if err != nil {
		return nil, &model.Error{Op: "encode_request", ID: req.ExecutionID, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Address+e.path, bytes.NewReader(body))
	if err != nil {
		return nil, unreachable(req, "build_request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	logger.Debug().Str("url", httpReq.URL.String()).Msg("posting script to node daemon")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, unreachable(req, "post_exec", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, unreachable(req, "post_exec", fmt.Errorf("daemon returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	var out ExecResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 2*maxStdoutBytes)).Decode(&out); err != nil {
		return nil, unreachable(req, "decode_response", err)
	}

	duration := time.Duration(out.DurationMs) * time.Millisecond
	if duration <= 0 {
		duration = time.Since(start)
	}

	logger.Info().
		Int("exit_code", out.ExitCode).
		Dur("duration", duration).
		Msg("node daemon execution completed")

	return &Result{
		Stdout:   truncateOutput(out.Stdout, maxStdoutBytes),
		Stderr:   truncateOutput(out.Stderr, maxStderrBytes),
		ExitCode: out.ExitCode,
		Duration: duration,
	}, nil
}

// ActiveCount returns the number of requests currently in flight.
func (e *HTTPExecutor) ActiveCount() int64 {
	return e.active.Load()
}

// Close waits up to 30s for in-flight requests to drain.
func (e *HTTPExecutor) Close() error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all node daemon requests drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", e.active.Load()).Msg("timed out waiting for node daemon requests to drain")
	}
	e.client.CloseIdleConnections()
	return nil
}
