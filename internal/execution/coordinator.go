package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"

	"boundless-bastion/internal/executor"
	"boundless-bastion/internal/model"
	"boundless-bastion/internal/monitor"
)

// ErrClosed is returned by Dispatch once Close has been called.
var ErrClosed = errors.New("coordinator is shutting down")

// Executor runs a script on a node and reports its result.
type Executor interface {
	Execute(ctx context.Context, node model.Node, req executor.Request) (*executor.Result, error)
}

// CommandSource resolves commands atomically with respect to deletion.
type CommandSource interface {
	View(id string, fn func(model.Command) error) error
}

// NodeSource resolves nodes.
type NodeSource interface {
	Get(id string) (model.Node, error)
}

// Sink receives every published execution snapshot.
type Sink interface {
	SaveExecution(e model.Execution)
}

// Options tune a Coordinator. Zero values are usable.
type Options struct {
	MaxConcurrent int
	Sink          Sink
	Metrics       *monitor.Metrics
	Tracer        *monitor.Tracer
}

// Coordinator owns the execution lifecycle: it creates executions, invokes
// the executor exactly once per execution, enforces timeouts and publishes
// the single terminal result.
type Coordinator struct {
	commands CommandSource
	nodes    NodeSource
	exec     Executor
	store    *Store
	sink     Sink
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex // guards closed against wg.Add
	closed atomic.Bool
}

func NewCoordinator(commands CommandSource, nodes NodeSource, exec Executor, store *Store, opts Options) *Coordinator {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 256
	}
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		commands: commands,
		nodes:    nodes,
		exec:     exec,
		store:    store,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		sem:      make(chan struct{}, opts.MaxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// outcome is a candidate terminal state.
type outcome struct {
	status   model.ExecutionStatus
	stdout   string
	stderr   string
	exitCode *int
	kind     string // exit, timeout, unreachable, panic, interrupted
}

func exited(res *executor.Result) outcome {
	code := res.ExitCode
	status := model.StatusFailed
	if code == 0 {
		status = model.StatusSucceeded
	}
	return outcome{status: status, stdout: res.Stdout, stderr: res.Stderr, exitCode: &code, kind: "exit"}
}

func timedOut(timeout time.Duration, res *executor.Result) outcome {
	code := model.TimeoutExitCode
	out := outcome{status: model.StatusFailed, exitCode: &code, kind: "timeout"}
	msg := fmt.Sprintf("execution timed out after %s", timeout)
	if res != nil {
		out.stdout = res.Stdout
		if res.Stderr != "" {
			msg = res.Stderr + "\n" + msg
		}
	}
	out.stderr = msg
	return out
}

func failedWithoutExit(kind string, err error) outcome {
	return outcome{status: model.StatusFailed, stderr: err.Error(), kind: kind}
}

// Dispatch creates a pending execution of commandID on nodeID and starts
// it in the background. The returned snapshot is taken before the executor
// is invoked.
func (c *Coordinator) Dispatch(ctx context.Context, commandID, nodeID string) (_ model.Execution, err error) {
	_, span := c.tracer.StartSpan(ctx, "dispatch",
		monitor.AttrCommandID.String(commandID),
		monitor.AttrNodeID.String(nodeID),
	)
	defer func() { monitor.EndSpan(span, err) }()

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return model.Execution{}, ErrClosed
	}

	node, err := c.nodes.Get(nodeID)
	if err != nil {
		return model.Execution{}, err
	}

	var rec *record
	err = c.commands.View(commandID, func(cmd model.Command) error {
		rec = c.store.add(model.Execution{
			ID:             model.NewID("exec"),
			CommandID:      cmd.ID,
			NodeID:         node.ID,
			Status:         model.StatusPending,
			Script:         cmd.Script,
			TimeoutSeconds: cmd.TimeoutSeconds,
			CreatedAt:      time.Now().UTC(),
		})
		return nil
	})
	if err != nil {
		return model.Execution{}, err
	}

	snap := rec.load()
	span.SetAttributes(monitor.AttrExecID.String(snap.ID))
	c.publish(snap)
	c.metrics.RecordTransition("", string(model.StatusPending))
	c.metrics.RecordDispatch(len(snap.Script))

	log.Info().
		Str("exec_id", snap.ID).
		Str("command_id", snap.CommandID).
		Str("node_id", snap.NodeID).
		Msg("execution dispatched")

	c.wg.Add(1)
	go c.run(trace.ContextWithSpanContext(c.ctx, span.SpanContext()), rec, node)

	return snap, nil
}

// DispatchAndWait dispatches and blocks until the execution is terminal or
// ctx is done, returning the latest snapshot either way.
func (c *Coordinator) DispatchAndWait(ctx context.Context, commandID, nodeID string) (model.Execution, error) {
	snap, err := c.Dispatch(ctx, commandID, nodeID)
	if err != nil {
		return model.Execution{}, err
	}
	return c.Wait(ctx, snap.ID)
}

// Wait blocks until the execution is terminal or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, id string) (model.Execution, error) {
	rec, ok := c.store.lookup(id)
	if !ok {
		return model.Execution{}, model.NotFound("wait execution", "execution", id)
	}
	select {
	case <-rec.done:
	case <-ctx.Done():
	}
	return rec.load(), nil
}

// Watch returns a channel that is closed once the execution is terminal.
func (c *Coordinator) Watch(id string) (<-chan struct{}, error) {
	rec, ok := c.store.lookup(id)
	if !ok {
		return nil, model.NotFound("watch execution", "execution", id)
	}
	return rec.done, nil
}

// Get returns the current snapshot of an execution.
func (c *Coordinator) Get(id string) (model.Execution, error) {
	return c.store.Get(id)
}

// List returns executions matching filter, most recent first.
func (c *Coordinator) List(filter model.ExecutionFilter) []model.Execution {
	return c.store.List(filter)
}

// Counts returns the number of executions per status.
func (c *Coordinator) Counts() map[model.ExecutionStatus]int {
	return c.store.Counts()
}

// ActiveFor returns the number of non-terminal executions of a command.
func (c *Coordinator) ActiveFor(commandID string) int {
	return c.store.ActiveFor(commandID)
}

func (c *Coordinator) run(ctx context.Context, rec *record, node model.Node) {
	defer c.wg.Done()

	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	startedAt := time.Now().UTC()
	snap, ok := rec.transition(model.StatusPending, func(e *model.Execution) {
		e.Status = model.StatusRunning
		e.StartedAt = &startedAt
	})
	if !ok {
		c.anomaly(snap, "start")
		return
	}
	c.publish(snap)
	c.metrics.RecordTransition(string(model.StatusPending), string(model.StatusRunning))

	logger := log.With().
		Str("exec_id", snap.ID).
		Str("command_id", snap.CommandID).
		Str("node_id", node.ID).
		Logger()
	logger.Info().Int("timeout_seconds", snap.TimeoutSeconds).Msg("execution started")

	ctx, span := c.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(snap.ID),
		monitor.AttrNodeID.String(node.ID),
	)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := time.Duration(snap.TimeoutSeconds) * time.Second
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		if c.finalize(rec, timedOut(timeout, nil), logger) {
			// Stop waiting on the executor; its late result is discarded.
			cancel()
		}
	})
	defer timer.Stop()

	res, err := c.invoke(execCtx, node, executor.Request{
		ExecutionID:    snap.ID,
		Script:         snap.Script,
		TimeoutSeconds: snap.TimeoutSeconds,
	})

	var out outcome
	switch {
	case !time.Now().Before(deadline):
		out = timedOut(timeout, res)
	case err != nil && errors.Is(err, errExecutorPanic):
		out = failedWithoutExit("panic", err)
	case err != nil:
		out = failedWithoutExit("unreachable", err)
	case res == nil:
		out = failedWithoutExit("unreachable", fmt.Errorf("%w: executor returned no result", model.ErrExecutorUnreachable))
	default:
		out = exited(res)
	}

	// A timeout already published the terminal state; this result is late.
	if !rec.load().Status.Terminal() {
		c.finalize(rec, out, logger)
	}

	final := rec.load()
	span.SetAttributes(monitor.AttrStatus.String(string(final.Status)))
	if final.ExitCode != nil {
		span.SetAttributes(monitor.AttrExitCode.Int(*final.ExitCode))
	}
	monitor.EndSpan(span, err)
}

var errExecutorPanic = errors.New("executor panicked")

// invoke calls the executor, converting a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, node model.Node, req executor.Request) (res *executor.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("%w: %v", errExecutorPanic, rec)
		}
	}()
	return c.exec.Execute(ctx, node, req)
}

// finalize publishes out as the terminal state if the execution is still
// running. Only the first caller wins; later attempts are logged and dropped.
func (c *Coordinator) finalize(rec *record, out outcome, logger zerolog.Logger) bool {
	completedAt := time.Now().UTC()
	snap, ok := rec.transition(model.StatusRunning, func(e *model.Execution) {
		e.Status = out.status
		e.CompletedAt = &completedAt
		e.Stdout = out.stdout
		e.Stderr = out.stderr
		e.ExitCode = out.exitCode
		d := completedAt.Sub(*e.StartedAt).Milliseconds()
		if d < 0 {
			d = 0
		}
		e.DurationMs = &d
	})
	if !ok {
		c.anomaly(snap, out.kind)
		return false
	}

	c.store.release(snap.CommandID)
	close(rec.done)
	c.publish(snap)

	c.metrics.RecordTransition(string(model.StatusRunning), "")
	c.metrics.RecordExecution(snap.NodeID, string(snap.Status), out.kind,
		float64(*snap.DurationMs)/1000, len(snap.Stdout)+len(snap.Stderr))
	if out.exitCode == nil || out.kind == "timeout" {
		c.metrics.RecordError(out.kind)
	}

	ev := logger.Info()
	if snap.Status == model.StatusFailed {
		ev = logger.Warn()
	}
	if snap.ExitCode != nil {
		ev = ev.Int("exit_code", *snap.ExitCode)
	}
	ev.Str("status", string(snap.Status)).
		Str("outcome", out.kind).
		Int64("duration_ms", *snap.DurationMs).
		Msg("execution finished")
	return true
}

func (c *Coordinator) anomaly(snap model.Execution, attempted string) {
	c.metrics.RecordAnomaly()
	log.Warn().
		Str("exec_id", snap.ID).
		Str("status", string(snap.Status)).
		Str("attempted", attempted).
		Msg("ignoring transition of execution in unexpected state")
}

func (c *Coordinator) publish(snap model.Execution) {
	if c.sink != nil {
		c.sink.SaveExecution(snap)
	}
}

// Restore loads persisted history. Executions a previous process left
// pending or running can never complete and are recorded as failed.
func (c *Coordinator) Restore(execs []model.Execution) int {
	restored := 0
	for _, e := range execs {
		if _, exists := c.store.lookup(e.ID); exists {
			continue
		}
		if !e.Status.Terminal() {
			now := time.Now().UTC()
			if e.StartedAt == nil {
				started := e.CreatedAt
				e.StartedAt = &started
			}
			d := now.Sub(*e.StartedAt).Milliseconds()
			if d < 0 {
				d = 0
			}
			e.Status = model.StatusFailed
			e.CompletedAt = &now
			e.DurationMs = &d
			e.ExitCode = nil
			if e.Stderr != "" {
				e.Stderr += "\n"
			}
			e.Stderr += "interrupted: coordinator restarted"
			c.publish(e)
			log.Warn().Str("exec_id", e.ID).Msg("marking interrupted execution as failed")
		}
		c.store.add(e)
		restored++
	}
	return restored
}

// Close stops accepting dispatches, cancels in-flight executor calls and
// waits up to timeout for background work to finish.
func (c *Coordinator) Close(timeout time.Duration) {
	c.mu.Lock()
	c.closed.Store(true)
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(timeout):
		log.Warn().Msg("timed out waiting for executions to drain")
	}
}
