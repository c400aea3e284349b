package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
	"boundless-bastion/internal/monitor"
	"boundless-bastion/internal/query"
)

// Commands is the command registry as seen by the API.
type Commands interface {
	Create(in model.CommandInput) (model.Command, error)
	Update(id string, in model.CommandInput) (model.Command, error)
	Patch(id string, overlay func(cur model.Command) model.CommandInput) (model.Command, error)
	Delete(id string) error
	Get(id string) (model.Command, error)
	List() []model.Command
}

// Nodes is the node registry as seen by the API.
type Nodes interface {
	Register(node model.Node) (model.Node, error)
	Remove(id string) error
	Get(id string) (model.Node, error)
	List() []model.Node
	Reachability(id string) (model.Reachability, bool)
}

// Dispatcher starts and observes executions.
type Dispatcher interface {
	Dispatch(ctx context.Context, commandID, nodeID string) (model.Execution, error)
	Wait(ctx context.Context, id string) (model.Execution, error)
	Watch(id string) (<-chan struct{}, error)
}

// Ingester accepts pushed GPU samples. Batches are all or nothing.
type Ingester interface {
	IngestBatch(batch []model.GpuSample) ([]model.GpuSample, error)
}

// DispatchConfig controls how POST /execute waits.
type DispatchConfig struct {
	Wait    bool
	MaxWait time.Duration
}

type Handlers struct {
	commands   Commands
	nodes      Nodes
	dispatcher Dispatcher
	query      *query.Facade
	ingester   Ingester
	metrics    *monitor.Metrics
	analyzer   *monitor.ScriptAnalyzer
	dispatch   DispatchConfig
}

func NewHandlers(commands Commands, nodes Nodes, dispatcher Dispatcher, facade *query.Facade, ingester Ingester,
	metrics *monitor.Metrics, analyzer *monitor.ScriptAnalyzer, dispatch DispatchConfig) *Handlers {
	return &Handlers{
		commands:   commands,
		nodes:      nodes,
		dispatcher: dispatcher,
		query:      facade,
		ingester:   ingester,
		metrics:    metrics,
		analyzer:   analyzer,
		dispatch:   dispatch,
	}
}

// Commands

func (h *Handlers) HandleListCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.commands.List())
}

func (h *Handlers) HandleGetCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.commands.Get(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

func (h *Handlers) HandleCreateCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}
	cmd, err := h.commands.Create(req.input())
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, h.commandResponse(cmd))
}

func (h *Handlers) HandleReplaceCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}
	cmd, err := h.commands.Update(r.PathValue("id"), req.input())
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, h.commandResponse(cmd))
}

func (h *Handlers) HandlePatchCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandPatchRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}
	cmd, err := h.commands.Patch(r.PathValue("id"), req.apply)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, h.commandResponse(cmd))
}

func (h *Handlers) HandleDeleteCommand(w http.ResponseWriter, r *http.Request) {
	if err := h.commands.Delete(r.PathValue("id")); err != nil {
		writeDomainError(w, err, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) commandResponse(cmd model.Command) CommandResponse {
	resp := CommandResponse{Command: cmd}
	if h.analyzer == nil {
		return resp
	}
	resp.Warnings = h.analyzer.AnalyzeScript(cmd.Script)
	for _, f := range resp.Warnings {
		h.metrics.RecordScriptFinding(f.Pattern)
	}
	return resp
}

// Nodes

func (h *Handlers) HandleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.nodes.List()
	resp := make([]NodeResponse, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, h.nodeResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req NodeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}
	node, err := h.nodes.Register(model.Node{ID: req.ID, Name: req.Name, Address: req.Address})
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusCreated, h.nodeResponse(node))
}

func (h *Handlers) HandleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if err := h.nodes.Remove(r.PathValue("id")); err != nil {
		writeDomainError(w, err, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) nodeResponse(n model.Node) NodeResponse {
	resp := NodeResponse{Node: n}
	if reach, ok := h.nodes.Reachability(n.ID); ok {
		reachable := reach.Reachable
		checked := reach.CheckedAt
		resp.Reachable = &reachable
		resp.CheckedAt = &checked
		resp.LastError = reach.Error
	}
	return resp
}

// Executions

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}

	wait := h.dispatch.Wait
	if raw := r.URL.Query().Get("wait"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeDomainError(w, model.Validationf("wait must be true or false, got %q", raw), r)
			return
		}
		wait = v
	}

	// Dispatch is detached from the request so a client disconnect never
	// affects the execution itself.
	exec, err := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req.CommandID, req.NodeID)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, exec)
		return
	}

	ctx := r.Context()
	if h.dispatch.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.dispatch.MaxWait)
		defer cancel()
	}
	exec, err = h.dispatcher.Wait(ctx, exec.ID)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	if !exec.Status.Terminal() {
		writeJSON(w, http.StatusAccepted, exec)
		return
	}
	h.inspectOutput(exec)
	writeJSON(w, http.StatusOK, exec)
}

// inspectOutput flags sensitive material in a finished execution's output.
func (h *Handlers) inspectOutput(exec model.Execution) {
	if h.analyzer == nil {
		return
	}
	for _, f := range h.analyzer.AnalyzeOutput(exec.Stdout + "\n" + exec.Stderr) {
		h.metrics.RecordScriptFinding(f.Pattern)
		log.Warn().
			Str("exec_id", exec.ID).
			Str("pattern", f.Pattern).
			Str("severity", f.Severity).
			Msg("sensitive content in execution output")
	}
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ExecutionFilter{
		CommandID: q.Get("command_id"),
		NodeID:    q.Get("node_id"),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := model.ParseStatus(raw)
		if err != nil {
			writeDomainError(w, err, r)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = parseNonNegative("limit", q.Get("limit")); err != nil {
		writeDomainError(w, err, r)
		return
	}
	if filter.Offset, err = parseNonNegative("offset", q.Get("offset")); err != nil {
		writeDomainError(w, err, r)
		return
	}

	writeJSON(w, http.StatusOK, h.query.Executions(filter))
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.query.Execution(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleExecutionSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.query.Summary())
}

// HandleStreamExecution sends the current snapshot as a "status" event,
// then the terminal snapshot as a "done" event once it exists.
func (h *Handlers) HandleStreamExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	exec, err := h.query.Execution(id)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	done, err := h.dispatcher.Watch(id)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}

	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := sse.SendJSON("status", exec); err != nil {
		return
	}

	select {
	case <-done:
	case <-r.Context().Done():
		return
	}

	final, err := h.query.Execution(id)
	if err != nil {
		return
	}
	if err := sse.SendJSON("done", final); err != nil {
		log.Debug().Err(err).Str("exec_id", id).Msg("stream client went away")
	}
}

// Telemetry

func (h *Handlers) HandleListSamples(w http.ResponseWriter, r *http.Request) {
	q, err := sampleQuery(r)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, h.query.Samples(q))
}

func (h *Handlers) HandleChart(w http.ResponseWriter, r *http.Request) {
	q, err := sampleQuery(r)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	writeJSON(w, http.StatusOK, h.query.Chart(q))
}

func (h *Handlers) HandleIngestSamples(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeDomainError(w, err, r)
		return
	}
	batch := make([]model.GpuSample, 0, len(req.Samples))
	for _, in := range req.Samples {
		batch = append(batch, model.GpuSample{
			NodeID:      in.NodeID,
			Timestamp:   in.Timestamp,
			Utilization: in.Utilization,
			MemoryMB:    in.MemoryMB,
		})
	}
	accepted, err := h.ingester.IngestBatch(batch)
	if err != nil {
		writeDomainError(w, err, r)
		return
	}
	for _, sample := range accepted {
		h.metrics.RecordGPUSample("push", sample.NodeID, sample.Utilization, sample.MemoryMB)
	}
	writeJSON(w, http.StatusAccepted, IngestResponse{Accepted: len(accepted)})
}

func sampleQuery(r *http.Request) (model.SampleQuery, error) {
	q := r.URL.Query()
	since, err := query.ParseTimestamp("since", q.Get("since"))
	if err != nil {
		return model.SampleQuery{}, err
	}
	until, err := query.ParseTimestamp("until", q.Get("until"))
	if err != nil {
		return model.SampleQuery{}, err
	}
	if since != nil && until != nil && *since > *until {
		return model.SampleQuery{}, model.Validationf("since must not be after until")
	}
	return model.SampleQuery{Since: since, Until: until, NodeID: q.Get("node_id")}, nil
}

func parseNonNegative(name, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, model.Validationf("%s must be a non-negative integer, got %q", name, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the model error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error, r *http.Request) {
	switch {
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, model.ErrConflict):
		writeError(w, err.Error(), "CONFLICT", http.StatusConflict, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}
