// Package query is the read side of the control plane: execution listings,
// GPU samples and chart rows for the dashboard.
package query

import (
	"encoding/json"
	"sort"
	"strconv"

	"boundless-bastion/internal/model"
)

// Executions is the read surface of the execution coordinator.
type Executions interface {
	Get(id string) (model.Execution, error)
	List(filter model.ExecutionFilter) []model.Execution
	Counts() map[model.ExecutionStatus]int
}

// Samples is the read surface of the telemetry store.
type Samples interface {
	Query(q model.SampleQuery) []model.GpuSample
}

type Facade struct {
	executions Executions
	samples    Samples
}

func NewFacade(executions Executions, samples Samples) *Facade {
	return &Facade{executions: executions, samples: samples}
}

// Executions returns executions matching filter, most recent first.
func (f *Facade) Executions(filter model.ExecutionFilter) []model.Execution {
	return f.executions.List(filter)
}

func (f *Facade) Execution(id string) (model.Execution, error) {
	return f.executions.Get(id)
}

func (f *Facade) Samples(q model.SampleQuery) []model.GpuSample {
	return f.samples.Query(q)
}

// NodeReading is one node's values within a chart row.
type NodeReading struct {
	Utilization float64
	MemoryMB    int64
}

// ChartRow groups every sample taken at one timestamp. Nodes that did not
// report at exactly that timestamp are absent.
type ChartRow struct {
	Timestamp int64
	Nodes     map[string]NodeReading
}

// MarshalJSON flattens the row to {"timestamp":T,"<node>_util":U,"<node>_mem":M}.
func (r ChartRow) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, 1+2*len(r.Nodes))
	flat["timestamp"] = r.Timestamp
	for node, reading := range r.Nodes {
		flat[node+"_util"] = reading.Utilization
		flat[node+"_mem"] = reading.MemoryMB
	}
	return json.Marshal(flat)
}

// Chart buckets samples by exact timestamp, ascending.
func (f *Facade) Chart(q model.SampleQuery) []ChartRow {
	return BuildChart(f.samples.Query(q))
}

// BuildChart groups samples into rows by timestamp.
func BuildChart(samples []model.GpuSample) []ChartRow {
	byTS := make(map[int64]*ChartRow)
	for _, s := range samples {
		row, ok := byTS[s.Timestamp]
		if !ok {
			row = &ChartRow{Timestamp: s.Timestamp, Nodes: make(map[string]NodeReading)}
			byTS[s.Timestamp] = row
		}
		row.Nodes[s.NodeID] = NodeReading{Utilization: s.Utilization, MemoryMB: s.MemoryMB}
	}

	rows := make([]ChartRow, 0, len(byTS))
	for _, row := range byTS {
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })
	return rows
}

// Summary counts executions per status.
type Summary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (f *Facade) Summary() Summary {
	counts := f.executions.Counts()
	s := Summary{
		Pending:   counts[model.StatusPending],
		Running:   counts[model.StatusRunning],
		Succeeded: counts[model.StatusSucceeded],
		Failed:    counts[model.StatusFailed],
	}
	s.Total = s.Pending + s.Running + s.Succeeded + s.Failed
	return s
}

// ParseTimestamp parses an optional epoch-seconds query parameter.
func ParseTimestamp(name, raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, model.Validationf("%s must be an integer epoch timestamp, got %q", name, raw)
	}
	return &v, nil
}
