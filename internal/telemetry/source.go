package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"boundless-bastion/internal/gpu"
	"boundless-bastion/internal/model"
)

// ErrNoDevices is returned by a source when the node has no GPUs to report.
var ErrNoDevices = errors.New("no GPU devices reported")

// Reading is one aggregated GPU reading for a node.
type Reading struct {
	Utilization float64
	MemoryMB    int64
}

// Source produces a GPU reading for a node.
type Source interface {
	Name() string
	Read(ctx context.Context, node model.Node) (Reading, error)
}

// NVMLSource reads the GPUs attached to this host.
type NVMLSource struct {
	provider gpu.Provider
}

// NewNVMLSource wraps an initialized provider.
func NewNVMLSource(provider gpu.Provider) *NVMLSource {
	return &NVMLSource{provider: provider}
}

func (s *NVMLSource) Name() string { return "nvml" }

func (s *NVMLSource) Read(_ context.Context, _ model.Node) (Reading, error) {
	devices, err := s.provider.GetMetrics()
	if err != nil {
		return Reading{}, fmt.Errorf("nvml: %w", err)
	}
	util, mem, ok := gpu.Aggregate(devices)
	if !ok {
		return Reading{}, ErrNoDevices
	}
	return Reading{Utilization: util, MemoryMB: mem}, nil
}

// deviceReading is the node daemon's GPU payload. Daemons report either one
// object for the whole node or one object per device.
type deviceReading struct {
	Utilization float64 `json:"utilization"`
	MemoryMB    int64   `json:"memory_mb"`
}

// HTTPSource pulls readings from the node daemon.
type HTTPSource struct {
	client *http.Client
	path   string
}

// NewHTTPSource creates a source that GETs {node.Address}{path}.
func NewHTTPSource(path string, timeout time.Duration) *HTTPSource {
	if path == "" {
		path = "/api/v1/gpu"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPSource{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) Read(ctx context.Context, node model.Node) (Reading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Address+s.path, nil)
	if err != nil {
		return Reading{}, fmt.Errorf("build gpu request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Reading{}, fmt.Errorf("pull gpu from %s: %w", node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("pull gpu from %s: status %d", node.ID, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Reading{}, fmt.Errorf("read gpu response: %w", err)
	}
	return decodeReading(body)
}

func decodeReading(body []byte) (Reading, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var devices []deviceReading
		if err := json.Unmarshal(body, &devices); err != nil {
			return Reading{}, fmt.Errorf("decode gpu list: %w", err)
		}
		if len(devices) == 0 {
			return Reading{}, ErrNoDevices
		}
		var r Reading
		for _, d := range devices {
			r.Utilization += d.Utilization
			r.MemoryMB += d.MemoryMB
		}
		r.Utilization /= float64(len(devices))
		return r, nil
	}

	var d deviceReading
	if err := json.Unmarshal(body, &d); err != nil {
		return Reading{}, fmt.Errorf("decode gpu reading: %w", err)
	}
	return Reading{Utilization: d.Utilization, MemoryMB: d.MemoryMB}, nil
}
