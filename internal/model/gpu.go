package model

// GpuSample is one telemetry reading for a node at a second-resolution
// timestamp. At most one sample exists per (NodeID, Timestamp).
type GpuSample struct {
	NodeID      string  `json:"node_id"`
	Timestamp   int64   `json:"timestamp"`
	Utilization float64 `json:"utilization"`
	MemoryMB    int64   `json:"memory_mb"`
}

// SampleQuery selects samples by inclusive time bounds and optional node.
type SampleQuery struct {
	Since  *int64
	Until  *int64
	NodeID string
}

// Match reports whether s falls within the query.
func (q SampleQuery) Match(s GpuSample) bool {
	if q.NodeID != "" && s.NodeID != q.NodeID {
		return false
	}
	if q.Since != nil && s.Timestamp < *q.Since {
		return false
	}
	if q.Until != nil && s.Timestamp > *q.Until {
		return false
	}
	return true
}
