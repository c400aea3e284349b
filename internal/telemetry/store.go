package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"boundless-bastion/internal/model"
)

// SampleSink receives every accepted sample and every prune.
type SampleSink interface {
	SaveSample(s model.GpuSample)
	PruneSamples(before int64)
}

type sampleKey struct {
	node string
	ts   int64
}

// Store keeps at most one GPU sample per (node, timestamp).
type Store struct {
	mu      sync.RWMutex
	samples map[sampleKey]model.GpuSample
	sink    SampleSink
}

func NewStore(sink SampleSink) *Store {
	return &Store{
		samples: make(map[sampleKey]model.GpuSample),
		sink:    sink,
	}
}

// normalize validates a sample and clamps utilization into [0, 100].
func normalize(s model.GpuSample) (model.GpuSample, error) {
	s.NodeID = strings.TrimSpace(s.NodeID)
	switch {
	case s.NodeID == "":
		return s, model.Validationf("node_id is required")
	case s.Timestamp <= 0:
		return s, model.Validationf("timestamp must be positive, got %d", s.Timestamp)
	case math.IsNaN(s.Utilization):
		return s, model.Validationf("utilization is not a number")
	case s.MemoryMB < 0:
		return s, model.Validationf("memory_mb must be non-negative, got %d", s.MemoryMB)
	}
	s.Utilization = math.Min(100, math.Max(0, s.Utilization))
	return s, nil
}

// Ingest upserts a sample. A later sample for the same node and timestamp
// replaces the earlier one.
func (s *Store) Ingest(nodeID string, timestamp int64, utilization float64, memoryMB int64) (model.GpuSample, error) {
	sample, err := normalize(model.GpuSample{
		NodeID:      nodeID,
		Timestamp:   timestamp,
		Utilization: utilization,
		MemoryMB:    memoryMB,
	})
	if err != nil {
		return model.GpuSample{}, err
	}

	s.mu.Lock()
	s.samples[sampleKey{sample.NodeID, sample.Timestamp}] = sample
	s.mu.Unlock()

	if s.sink != nil {
		s.sink.SaveSample(sample)
	}
	return sample, nil
}

// IngestBatch validates every sample before storing any of them. A single
// invalid sample rejects the whole batch.
func (s *Store) IngestBatch(batch []model.GpuSample) ([]model.GpuSample, error) {
	accepted := make([]model.GpuSample, 0, len(batch))
	for i, in := range batch {
		sample, err := normalize(in)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		accepted = append(accepted, sample)
	}

	s.mu.Lock()
	for _, sample := range accepted {
		s.samples[sampleKey{sample.NodeID, sample.Timestamp}] = sample
	}
	s.mu.Unlock()

	if s.sink != nil {
		for _, sample := range accepted {
			s.sink.SaveSample(sample)
		}
	}
	return accepted, nil
}

// Query returns matching samples ordered by timestamp, then node id.
func (s *Store) Query(q model.SampleQuery) []model.GpuSample {
	s.mu.RLock()
	out := make([]model.GpuSample, 0, len(s.samples))
	for _, sample := range s.samples {
		if q.Match(sample) {
			out = append(out, sample)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Prune drops samples older than before and returns how many were removed.
func (s *Store) Prune(before int64) int {
	s.mu.Lock()
	removed := 0
	for k := range s.samples {
		if k.ts < before {
			delete(s.samples, k)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 && s.sink != nil {
		s.sink.PruneSamples(before)
	}
	return removed
}

// Restore loads persisted samples without echoing them to the sink.
// Invalid samples are skipped.
func (s *Store) Restore(samples []model.GpuSample) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, raw := range samples {
		sample, err := normalize(raw)
		if err != nil {
			continue
		}
		s.samples[sampleKey{sample.NodeID, sample.Timestamp}] = sample
		n++
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples)
}
