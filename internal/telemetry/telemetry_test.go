package telemetry

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"boundless-bastion/internal/gpu"
	"boundless-bastion/internal/model"
)

type memSink struct {
	mu     sync.Mutex
	saved  []model.GpuSample
	pruned []int64
}

func (s *memSink) SaveSample(sample model.GpuSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, sample)
}

func (s *memSink) PruneSamples(before int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruned = append(s.pruned, before)
}

func i64(v int64) *int64 { return &v }

func TestIngest_Validation(t *testing.T) {
	s := NewStore(nil)

	tests := []struct {
		name string
		node string
		ts   int64
		util float64
		mem  int64
	}{
		{"empty node", "", 1000, 10, 1},
		{"zero timestamp", "n1", 0, 10, 1},
		{"negative timestamp", "n1", -5, 10, 1},
		{"nan utilization", "n1", 1000, math.NaN(), 1},
		{"negative memory", "n1", 1000, 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Ingest(tt.node, tt.ts, tt.util, tt.mem)
			require.Error(t, err)
			assert.True(t, model.IsValidation(err), "got %v", err)
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestIngest_ClampsUtilization(t *testing.T) {
	s := NewStore(nil)

	hi, err := s.Ingest("n1", 1000, 140, 10)
	require.NoError(t, err)
	assert.Equal(t, 100.0, hi.Utilization)

	lo, err := s.Ingest("n1", 1001, -3, 10)
	require.NoError(t, err)
	assert.Equal(t, 0.0, lo.Utilization)
}

func TestIngest_UpsertsByNodeAndTimestamp(t *testing.T) {
	sink := &memSink{}
	s := NewStore(sink)

	_, err := s.Ingest("n1", 1000, 10, 100)
	require.NoError(t, err)
	_, err = s.Ingest("n1", 1000, 55, 200)
	require.NoError(t, err)

	got := s.Query(model.SampleQuery{})
	require.Len(t, got, 1)
	assert.Equal(t, 55.0, got[0].Utilization)
	assert.Equal(t, int64(200), got[0].MemoryMB)
	assert.Len(t, sink.saved, 2)
}

func TestIngestBatch_AllOrNothing(t *testing.T) {
	sink := &memSink{}
	s := NewStore(sink)

	_, err := s.IngestBatch([]model.GpuSample{
		{NodeID: "n1", Timestamp: 1000, Utilization: 42, MemoryMB: 2048},
		{NodeID: "   ", Timestamp: 1000, Utilization: 1, MemoryMB: 1},
	})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err), "got %v", err)
	assert.Equal(t, 0, s.Len())
	assert.Empty(t, sink.saved)

	accepted, err := s.IngestBatch([]model.GpuSample{
		{NodeID: " n1 ", Timestamp: 1000, Utilization: 150, MemoryMB: 2048},
		{NodeID: "n2", Timestamp: 1000, Utilization: 10, MemoryMB: 0},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 2)
	assert.Equal(t, "n1", accepted[0].NodeID)
	assert.Equal(t, 100.0, accepted[0].Utilization)
	assert.Equal(t, 2, s.Len())
	assert.Len(t, sink.saved, 2)
}

func TestQuery_FiltersAndOrder(t *testing.T) {
	s := NewStore(nil)
	for _, in := range []model.GpuSample{
		{NodeID: "n2", Timestamp: 1000, Utilization: 1},
		{NodeID: "n1", Timestamp: 1000, Utilization: 2},
		{NodeID: "n1", Timestamp: 1015, Utilization: 3},
		{NodeID: "n2", Timestamp: 1030, Utilization: 4},
	} {
		_, err := s.Ingest(in.NodeID, in.Timestamp, in.Utilization, 0)
		require.NoError(t, err)
	}

	all := s.Query(model.SampleQuery{})
	require.Len(t, all, 4)
	assert.Equal(t, "n1", all[0].NodeID)
	assert.Equal(t, "n2", all[1].NodeID)
	assert.Equal(t, int64(1030), all[3].Timestamp)

	bounded := s.Query(model.SampleQuery{Since: i64(1015), Until: i64(1030)})
	assert.Len(t, bounded, 2)

	n1 := s.Query(model.SampleQuery{NodeID: "n1"})
	assert.Len(t, n1, 2)

	assert.Empty(t, s.Query(model.SampleQuery{Since: i64(2000)}))
}

func TestPruneAndRestore(t *testing.T) {
	sink := &memSink{}
	s := NewStore(sink)

	n := s.Restore([]model.GpuSample{
		{NodeID: "n1", Timestamp: 100, Utilization: 10},
		{NodeID: "n1", Timestamp: 200, Utilization: 10},
		{NodeID: "", Timestamp: 300},
	})
	assert.Equal(t, 2, n)
	assert.Empty(t, sink.saved)

	assert.Equal(t, 1, s.Prune(150))
	assert.Equal(t, []int64{150}, sink.pruned)
	assert.Equal(t, 0, s.Prune(150))
	assert.Equal(t, 1, s.Len())
}

func TestProperty_UpsertKeepsLastWrite(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := NewStore(nil)
		want := map[sampleKey]float64{}
		ops := rapid.IntRange(1, 50).Draw(rt, "ops")
		for i := 0; i < ops; i++ {
			node := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(rt, "node")
			ts := int64(rapid.IntRange(1, 5).Draw(rt, "ts"))
			util := rapid.Float64Range(-50, 150).Draw(rt, "util")
			got, err := s.Ingest(node, ts, util, 1)
			if err != nil {
				rt.Fatal(err)
			}
			if got.Utilization < 0 || got.Utilization > 100 {
				rt.Fatalf("utilization %v not clamped", got.Utilization)
			}
			want[sampleKey{node, ts}] = got.Utilization
		}

		all := s.Query(model.SampleQuery{})
		if len(all) != len(want) {
			rt.Fatalf("have %d samples, want %d", len(all), len(want))
		}
		for i, sample := range all {
			if want[sampleKey{sample.NodeID, sample.Timestamp}] != sample.Utilization {
				rt.Fatalf("sample %v is not the last write", sample)
			}
			if i > 0 {
				prev := all[i-1]
				if prev.Timestamp > sample.Timestamp ||
					(prev.Timestamp == sample.Timestamp && prev.NodeID >= sample.NodeID) {
					rt.Fatalf("samples out of order at %d", i)
				}
			}
		}
	})
}

func TestDecodeReading(t *testing.T) {
	r, err := decodeReading([]byte(`{"utilization": 42.5, "memory_mb": 2048}`))
	require.NoError(t, err)
	assert.Equal(t, Reading{Utilization: 42.5, MemoryMB: 2048}, r)

	r, err = decodeReading([]byte(` [{"utilization": 20, "memory_mb": 100}, {"utilization": 60, "memory_mb": 300}]`))
	require.NoError(t, err)
	assert.Equal(t, Reading{Utilization: 40, MemoryMB: 400}, r)

	_, err = decodeReading([]byte(`[]`))
	assert.ErrorIs(t, err, ErrNoDevices)

	_, err = decodeReading([]byte(`not json`))
	assert.Error(t, err)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/gpu" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"utilization": 75, "memory_mb": 8192}`))
	}))
	defer srv.Close()

	src := NewHTTPSource("", time.Second)
	r, err := src.Read(context.Background(), model.Node{ID: "n1", Address: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, 75.0, r.Utilization)

	_, err = NewHTTPSource("/missing", time.Second).Read(context.Background(), model.Node{ID: "n1", Address: srv.URL})
	assert.Error(t, err)
}

func TestNVMLSource(t *testing.T) {
	src := NewNVMLSource(gpu.NewMockProvider([]gpu.Metrics{
		{UUID: "GPU-0", GPUUtil: 30, MemoryUsed: 1000},
		{UUID: "GPU-1", GPUUtil: 50, MemoryUsed: 3000},
	}))
	r, err := src.Read(context.Background(), model.Node{ID: "node-local"})
	require.NoError(t, err)
	assert.Equal(t, Reading{Utilization: 40, MemoryMB: 4000}, r)

	_, err = NewNVMLSource(gpu.NewMockProvider(nil)).Read(context.Background(), model.Node{})
	assert.ErrorIs(t, err, ErrNoDevices)

	failing := gpu.NewMockProvider(nil)
	failing.MetricsErr = errors.New("driver gone")
	_, err = NewNVMLSource(failing).Read(context.Background(), model.Node{})
	assert.ErrorContains(t, err, "driver gone")
}

type staticNodes []model.Node

func (n staticNodes) List() []model.Node { return n }

type fixedSource struct {
	name    string
	reading Reading
	err     error
}

func (f fixedSource) Name() string { return f.name }

func (f fixedSource) Read(context.Context, model.Node) (Reading, error) {
	return f.reading, f.err
}

type countingRecorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingRecorder) RecordGPUSample(source, _ string, _ float64, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[source]++
}

func TestCollector_SharesTimestampAcrossNodes(t *testing.T) {
	store := NewStore(nil)
	rec := &countingRecorder{calls: map[string]int{}}
	nodes := staticNodes{
		{ID: "node-local", Name: "local"},
		{ID: "n2", Name: "two"},
		{ID: "n3", Name: "three"},
	}
	c := NewCollector(store, nodes, CollectorConfig{
		Interval:    15 * time.Second,
		Retention:   time.Hour,
		LocalNodeID: "node-local",
		Local:       fixedSource{name: "nvml", reading: Reading{Utilization: 10, MemoryMB: 1}},
		Remote:      fixedSource{name: "http", reading: Reading{Utilization: 20, MemoryMB: 2}},
		Recorder:    rec,
	})
	c.now = func() time.Time { return time.Unix(1_000_007, 0) }

	assert.Equal(t, int64(1_000_005), c.Tick())
	assert.Equal(t, 3, c.Collect(context.Background()))

	samples := store.Query(model.SampleQuery{})
	require.Len(t, samples, 3)
	for _, s := range samples {
		assert.Equal(t, int64(1_000_005), s.Timestamp)
	}
	assert.Equal(t, 1, rec.calls["nvml"])
	assert.Equal(t, 2, rec.calls["http"])
}

func TestCollector_SkipsFailuresAndPrunes(t *testing.T) {
	store := NewStore(nil)
	_, err := store.Ingest("n1", 10, 1, 1)
	require.NoError(t, err)

	c := NewCollector(store, staticNodes{{ID: "n1"}}, CollectorConfig{
		Interval:  time.Second,
		Retention: time.Minute,
		Remote:    fixedSource{name: "http", err: errors.New("unreachable")},
	})
	c.now = func() time.Time { return time.Unix(5000, 0) }

	assert.Equal(t, 0, c.Collect(context.Background()))
	assert.Equal(t, 0, store.Len())
}

func BenchmarkIngest(b *testing.B) {
	s := NewStore(nil)
	nodes := []string{"node-a", "node-b", "node-c", "node-d"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := s.Ingest(nodes[i%len(nodes)], int64(1_000_000+i/len(nodes)), 42.5, 8192); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQuery(b *testing.B) {
	s := NewStore(nil)
	for ts := int64(0); ts < 2000; ts++ {
		for _, n := range []string{"node-a", "node-b"} {
			_, _ = s.Ingest(n, 1_000_000+ts, 50, 1024)
		}
	}
	q := model.SampleQuery{Since: i64(1_000_500), NodeID: "node-a"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.Query(q)
	}
}
