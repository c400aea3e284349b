package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// NodeLister enumerates the nodes to sample.
type NodeLister interface {
	List() []model.Node
}

// Recorder observes accepted samples.
type Recorder interface {
	RecordGPUSample(source, nodeID string, utilization float64, memoryMB int64)
}

// CollectorConfig wires a Collector. Local may be nil when NVML is
// unavailable; Remote may be nil when pulling is disabled.
type CollectorConfig struct {
	Interval    time.Duration
	Retention   time.Duration
	LocalNodeID string
	Local       Source
	Remote      Source
	Recorder    Recorder
}

// Collector periodically samples every node and ingests the readings.
type Collector struct {
	store *Store
	nodes NodeLister
	cfg   CollectorConfig
	now   func() time.Time
}

func NewCollector(store *Store, nodes NodeLister, cfg CollectorConfig) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Collector{store: store, nodes: nodes, cfg: cfg, now: time.Now}
}

// Run samples on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	log.Info().Dur("interval", c.cfg.Interval).Msg("gpu collector started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("gpu collector stopped")
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Tick returns the current time truncated to the collection interval, so
// nodes sampled during the same tick share a timestamp.
func (c *Collector) Tick() int64 {
	secs := int64(c.cfg.Interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	ts := c.now().Unix()
	return ts - ts%secs
}

func (c *Collector) sourceFor(node model.Node) Source {
	if node.ID == c.cfg.LocalNodeID && c.cfg.Local != nil {
		return c.cfg.Local
	}
	return c.cfg.Remote
}

// Collect samples every node once and prunes expired samples. It returns
// the number of samples ingested.
func (c *Collector) Collect(ctx context.Context) int {
	ts := c.Tick()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		ingested int
	)
	for _, node := range c.nodes.List() {
		src := c.sourceFor(node)
		if src == nil {
			continue
		}
		wg.Add(1)
		go func(node model.Node, src Source) {
			defer wg.Done()
			reading, err := src.Read(ctx, node)
			if err != nil {
				ev := log.Debug()
				if !errors.Is(err, ErrNoDevices) {
					ev = log.Warn()
				}
				ev.Err(err).Str("node_id", node.ID).Str("source", src.Name()).Msg("gpu sample failed")
				return
			}
			sample, err := c.store.Ingest(node.ID, ts, reading.Utilization, reading.MemoryMB)
			if err != nil {
				log.Warn().Err(err).Str("node_id", node.ID).Msg("rejected gpu sample")
				return
			}
			if c.cfg.Recorder != nil {
				c.cfg.Recorder.RecordGPUSample(src.Name(), node.ID, sample.Utilization, sample.MemoryMB)
			}
			mu.Lock()
			ingested++
			mu.Unlock()
		}(node, src)
	}
	wg.Wait()

	if c.cfg.Retention > 0 {
		cutoff := c.now().Add(-c.cfg.Retention).Unix()
		if n := c.store.Prune(cutoff); n > 0 {
			log.Debug().Int("pruned", n).Msg("pruned expired gpu samples")
		}
	}
	return ingested
}
