package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// ProbeObserver is notified of every probe outcome.
type ProbeObserver interface {
	RecordNodeReachability(nodeID string, reachable bool)
}

// Prober periodically checks each node's health endpoint and records
// reachability on the registry.
type Prober struct {
	nodes    *NodeRegistry
	client   *http.Client
	interval time.Duration
	maxWait  time.Duration
	path     string
	observer ProbeObserver
}

// NewProber creates a prober. maxWait bounds the retries for a single node
// within one round.
func NewProber(nodes *NodeRegistry, interval, maxWait time.Duration, observer ProbeObserver) *Prober {
	return &Prober{
		nodes:    nodes,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		maxWait:  maxWait,
		path:     "/healthz",
		observer: observer,
	}
}

// Run probes all nodes every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.ProbeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe round over every registered node.
func (p *Prober) ProbeAll(ctx context.Context) {
	for _, node := range p.nodes.List() {
		if ctx.Err() != nil {
			return
		}
		reach := p.Probe(ctx, node)
		p.nodes.SetReachability(node.ID, reach)
		if p.observer != nil {
			p.observer.RecordNodeReachability(node.ID, reach.Reachable)
		}
	}
}

// Probe checks a single node, retrying with exponential backoff.
func (p *Prober) Probe(ctx context.Context, node model.Node) model.Reachability {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = p.maxWait

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Address+p.path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("health check returned %d", resp.StatusCode)
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	reach := model.Reachability{
		Reachable: err == nil,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		reach.Error = err.Error()
		log.Debug().Err(err).Str("node_id", node.ID).Msg("node unreachable")
	}
	return reach
}
