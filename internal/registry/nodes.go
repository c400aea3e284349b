package registry

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// NodeSink receives committed node mutations.
type NodeSink interface {
	SaveNode(node model.Node)
	DeleteNode(id string)
}

// NodeRegistry holds the set of known nodes. It is read-mostly: registration
// and removal are administrative operations.
type NodeRegistry struct {
	mu     sync.RWMutex
	byID   map[string]model.Node
	byName map[string]string
	order  []string

	// reachability entries expire so stale probe results are not reported.
	reach *gocache.Cache
	sink  NodeSink
}

// NewNodeRegistry creates an empty registry. reachabilityTTL bounds how long
// a probe result is reported after it was taken.
func NewNodeRegistry(reachabilityTTL time.Duration, sink NodeSink) *NodeRegistry {
	if reachabilityTTL <= 0 {
		reachabilityTTL = time.Minute
	}
	return &NodeRegistry{
		byID:   make(map[string]model.Node),
		byName: make(map[string]string),
		reach:  gocache.New(reachabilityTTL, 2*reachabilityTTL),
		sink:   sink,
	}
}

// Register adds a node. An empty id is generated.
func (r *NodeRegistry) Register(node model.Node) (model.Node, error) {
	node.Name = strings.TrimSpace(node.Name)
	node.Address = strings.TrimRight(strings.TrimSpace(node.Address), "/")
	if node.Name == "" {
		return model.Node{}, model.Validationf("node name is required")
	}
	if node.Address == "" {
		return model.Node{}, model.Validationf("node address is required")
	}
	if _, err := url.Parse(node.Address); err != nil {
		return model.Node{}, model.Validationf("node address %q: %v", node.Address, err)
	}
	if node.ID == "" {
		node.ID = model.NewID("node")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[node.ID]; exists {
		return model.Node{}, model.Conflict("register node", node.ID, "id already registered")
	}
	if _, taken := r.byName[node.Name]; taken {
		return model.Node{}, model.Conflict("register node", node.ID, fmt.Sprintf("name %q already exists", node.Name))
	}

	r.byID[node.ID] = node
	r.byName[node.Name] = node.ID
	r.order = append(r.order, node.ID)

	if r.sink != nil {
		r.sink.SaveNode(node)
	}
	log.Info().Str("node_id", node.ID).Str("address", node.Address).Msg("node registered")
	return node, nil
}

// Remove deletes a node. Executions that referenced it are kept.
func (r *NodeRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.byID[id]
	if !ok {
		return model.NotFound("remove node", "node", id)
	}
	delete(r.byID, id)
	delete(r.byName, node.Name)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.reach.Delete(id)

	if r.sink != nil {
		r.sink.DeleteNode(id)
	}
	log.Info().Str("node_id", id).Msg("node removed")
	return nil
}

// Get returns the node with the given id.
func (r *NodeRegistry) Get(id string) (model.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.byID[id]
	if !ok {
		return model.Node{}, model.NotFound("get node", "node", id)
	}
	return node, nil
}

// List returns nodes in registration order.
func (r *NodeRegistry) List() []model.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Restore loads persisted nodes without echoing them back to the sink.
// Nodes whose id or name is already registered are skipped.
func (r *NodeRegistry) Restore(nodes []model.Node) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, node := range nodes {
		if _, ok := r.byID[node.ID]; ok {
			continue
		}
		if _, ok := r.byName[node.Name]; ok {
			continue
		}
		r.byID[node.ID] = node
		r.byName[node.Name] = node.ID
		r.order = append(r.order, node.ID)
		restored++
	}
	return restored
}

// SetReachability records a probe result for id.
func (r *NodeRegistry) SetReachability(id string, reach model.Reachability) {
	r.reach.SetDefault(id, reach)
}

// Reachability returns the last unexpired probe result for id.
func (r *NodeRegistry) Reachability(id string) (model.Reachability, bool) {
	v, ok := r.reach.Get(id)
	if !ok {
		return model.Reachability{}, false
	}
	reach, ok := v.(model.Reachability)
	return reach, ok
}
