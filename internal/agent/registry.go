package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// Registry is a file-backed agent roster keyed by tenant. The roster
// file holds a flat JSON array of agents; order within a tenant decides
// the default agent (first wins).
type Registry struct {
	mu       sync.RWMutex
	byTenant map[string][]*Agent
}

// LoadRegistry reads the roster file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent roster: %w", err)
	}
	var agents []*Agent
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, fmt.Errorf("parse agent roster %s: %w", path, err)
	}
	return NewRegistry(agents), nil
}

// NewRegistry builds a registry from an agent list.
func NewRegistry(agents []*Agent) *Registry {
	r := &Registry{byTenant: make(map[string][]*Agent)}
	for _, a := range agents {
		r.byTenant[a.TenantID] = append(r.byTenant[a.TenantID], a)
	}
	return r
}

// GetAgent returns an agent by tenant and id.
func (r *Registry) GetAgent(_ context.Context, tenantID, agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.byTenant[tenantID] {
		if a.ID == agentID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("agent %s not found for tenant %s", agentID, tenantID)
}

// GetAgentsByTenant returns the tenant's agents in roster order.
func (r *Registry) GetAgentsByTenant(_ context.Context, tenantID string) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := r.byTenant[tenantID]
	out := make([]*Agent, len(agents))
	copy(out, agents)
	return out, nil
}

// GetRelatedAgents returns the tenant's other agents, the transfer and
// consultation candidates.
func (r *Registry) GetRelatedAgents(_ context.Context, tenantID, agentID string) ([]*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Agent
	for _, a := range r.byTenant[tenantID] {
		if a.ID != agentID {
			out = append(out, a)
		}
	}
	return out, nil
}
