package agents

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepo struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{agents: map[string]Agent{}} }

func (r *MemoryRepo) Get(ctx context.Context, id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *MemoryRepo) Save(ctx context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = a
	return nil
}

func (r *MemoryRepo) ListByCampaign(ctx context.Context, campaignID string) ([]Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0)
	for _, a := range r.agents {
		if a.CampaignID == campaignID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
