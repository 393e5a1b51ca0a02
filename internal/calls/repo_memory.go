package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"contact-center/internal/campaigns"
)

// PlaceholderEnsurer creates missing parent rows. campaigns.MemoryRepo satisfies it.
type PlaceholderEnsurer interface {
	EnsurePlaceholders(ctx context.Context, ps []campaigns.Placeholder) error
}

// MemoryRepo is an in-memory call store for tests and single-process runs.
// Placeholders are ensured before the call is stored; a failure stores nothing.
type MemoryRepo struct {
	mu     sync.Mutex
	calls  map[string]CallRecord
	ensure PlaceholderEnsurer
	clock  func() time.Time
}

func NewMemoryRepo(ensure PlaceholderEnsurer) *MemoryRepo {
	return &MemoryRepo{calls: map[string]CallRecord{}, ensure: ensure, clock: time.Now}
}

func (r *MemoryRepo) Insert(ctx context.Context, rec CallRecord, ensure []campaigns.Placeholder) error {
	if len(ensure) > 0 && r.ensure != nil {
		if err := r.ensure.EnsurePlaceholders(ctx, ensure); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[rec.ID] = rec
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) GetByProviderID(ctx context.Context, providerCallID string) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.calls {
		if providerCallID != "" && c.ProviderCallID == providerCallID {
			return c, nil
		}
	}
	return CallRecord{}, ErrNotFound
}

func (r *MemoryRepo) Update(ctx context.Context, id string, p Patch) (CallRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	if !p.allows(c.State) {
		return c, ErrStateConflict
	}
	p.apply(&c, r.clock().UTC())
	r.calls[id] = c
	return c, nil
}

func (r *MemoryRepo) ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit int) ([]CallRecord, error) {
	r.mu.Lock()
	out := make([]CallRecord, 0)
	for _, c := range r.calls {
		if c.CampaignID != campaignID || c.StartedAt.Before(since) {
			continue
		}
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepo) CountInStates(ctx context.Context, campaignID string, states ...State) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.CampaignID != campaignID {
			continue
		}
		for _, s := range states {
			if c.State == s {
				n++
				break
			}
		}
	}
	return n, nil
}
