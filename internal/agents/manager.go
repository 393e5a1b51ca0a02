package agents

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"contact-center/internal/apperr"
	"contact-center/internal/events"
	"contact-center/internal/queue"
)

// CapacityResolver supplies the per-agent call cap of a campaign.
type CapacityResolver interface {
	CapacityFor(ctx context.Context, campaignID string) int
}

// Manager is the single writer of agent status. Status is the source of truth
// for queue membership.
type Manager struct {
	repo     Repository
	monitor  *queue.Monitor
	pub      events.Publisher
	log      *slog.Logger
	capacity CapacityResolver

	locks sync.Map // agent id -> *sync.Mutex
	clock func() time.Time
}

// NewManager wires the manager and its queue monitor. depth counts eligible records.
func NewManager(repo Repository, depth queue.DepthCounter, pub events.Publisher, log *slog.Logger) *Manager {
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{repo: repo, pub: pub, log: log, clock: time.Now}
	m.monitor = queue.NewMonitor(m, depth)
	return m
}

// Monitor returns the queue depth monitor backed by this manager.
func (m *Manager) Monitor() *queue.Monitor { return m.monitor }

func (m *Manager) SetCapacityResolver(r CapacityResolver) { m.capacity = r }

func (m *Manager) lock(agentID string) func() {
	v, _ := m.locks.LoadOrStore(agentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// SetStatus transitions an agent and returns the snapshot of its campaign.
// campaignID, when non-empty, also (re)assigns the agent.
//
// Leaving OnCall while a call is still active fails with CallInProgress.
func (m *Manager) SetStatus(ctx context.Context, agentID string, status Status, campaignID string) (queue.Snapshot, error) {
	const op = "agents.SetStatus"
	if agentID == "" {
		return queue.Snapshot{}, apperr.Validation(op, "agent_id is required")
	}
	if !status.Valid() {
		return queue.Snapshot{}, apperr.Validation(op, "unknown status "+string(status))
	}

	unlock := m.lock(agentID)
	a, err := m.repo.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		a = Agent{ID: agentID, Status: StatusOffline, Capacity: 1}
	} else if err != nil {
		unlock()
		return queue.Snapshot{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	if a.Status == StatusOnCall && status != StatusOnCall && a.ActiveCalls > 0 {
		unlock()
		return queue.Snapshot{}, apperr.New(apperr.KindCallInProgress, op, "end the active call first")
	}

	now := m.clock().UTC()
	prev := a.Status
	if campaignID != "" && campaignID != a.CampaignID {
		a.CampaignID = campaignID
		if m.capacity != nil {
			if n := m.capacity.CapacityFor(ctx, campaignID); n > 0 {
				a.Capacity = n
			}
		}
	}
	if prev != status {
		a.StatusSince = now
	}
	a.Status = status
	a.UpdatedAt = now
	err = m.repo.Save(ctx, a)
	unlock()
	if err != nil {
		return queue.Snapshot{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	m.log.InfoContext(ctx, "agent status changed", "agent_id", agentID, "campaign_id", a.CampaignID, "from", prev, "to", status)
	m.pub.Publish(events.Event{
		Type:       events.TypeAgentStatusChanged,
		AgentID:    agentID,
		CampaignID: a.CampaignID,
		Detail:     string(status),
		OccurredAt: now,
	})

	if a.CampaignID == "" {
		return queue.Compute("", 0, 0, 1, now), nil
	}
	snap, err := m.monitor.Snapshot(ctx, a.CampaignID)
	if err != nil {
		return queue.Snapshot{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return snap, nil
}

func (m *Manager) Get(ctx context.Context, agentID string) (Agent, error) {
	a, err := m.repo.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return Agent{}, apperr.NotFound("agents.Get", "agent not found")
	}
	if err != nil {
		return Agent{}, apperr.Wrap(apperr.KindInternal, "agents.Get", err)
	}
	return a, nil
}

// IsAvailable reports whether the agent can take a call right now.
func (m *Manager) IsAvailable(ctx context.Context, agentID string) (bool, error) {
	a, err := m.repo.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.CanTakeCall(), nil
}

// BeginCall reserves one of the agent's call slots and moves it to OnCall.
func (m *Manager) BeginCall(ctx context.Context, agentID string) error {
	const op = "agents.BeginCall"
	unlock := m.lock(agentID)
	defer unlock()

	a, err := m.repo.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return apperr.NotEligible(op, "agent is not logged in")
	}
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	busyWithSpare := a.Status == StatusOnCall && a.ActiveCalls > 0 && a.ActiveCalls < a.capacity()
	if !a.CanTakeCall() && !busyWithSpare {
		return apperr.NotEligible(op, "agent is not available")
	}

	now := m.clock().UTC()
	a.ActiveCalls++
	if a.Status != StatusOnCall {
		a.Status = StatusOnCall
		a.StatusSince = now
	}
	a.UpdatedAt = now
	if err := m.repo.Save(ctx, a); err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	m.pub.Publish(events.Event{Type: events.TypeAgentStatusChanged, AgentID: agentID, CampaignID: a.CampaignID, Detail: string(StatusOnCall), OccurredAt: now})
	return nil
}

// FinishCall frees a call slot. The last slot returns an OnCall agent to Available.
// Unknown agents (e.g. the unassigned placeholder) are ignored.
func (m *Manager) FinishCall(ctx context.Context, agentID string) error {
	if agentID == "" {
		return nil
	}
	unlock := m.lock(agentID)
	defer unlock()

	a, err := m.repo.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.ActiveCalls > 0 {
		a.ActiveCalls--
	}
	now := m.clock().UTC()
	changed := false
	if a.ActiveCalls == 0 && a.Status == StatusOnCall {
		a.Status = StatusAvailable
		a.StatusSince = now
		changed = true
	}
	a.UpdatedAt = now
	if err := m.repo.Save(ctx, a); err != nil {
		return err
	}
	if changed {
		m.pub.Publish(events.Event{Type: events.TypeAgentStatusChanged, AgentID: agentID, CampaignID: a.CampaignID, Detail: string(StatusAvailable), OccurredAt: now})
	}
	return nil
}

// ListAvailable returns agents that can take a call, longest idle first.
func (m *Manager) ListAvailable(ctx context.Context, campaignID string) ([]Agent, error) {
	all, err := m.repo.ListByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	out := make([]Agent, 0, len(all))
	for _, a := range all {
		if a.CanTakeCall() {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StatusSince.Equal(out[j].StatusSince) {
			return out[i].StatusSince.Before(out[j].StatusSince)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Manager) CountAvailable(ctx context.Context, campaignID string) (int, error) {
	avail, err := m.ListAvailable(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return len(avail), nil
}
