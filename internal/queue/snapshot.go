package queue

import (
	"context"
	"time"
)

// Snapshot is the derived view of a campaign's queue. It is never persisted.
type Snapshot struct {
	CampaignID       string    `json:"campaign_id"`
	AvailableAgents  int       `json:"available_agents"`
	QueueDepth       int       `json:"queue_depth"`
	DialRatio        float64   `json:"dial_ratio"`
	IsDiallingActive bool      `json:"is_dialling_active"`
	ComputedAt       time.Time `json:"computed_at"`
}

// Compute is the pure snapshot function. Callers supply the raw counts.
func Compute(campaignID string, availableAgents, queueDepth int, dialRatio float64, now time.Time) Snapshot {
	if availableAgents < 0 {
		availableAgents = 0
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	if dialRatio < 1 {
		dialRatio = 1
	}
	return Snapshot{
		CampaignID:       campaignID,
		AvailableAgents:  availableAgents,
		QueueDepth:       queueDepth,
		DialRatio:        dialRatio,
		IsDiallingActive: availableAgents > 0 && queueDepth > 0,
		ComputedAt:       now.UTC(),
	}
}

// AgentCounter counts agents currently eligible as dial targets.
type AgentCounter interface {
	CountAvailable(ctx context.Context, campaignID string) (int, error)
}

// DepthCounter counts records that satisfy the selection predicate and are not in flight.
type DepthCounter interface {
	CountEligible(ctx context.Context, campaignID string, now time.Time) (int, error)
}

// RatioSource reports the current dial ratio for a campaign (1.0 when unknown).
type RatioSource interface {
	CurrentRatio(ctx context.Context, campaignID string) float64
}

// Monitor is the read-only queue depth aggregator. It holds no state of its own.
type Monitor struct {
	agents AgentCounter
	depth  DepthCounter
	ratio  RatioSource
	clock  func() time.Time
}

func NewMonitor(agents AgentCounter, depth DepthCounter) *Monitor {
	return &Monitor{agents: agents, depth: depth, clock: time.Now}
}

// WithRatioSource attaches the pacing ratio source. Without one the ratio is 1.0.
func (m *Monitor) WithRatioSource(r RatioSource) *Monitor {
	m.ratio = r
	return m
}

func (m *Monitor) Snapshot(ctx context.Context, campaignID string) (Snapshot, error) {
	now := m.clock()
	available, err := m.agents.CountAvailable(ctx, campaignID)
	if err != nil {
		return Snapshot{}, err
	}
	depth, err := m.depth.CountEligible(ctx, campaignID, now)
	if err != nil {
		return Snapshot{}, err
	}
	ratio := 1.0
	if m.ratio != nil {
		ratio = m.ratio.CurrentRatio(ctx, campaignID)
	}
	return Compute(campaignID, available, depth, ratio, now), nil
}
