package agents

import (
	"context"
	"errors"
	"time"
)

// Status is the agent lifecycle state. Only Available agents are dial targets.
type Status string

const (
	StatusAvailable Status = "Available"
	StatusOnCall    Status = "OnCall"
	StatusAway      Status = "Away"
	StatusBreak     Status = "Break"
	StatusOffline   Status = "Offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusOnCall, StatusAway, StatusBreak, StatusOffline:
		return true
	default:
		return false
	}
}

type Agent struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Status     Status `json:"status"`
	// Capacity is the maximum number of concurrent calls, normally 1.
	Capacity    int       `json:"capacity"`
	ActiveCalls int       `json:"active_calls"`
	StatusSince time.Time `json:"status_since"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CanTakeCall reports whether the agent may be handed another call.
func (a Agent) CanTakeCall() bool {
	return a.Status == StatusAvailable && a.ActiveCalls < a.capacity()
}

func (a Agent) capacity() int {
	if a.Capacity <= 0 {
		return 1
	}
	return a.Capacity
}

var ErrNotFound = errors.New("agents: not found")

// Repository stores live agent state. Each agent row is written only through
// the Manager's per-agent lock.
type Repository interface {
	Get(ctx context.Context, id string) (Agent, error)
	Save(ctx context.Context, a Agent) error
	ListByCampaign(ctx context.Context, campaignID string) ([]Agent, error)
}
