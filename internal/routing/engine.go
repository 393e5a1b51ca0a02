package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/campaigns"
)

// AgentPool lists a campaign's Available agents, longest idle first.
type AgentPool interface {
	ListAvailable(ctx context.Context, campaignID string) ([]agents.Agent, error)
}

// Binder reserves agentID for the call being routed. A not_eligible error
// means the agent was taken in the meantime and the next candidate is tried.
type Binder func(ctx context.Context, agentID string) error

type RouteInput struct {
	CampaignID string
	CallID     string
	// AgentID is the agent already reserved for the call, if any.
	AgentID string
}

// Engine routes answered calls to agents. It returns a Decision only and
// never talks to a provider.
type Engine struct {
	agents    AgentPool
	overrides *OverrideEngine
	agentURI  string
	log       *slog.Logger
}

// NewEngine builds an engine. agentURI is a fmt template with one %s for the
// agent id, e.g. "sip:%s@agents.example.net".
func NewEngine(pool AgentPool, overrides *OverrideEngine, agentURI string, log *slog.Logger) *Engine {
	if agentURI == "" {
		agentURI = "sip:%s@agents.local"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{agents: pool, overrides: overrides, agentURI: agentURI, log: log}
}

func (e *Engine) URIFor(agentID string) string { return fmt.Sprintf(e.agentURI, agentID) }

// Route picks the agent for an answered call:
//  1. an active supervisor override for the campaign,
//  2. the agent reserved when the call was started,
//  3. the longest-idle Available agent of the campaign.
//
// With no agent left the decision is a hangup and the caller ends the call as abandoned.
func (e *Engine) Route(ctx context.Context, in RouteInput, bind Binder) (Decision, error) {
	if in.CallID == "" {
		return Decision{}, apperr.Validation("routing.Route", "call_id required")
	}
	base := Decision{CampaignID: in.CampaignID, CallID: in.CallID}

	if in.AgentID != "" && in.AgentID != campaigns.UnassignedAgentID {
		return e.connect(base, in.AgentID, ReasonAssigned), nil
	}

	if e.overrides != nil {
		o, ok, err := e.overrides.Active(ctx, in.CampaignID)
		if err != nil {
			e.log.WarnContext(ctx, "override lookup failed", "campaign_id", in.CampaignID, "err", err)
		}
		if ok {
			err := bind(ctx, o.AgentID)
			if err == nil {
				e.overrides.Applied(ctx, o, in.CallID)
				return e.connect(base, o.AgentID, ""), nil
			}
			if !errors.Is(err, apperr.ErrNotEligible) {
				return Decision{}, err
			}
		}
	}

	candidates, err := e.agents.ListAvailable(ctx, in.CampaignID)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, "routing.Route", err)
	}
	for _, a := range candidates {
		err := bind(ctx, a.ID)
		if err == nil {
			return e.connect(base, a.ID, ReasonLongestIdle), nil
		}
		if !errors.Is(err, apperr.ErrNotEligible) {
			return Decision{}, err
		}
		e.log.DebugContext(ctx, "routing candidate taken", "call_id", in.CallID, "agent_id", a.ID)
	}

	base.Action = ActionHangup
	base.Reason = ReasonNoAvailableAgent
	return base, nil
}

func (e *Engine) connect(d Decision, agentID, reason string) Decision {
	d.Action = ActionConnect
	d.AgentID = agentID
	d.ConnectTo = e.URIFor(agentID)
	d.Reason = reason
	return d
}
