package routing

import (
	"context"
	"errors"
	"testing"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/audit"
	"contact-center/internal/campaigns"
)

type pool []agents.Agent

func (p pool) ListAvailable(ctx context.Context, campaignID string) ([]agents.Agent, error) {
	return p, nil
}

// binder accepts every agent not listed in taken and records the bound agent.
type binder struct {
	taken map[string]bool
	bound []string
}

func (b *binder) bind(ctx context.Context, agentID string) error {
	if b.taken[agentID] {
		return apperr.NotEligible("test", "agent busy")
	}
	b.bound = append(b.bound, agentID)
	return nil
}

func TestRoute_LongestIdleAvailableAgent(t *testing.T) {
	e := NewEngine(pool{{ID: "a2"}, {ID: "a1"}}, nil, "sip:%s@pbx.test", nil)
	b := &binder{taken: map[string]bool{"a2": true}}

	d, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1", AgentID: campaigns.UnassignedAgentID}, b.bind)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionConnect || d.AgentID != "a1" || d.ConnectTo != "sip:a1@pbx.test" || d.Reason != ReasonLongestIdle {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if len(b.bound) != 1 || b.bound[0] != "a1" {
		t.Fatalf("expected a1 bound, got %v", b.bound)
	}
}

func TestRoute_NoAgentAbandons(t *testing.T) {
	e := NewEngine(pool{{ID: "a1"}}, nil, "", nil)
	b := &binder{taken: map[string]bool{"a1": true}}

	d, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1"}, b.bind)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.Action != ActionHangup || !d.Abandoned() {
		t.Fatalf("expected abandon, got %+v", d)
	}
}

func TestRoute_AssignedAgentSkipsPool(t *testing.T) {
	e := NewEngine(pool{{ID: "a9"}}, nil, "", nil)
	d, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1", AgentID: "a1"}, func(ctx context.Context, agentID string) error {
		t.Fatalf("assigned calls must not bind again")
		return nil
	})
	if err != nil || d.AgentID != "a1" || d.Reason != ReasonAssigned {
		t.Fatalf("unexpected decision %+v err=%v", d, err)
	}
}

func TestRoute_BindFailurePropagates(t *testing.T) {
	e := NewEngine(pool{{ID: "a1"}}, nil, "", nil)
	boom := errors.New("db down")
	_, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1"}, func(ctx context.Context, agentID string) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected bind error, got %v", err)
	}
}

func TestRoute_OverrideWinsSilentlyAndIsAudited(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	repo := audit.NewMemoryRepo()
	oe := NewOverrideEngine(NewMemoryOverrideStore(), AuditAdapter{Audit: audit.NewService(repo, nil)})
	oe.Now = func() time.Time { return now }

	ctx := WithActor(context.Background(), Actor{UserID: "sup1", Role: "supervisor", IP: "10.0.0.1"})
	if _, err := oe.Set(ctx, SetOverrideRequest{CampaignID: "c1", AgentID: "vip", TTL: 5 * time.Minute}); err != nil {
		t.Fatalf("set: %v", err)
	}

	e := NewEngine(pool{{ID: "a1"}}, oe, "", nil)
	b := &binder{}
	d, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1"}, b.bind)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if d.AgentID != "vip" || d.Reason != "" {
		t.Fatalf("expected silent override decision, got %+v", d)
	}

	evs := repo.OfType(audit.EventTypeOverride)
	if len(evs) != 2 {
		t.Fatalf("expected set and applied audit events, got %+v", evs)
	}
	if evs[0].IPAddress != "10.0.0.1" || evs[0].ActorUserID != "sup1" {
		t.Fatalf("expected actor captured on set: %+v", evs[0])
	}
	if evs[1].CallID != "k1" {
		t.Fatalf("expected applied event for k1: %+v", evs[1])
	}
}

func TestRoute_ExpiredOrBusyOverrideFallsBack(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	oe := NewOverrideEngine(NewMemoryOverrideStore(), nil)
	oe.Now = func() time.Time { return now }
	if _, err := oe.Set(context.Background(), SetOverrideRequest{CampaignID: "c1", AgentID: "vip", TTL: time.Minute}); err != nil {
		t.Fatalf("set: %v", err)
	}
	e := NewEngine(pool{{ID: "a1"}}, oe, "", nil)

	b := &binder{taken: map[string]bool{"vip": true}}
	d, err := e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k1"}, b.bind)
	if err != nil || d.AgentID != "a1" {
		t.Fatalf("busy override agent should fall back to pool: %+v err=%v", d, err)
	}

	oe.Now = func() time.Time { return now.Add(2 * time.Minute) }
	b = &binder{}
	d, err = e.Route(context.Background(), RouteInput{CampaignID: "c1", CallID: "k2"}, b.bind)
	if err != nil || d.AgentID != "a1" {
		t.Fatalf("expired override must not apply: %+v err=%v", d, err)
	}
}

func TestOverride_SetValidation(t *testing.T) {
	oe := NewOverrideEngine(NewMemoryOverrideStore(), nil)
	cases := []SetOverrideRequest{
		{AgentID: "a", TTL: time.Minute},
		{CampaignID: "c", TTL: time.Minute},
		{CampaignID: "c", AgentID: "a"},
		{CampaignID: "c", AgentID: "a", TTL: 9 * time.Hour},
	}
	for _, req := range cases {
		if _, err := oe.Set(context.Background(), req); apperr.KindOf(err) != apperr.KindValidationFailed {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
	if err := oe.Clear(context.Background(), "missing"); err != nil {
		t.Fatalf("clearing a missing override: %v", err)
	}
}
