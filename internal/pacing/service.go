package pacing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"contact-center/internal/apperr"
	"contact-center/internal/campaigns"
	"contact-center/internal/reporting"
)

type CampaignGetter interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
}

type AgentCounter interface {
	CountAvailable(ctx context.Context, campaignID string) (int, error)
}

type RingingCounter interface {
	CountRinging(ctx context.Context, campaignID string) (int, error)
}

type DepthCounter interface {
	CountEligible(ctx context.Context, campaignID string, now time.Time) (int, error)
}

type StatsSource interface {
	CampaignStats(ctx context.Context, campaignID string) (reporting.CampaignStats, error)
}

// Service gathers live campaign state and runs the calculator on it.
type Service struct {
	calc      Calculator
	campaigns CampaignGetter
	agents    AgentCounter
	ringing   RingingCounter
	depth     DepthCounter
	stats     StatsSource
	log       *slog.Logger
	clock     func() time.Time

	mu     sync.RWMutex
	ratios map[string]float64
}

func NewService(calc Calculator, c CampaignGetter, a AgentCounter, r RingingCounter, d DepthCounter, st StatsSource, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		calc:      calc,
		campaigns: c,
		agents:    a,
		ringing:   r,
		depth:     d,
		stats:     st,
		log:       log,
		clock:     time.Now,
		ratios:    map[string]float64{},
	}
}

// ComputeDialDecision is defined for PREDICTIVE campaigns only. Inactive
// campaigns and campaigns outside their hours get shouldDial=false.
func (s *Service) ComputeDialDecision(ctx context.Context, campaignID string) (Decision, error) {
	const op = "pacing.ComputeDialDecision"
	c, err := s.campaigns.GetCampaign(ctx, campaignID)
	if errors.Is(err, campaigns.ErrNotFound) {
		return Decision{}, apperr.NotFound(op, "campaign not found")
	}
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if c.DialingMode != campaigns.DialingModePredictive {
		return Decision{}, apperr.NotEligible(op, "campaign is not predictive")
	}

	now := s.clock()
	if !c.Active || !c.InOperatingHours(now) {
		reason := "campaign is not active"
		if c.Active {
			reason = "campaign is outside operating hours"
		}
		return Decision{CampaignID: campaignID, DialRatio: 1.0, Reasoning: reason, ComputedAt: now.UTC()}, nil
	}

	in := Input{
		CampaignID:       campaignID,
		PacingMultiplier: c.PacingMultiplier,
		AbandonThreshold: c.AbandonRateThreshold,
	}
	if in.AvailableAgents, err = s.agents.CountAvailable(ctx, campaignID); err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if in.Ringing, err = s.ringing.CountRinging(ctx, campaignID); err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if in.QueueDepth, err = s.depth.CountEligible(ctx, campaignID, now); err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	st, err := s.stats.CampaignStats(ctx, campaignID)
	if err != nil {
		return Decision{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	in.Sample, in.AnswerRate, in.ObservedAbandonRate = st.Sample, st.AnswerRate, st.AbandonRate

	d := s.calc.Decide(in, now)
	if d.CeilingBreached {
		s.log.WarnContext(ctx, "abandonment ceiling breached",
			"campaign_id", campaignID,
			"kind", apperr.KindAbandonmentCeilingBreach,
			"abandon_rate", st.AbandonRate,
			"threshold", c.AbandonRateThreshold,
		)
	}
	s.mu.Lock()
	s.ratios[campaignID] = d.DialRatio
	s.mu.Unlock()
	return d, nil
}

// CurrentRatio returns the last computed ratio, 1.0 before the first decision.
func (s *Service) CurrentRatio(ctx context.Context, campaignID string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.ratios[campaignID]; ok {
		return r
	}
	return 1.0
}
