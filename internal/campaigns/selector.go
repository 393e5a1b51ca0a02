package campaigns

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"contact-center/internal/apperr"
	"contact-center/internal/events"
)

// AvailabilityChecker reports whether an agent may be handed a record right now.
type AvailabilityChecker interface {
	IsAvailable(ctx context.Context, agentID string) (bool, error)
}

// BurstClaimant marks records claimed for a predictive burst rather than a named agent.
const BurstClaimant = "predictive-burst"

// Selector chooses the next record for an agent or a predictive burst.
type Selector struct {
	repo   Repository
	agents AvailabilityChecker
	pub    events.Publisher
	log    *slog.Logger

	// ClaimRetries bounds retries after ErrClaimLost.
	ClaimRetries int
	// RetryDelay is the pause between claim retries.
	RetryDelay time.Duration

	clock func() time.Time
}

func NewSelector(repo Repository, agents AvailabilityChecker, pub events.Publisher, log *slog.Logger) *Selector {
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Selector{
		repo:         repo,
		agents:       agents,
		pub:          pub,
		log:          log,
		ClaimRetries: 3,
		RetryDelay:   10 * time.Millisecond,
		clock:        time.Now,
	}
}

// SelectNext claims the next eligible record. ok is false when nothing qualifies,
// which is not an error. agentID may be empty for a predictive burst.
//
// An agent holds at most one undialled claim per campaign: asking again returns
// the same record. Availability is checked before the claim and again after
// it; an agent that left Available in between gets nothing and the claim is undone.
func (s *Selector) SelectNext(ctx context.Context, campaignID, agentID string) (Record, bool, error) {
	const op = "campaigns.SelectNext"

	c, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, false, apperr.NotFound(op, "campaign not found")
		}
		return Record{}, false, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if !c.Active {
		return Record{}, false, apperr.NotEligible(op, "campaign is not active")
	}
	if !c.InOperatingHours(s.clock()) {
		return Record{}, false, apperr.NotEligible(op, "campaign is outside operating hours")
	}

	claimant := BurstClaimant
	if agentID != "" {
		claimant = agentID
		if err := s.requireAvailable(ctx, op, agentID); err != nil {
			return Record{}, false, err
		}
		held, ok, err := s.repo.OpenClaim(ctx, campaignID, agentID)
		if err != nil {
			return Record{}, false, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if ok {
			return held, true, nil
		}
	}

	rec, err := s.claim(ctx, campaignID, claimant)
	if errors.Is(err, ErrNoEligible) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	if agentID != "" {
		if err := s.requireAvailable(ctx, op, agentID); err != nil {
			if rerr := s.repo.ReleaseClaim(ctx, rec.ID); rerr != nil {
				s.log.ErrorContext(ctx, "release claim failed", "record_id", rec.ID, "agent_id", agentID, "err", rerr)
			}
			return Record{}, false, err
		}
	}

	s.pub.Publish(events.Event{
		Type:       events.TypeRecordClaimed,
		CampaignID: rec.CampaignID,
		AgentID:    agentID,
		RecordID:   rec.ID,
		ContactID:  rec.ContactID,
		Detail:     claimant,
		OccurredAt: s.clock().UTC(),
	})
	return rec, true, nil
}

func (s *Selector) requireAvailable(ctx context.Context, op, agentID string) error {
	if s.agents == nil {
		return nil
	}
	ok, err := s.agents.IsAvailable(ctx, agentID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
	if !ok {
		return apperr.NotEligible(op, "agent is not available")
	}
	return nil
}

// claim retries lost claims; losing is never surfaced to the caller.
func (s *Selector) claim(ctx context.Context, campaignID, claimant string) (Record, error) {
	attempts := s.ClaimRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		rec, err := s.repo.ClaimNext(ctx, campaignID, claimant, s.clock())
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrClaimLost) {
			if errors.Is(err, ErrNoEligible) {
				return Record{}, err
			}
			return Record{}, apperr.Wrap(apperr.KindInternal, "campaigns.claim", err)
		}
		s.log.DebugContext(ctx, "claim lost, retrying", "campaign_id", campaignID, "attempt", i+1)
		if s.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return Record{}, ctx.Err()
			case <-time.After(s.RetryDelay * time.Duration(i+1)):
			}
		}
	}
	// Every candidate stayed locked; treat as an empty pool for this request.
	return Record{}, ErrNoEligible
}
