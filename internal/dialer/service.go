// Package dialer is the service boundary of the engine: the operations the
// surrounding application calls, plus the glue between the pacing runner,
// the telephony adapters and the call lifecycle.
package dialer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/calls"
	"contact-center/internal/campaigns"
	"contact-center/internal/dispositions"
	"contact-center/internal/pacing"
	"contact-center/internal/queue"
	"contact-center/internal/routing"
	"contact-center/internal/telephony"
)

// Records is the slice of the record store the boundary reads directly.
type Records interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetContact(ctx context.Context, id string) (campaigns.Contact, error)
	BeginDial(ctx context.Context, recordID, claimant string) error
	ReleaseClaim(ctx context.Context, recordID string) error
	ReleaseAgentClaims(ctx context.Context, claimant string) (int, error)
}

type Deps struct {
	Agents       *agents.Manager
	Selector     *campaigns.Selector
	Records      Records
	Calls        *calls.Manager
	Dispositions *dispositions.Service
	Pacing       *pacing.Service
	Router       *routing.Engine
	Phone        telephony.Dialer
}

type Config struct {
	// RingTimeout is passed to the provider; the engine keeps its own timer too.
	RingTimeout time.Duration
	// CallerID overrides the provider's default presented number.
	CallerID string
}

type Service struct {
	d   Deps
	cfg Config
	log *slog.Logger
}

func New(d Deps, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if d.Phone == nil {
		d.Phone = telephony.NewSIPDialer()
	}
	return &Service{d: d, cfg: cfg, log: log}
}

// SetAgentStatus changes an agent's status and returns the campaign's queue snapshot.
// Leaving Available hands back every record the agent claimed but never dialled.
func (s *Service) SetAgentStatus(ctx context.Context, agentID string, status agents.Status, campaignID string) (queue.Snapshot, error) {
	snap, err := s.d.Agents.SetStatus(ctx, agentID, status, campaignID)
	if err != nil || status == agents.StatusAvailable {
		return snap, err
	}
	n, err := s.d.Records.ReleaseAgentClaims(ctx, agentID)
	if err != nil {
		s.log.ErrorContext(ctx, "release agent claims failed", "agent_id", agentID, "err", err)
		return snap, nil
	}
	if n == 0 || campaignID == "" {
		return snap, nil
	}
	s.log.InfoContext(ctx, "agent claims released", "agent_id", agentID, "status", status, "released", n)
	if fresh, err := s.d.Agents.Monitor().Snapshot(ctx, campaignID); err == nil {
		snap = fresh
	}
	return snap, nil
}

type NextCallStatus string

const (
	NextCallAssigned    NextCallStatus = "assigned"
	NextCallUnavailable NextCallStatus = "no_calls_available"
)

// NextCall is either an assigned record with its contact, or the empty-pool signal.
type NextCall struct {
	Status  NextCallStatus     `json:"status"`
	Record  *campaigns.Record  `json:"record,omitempty"`
	Contact *campaigns.Contact `json:"contact,omitempty"`
}

// RequestNextCall claims the next eligible record of the campaign for agentID.
func (s *Service) RequestNextCall(ctx context.Context, agentID, campaignID string) (NextCall, error) {
	const op = "dialer.RequestNextCall"
	if agentID == "" || campaignID == "" {
		return NextCall{}, apperr.Validation(op, "agent_id and campaign_id required")
	}
	rec, ok, err := s.d.Selector.SelectNext(ctx, campaignID, agentID)
	if err != nil {
		return NextCall{}, err
	}
	if !ok {
		return NextCall{Status: NextCallUnavailable}, nil
	}

	contact, err := s.d.Records.GetContact(ctx, rec.ContactID)
	if errors.Is(err, campaigns.ErrNotFound) {
		contact = campaigns.Contact{ID: rec.ContactID, ListID: rec.ListID}
	} else if err != nil {
		s.releaseClaim(ctx, rec.ID)
		return NextCall{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	s.log.InfoContext(ctx, "record assigned", "campaign_id", campaignID, "agent_id", agentID, "record_id", rec.ID, "attempt", rec.AttemptCount)
	return NextCall{Status: NextCallAssigned, Record: &rec, Contact: &contact}, nil
}

type StartCallRequest struct {
	AgentID    string        `json:"agent_id"`
	CampaignID string        `json:"campaign_id"`
	ContactRef string        `json:"contact_ref" validate:"required"`
	RecordID   string        `json:"record_id"`
	Channel    calls.Channel `json:"channel"`
	// Phone overrides the number looked up from the contact.
	Phone string `json:"phone"`
}

// StartCall creates the call record and hands it to the provider. A provider
// rejection ends the call as failed and returns the ended record.
//
// A RecordID must be a claim the agent holds from RequestNextCall. If the call
// cannot be created the claim is handed back.
func (s *Service) StartCall(ctx context.Context, req StartCallRequest) (calls.CallRecord, error) {
	const op = "dialer.StartCall"
	if req.RecordID != "" {
		if err := s.beginDial(ctx, op, req.RecordID, req.AgentID); err != nil {
			return calls.CallRecord{}, err
		}
	}
	rec, err := s.d.Calls.StartCall(ctx, calls.StartRequest{
		AgentID:    req.AgentID,
		CampaignID: req.CampaignID,
		ContactRef: req.ContactRef,
		RecordID:   req.RecordID,
		Channel:    req.Channel,
	})
	if err != nil {
		if req.RecordID != "" {
			s.releaseClaim(ctx, req.RecordID)
		}
		return calls.CallRecord{}, err
	}
	return s.place(ctx, rec, s.phoneFor(ctx, req.Phone, req.ContactRef))
}

// DialRecord places one predictive dial for a burst-claimed record. The agent
// is chosen when the callee answers.
func (s *Service) DialRecord(ctx context.Context, rec campaigns.Record) error {
	if err := s.beginDial(ctx, "dialer.DialRecord", rec.ID, campaigns.BurstClaimant); err != nil {
		return err
	}
	call, err := s.d.Calls.StartCall(ctx, calls.StartRequest{
		CampaignID: rec.CampaignID,
		ContactRef: rec.ContactID,
		RecordID:   rec.ID,
		Channel:    calls.ChannelVoice,
	})
	if err != nil {
		s.releaseClaim(ctx, rec.ID)
		return err
	}
	call, err = s.place(ctx, call, s.phoneFor(ctx, "", rec.ContactID))
	if err != nil {
		return err
	}
	if call.State == calls.StateEnded {
		return errors.New("dialer: provider rejected call " + call.ID)
	}
	return nil
}

func (s *Service) phoneFor(ctx context.Context, phone, contactRef string) string {
	if phone != "" {
		return phone
	}
	if c, err := s.d.Records.GetContact(ctx, contactRef); err == nil && c.Phone != "" {
		return c.Phone
	}
	return contactRef
}

func (s *Service) place(ctx context.Context, rec calls.CallRecord, to string) (calls.CallRecord, error) {
	res, err := s.d.Phone.PlaceCall(ctx, telephony.PlaceCallRequest{
		CallID:      rec.ID,
		CampaignID:  rec.CampaignID,
		To:          to,
		CallerID:    s.cfg.CallerID,
		RingTimeout: s.cfg.RingTimeout,
	})
	if err != nil {
		s.log.WarnContext(ctx, "place call failed", "call_id", rec.ID, "campaign_id", rec.CampaignID, "provider", s.d.Phone.Name(), "err", err)
		return s.d.Calls.EndCall(ctx, rec.ID, calls.OutcomeFailed, 0)
	}
	ringing, err := s.d.Calls.Ring(ctx, rec.ID, res.ProviderCallID)
	if err != nil {
		// The provider may already have reported a final status.
		if apperr.KindOf(err) == apperr.KindNotEligible {
			return s.d.Calls.Get(ctx, rec.ID)
		}
		return rec, err
	}
	return ringing, nil
}

// EndCall ends the call and hangs up the provider leg.
func (s *Service) EndCall(ctx context.Context, callID string, outcome calls.Outcome, durationSeconds int) (calls.CallRecord, error) {
	rec, err := s.d.Calls.EndCall(ctx, callID, outcome, durationSeconds)
	if err != nil {
		return rec, err
	}
	if rec.ProviderCallID != "" {
		if herr := s.d.Phone.Hangup(ctx, rec.ProviderCallID); herr != nil {
			s.log.DebugContext(ctx, "provider hangup failed", "call_id", callID, "err", herr)
		}
	}
	return rec, nil
}

func (s *Service) GetCall(ctx context.Context, callID string) (calls.CallRecord, error) {
	return s.d.Calls.Get(ctx, callID)
}

func (s *Service) ApplyDisposition(ctx context.Context, req dispositions.ApplyRequest) (dispositions.Result, error) {
	return s.d.Dispositions.ApplyDisposition(ctx, req)
}

// GetQueueStatus returns the campaign's current QueueSnapshot.
func (s *Service) GetQueueStatus(ctx context.Context, campaignID string) (queue.Snapshot, error) {
	const op = "dialer.GetQueueStatus"
	if _, err := s.d.Records.GetCampaign(ctx, campaignID); err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			return queue.Snapshot{}, apperr.NotFound(op, "campaign not found")
		}
		return queue.Snapshot{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	snap, err := s.d.Agents.Monitor().Snapshot(ctx, campaignID)
	if err != nil {
		return queue.Snapshot{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return snap, nil
}

func (s *Service) GetPredictiveDecision(ctx context.Context, campaignID string) (pacing.Decision, error) {
	return s.d.Pacing.ComputeDialDecision(ctx, campaignID)
}

func (s *Service) beginDial(ctx context.Context, op, recordID, claimant string) error {
	err := s.d.Records.BeginDial(ctx, recordID, claimant)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, campaigns.ErrNotFound):
		return apperr.NotFound(op, "record not found")
	case errors.Is(err, campaigns.ErrNotClaimed):
		return apperr.NotEligible(op, "record is not an undialled claim of the caller")
	default:
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
}

func (s *Service) releaseClaim(ctx context.Context, recordID string) {
	if err := s.d.Records.ReleaseClaim(ctx, recordID); err != nil {
		s.log.ErrorContext(ctx, "release claim failed", "record_id", recordID, "err", err)
	}
}
