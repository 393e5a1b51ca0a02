package calls

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"contact-center/internal/apperr"
	"contact-center/internal/campaigns"
	"contact-center/internal/events"
	"contact-center/internal/timers"

	"github.com/google/uuid"
)

// CampaignStore is the slice of the record store the lifecycle needs.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetContact(ctx context.Context, id string) (campaigns.Contact, error)
	Release(ctx context.Context, recordID string, nextEligibleAt time.Time) error
}

// AgentSlots reserves and frees agent call slots.
type AgentSlots interface {
	BeginCall(ctx context.Context, agentID string) error
	FinishCall(ctx context.Context, agentID string) error
}

type Config struct {
	// RingTimeout force-ends queued or ringing calls as no_answer.
	RingTimeout time.Duration
	// RetryBackoff applies when the campaign has none of its own.
	RetryBackoff time.Duration
}

// Manager drives a call through queued -> ringing -> connected -> ended.
type Manager struct {
	repo      Repository
	campaigns CampaignStore
	agents    AgentSlots
	timers    *timers.Scheduler
	pub       events.Publisher
	log       *slog.Logger
	cfg       Config

	clock func() time.Time
	newID func() string
}

func NewManager(repo Repository, store CampaignStore, agents AgentSlots, sched *timers.Scheduler, pub events.Publisher, log *slog.Logger, cfg Config) *Manager {
	if sched == nil {
		sched = timers.NewScheduler(nil)
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = 25 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 30 * time.Minute
	}
	return &Manager{
		repo:      repo,
		campaigns: store,
		agents:    agents,
		timers:    sched,
		pub:       pub,
		log:       log,
		cfg:       cfg,
		clock:     time.Now,
		newID:     uuid.NewString,
	}
}

type StartRequest struct {
	// AgentID is empty for predictive bursts; the agent is bound on answer.
	AgentID    string
	CampaignID string
	// ContactRef is a contact id or, for manual dials, the dialled number.
	ContactRef string
	RecordID   string
	Channel    Channel
}

// StartCall appends a queued call. Missing campaign, contact or agent rows are
// replaced by the manual-dial placeholders inside the insert.
func (m *Manager) StartCall(ctx context.Context, req StartRequest) (CallRecord, error) {
	const op = "calls.StartCall"
	if req.ContactRef == "" {
		return CallRecord{}, apperr.Validation(op, "contact is required")
	}

	campaignID, ensure, err := m.resolveRefs(ctx, req)
	if err != nil {
		return CallRecord{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = campaigns.UnassignedAgentID
	} else {
		if err := m.agents.BeginCall(ctx, agentID); err != nil {
			return CallRecord{}, err
		}
	}
	ensure = append(ensure, campaigns.Placeholder{Kind: campaigns.PlaceholderAgent, Key: agentID})

	channel := req.Channel
	if channel == "" {
		channel = ChannelVoice
	}
	now := m.clock().UTC()
	rec := CallRecord{
		ID:         m.newID(),
		CampaignID: campaignID,
		AgentID:    agentID,
		ContactID:  req.ContactRef,
		RecordID:   req.RecordID,
		Channel:    channel,
		State:      StateQueued,
		StartedAt:  now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.repo.Insert(ctx, rec, ensure); err != nil {
		if agentID != campaigns.UnassignedAgentID {
			if ferr := m.agents.FinishCall(ctx, agentID); ferr != nil {
				m.log.ErrorContext(ctx, "free agent slot failed", "agent_id", agentID, "err", ferr)
			}
		}
		return CallRecord{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	m.armRingTimeout(rec.ID)
	m.log.InfoContext(ctx, "call started", "call_id", rec.ID, "campaign_id", campaignID, "agent_id", agentID, "record_id", rec.RecordID)
	m.pub.Publish(events.Event{
		Type:       events.TypeCallStarted,
		CampaignID: campaignID,
		AgentID:    agentID,
		CallID:     rec.ID,
		RecordID:   rec.RecordID,
		ContactID:  rec.ContactID,
		OccurredAt: now,
	})
	return rec, nil
}

// resolveRefs maps the request onto existing rows, collecting placeholders for
// whatever is missing.
func (m *Manager) resolveRefs(ctx context.Context, req StartRequest) (string, []campaigns.Placeholder, error) {
	var ensure []campaigns.Placeholder
	manual := func() {
		if len(ensure) == 0 {
			ensure = campaigns.ManualDialPlaceholders("", "")
		}
	}

	campaignID := req.CampaignID
	if campaignID == "" {
		campaignID = campaigns.ManualDialCampaignID
		manual()
	} else if _, err := m.campaigns.GetCampaign(ctx, campaignID); err != nil {
		if !errors.Is(err, campaigns.ErrNotFound) {
			return "", nil, err
		}
		m.log.WarnContext(ctx, "unknown campaign on call start, using manual-dial", "campaign_id", campaignID)
		campaignID = campaigns.ManualDialCampaignID
		manual()
	}

	if _, err := m.campaigns.GetContact(ctx, req.ContactRef); err != nil {
		if !errors.Is(err, campaigns.ErrNotFound) {
			return "", nil, err
		}
		manual()
		ensure = append(ensure, campaigns.Placeholder{
			Kind:   campaigns.PlaceholderContact,
			Key:    req.ContactRef,
			Parent: campaigns.ManualDialListID,
		})
	}
	return campaignID, ensure, nil
}

func (m *Manager) armRingTimeout(callID string) {
	m.timers.Schedule(callID, m.cfg.RingTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rec, changed, err := m.end(ctx, callID, OutcomeNoAnswer, 0, StateQueued, StateRinging)
		if err != nil {
			m.log.ErrorContext(ctx, "ring timeout end failed", "call_id", callID, "err", err)
			return
		}
		if changed {
			m.log.InfoContext(ctx, "ring timeout", "call_id", callID, "campaign_id", rec.CampaignID)
		}
	})
}

// Ring records that the far end is ringing and restarts the ring timeout.
func (m *Manager) Ring(ctx context.Context, callID, providerCallID string) (CallRecord, error) {
	const op = "calls.Ring"
	st := StateRinging
	p := Patch{FromStates: []State{StateQueued, StateRinging}, State: &st}
	if providerCallID != "" {
		p.ProviderCallID = &providerCallID
	}
	rec, err := m.repo.Update(ctx, callID, p)
	if err != nil {
		return rec, m.stateErr(op, err)
	}
	m.armRingTimeout(callID)
	return rec, nil
}

// Connect marks the call answered. agentID binds an unassigned (predictive)
// call to the routed agent; it is ignored when the call already has an agent.
func (m *Manager) Connect(ctx context.Context, callID, agentID string) (CallRecord, error) {
	const op = "calls.Connect"
	cur, err := m.repo.Get(ctx, callID)
	if err != nil {
		return CallRecord{}, m.stateErr(op, err)
	}
	if !cur.State.Open() || cur.State == StateConnected {
		return cur, apperr.NotEligible(op, "call is "+string(cur.State))
	}

	st := StateConnected
	now := m.clock().UTC()
	p := Patch{FromStates: []State{StateQueued, StateRinging}, State: &st, ConnectedAt: &now}

	bound := ""
	if cur.AgentID == campaigns.UnassignedAgentID && agentID != "" {
		if err := m.agents.BeginCall(ctx, agentID); err != nil {
			return cur, err
		}
		bound = agentID
		p.AgentID = &agentID
	}

	rec, err := m.repo.Update(ctx, callID, p)
	if err != nil {
		if bound != "" {
			_ = m.agents.FinishCall(ctx, bound)
		}
		return rec, m.stateErr(op, err)
	}
	m.timers.Cancel(callID)
	m.pub.Publish(events.Event{
		Type:       events.TypeCallConnected,
		CampaignID: rec.CampaignID,
		AgentID:    rec.AgentID,
		CallID:     rec.ID,
		RecordID:   rec.RecordID,
		ContactID:  rec.ContactID,
		OccurredAt: now,
	})
	return rec, nil
}

// EndCall finishes the call. Ending an ended call returns it unchanged.
// durationSeconds <= 0 derives talk time from the connect timestamp.
func (m *Manager) EndCall(ctx context.Context, callID string, outcome Outcome, durationSeconds int) (CallRecord, error) {
	if !outcome.Valid() {
		return CallRecord{}, apperr.Validation("calls.EndCall", "unknown outcome "+string(outcome))
	}
	rec, _, err := m.end(ctx, callID, outcome, durationSeconds, StateQueued, StateRinging, StateConnected)
	return rec, err
}

func (m *Manager) end(ctx context.Context, callID string, outcome Outcome, durationSeconds int, from ...State) (CallRecord, bool, error) {
	const op = "calls.EndCall"
	cur, err := m.repo.Get(ctx, callID)
	if err != nil {
		return CallRecord{}, false, m.stateErr(op, err)
	}
	if !cur.State.Open() {
		return cur, false, nil
	}

	now := m.clock().UTC()
	dur := 0
	if cur.ConnectedAt != nil {
		dur = durationSeconds
		if dur <= 0 {
			dur = int(now.Sub(*cur.ConnectedAt) / time.Second)
		}
	}
	st := StateEnded
	rec, err := m.repo.Update(ctx, callID, Patch{
		FromStates: from,
		State:      &st,
		Outcome:    &outcome,
		EndedAt:    &now,
		Duration:   &dur,
	})
	if errors.Is(err, ErrStateConflict) {
		// Another path moved the call first; ended means someone else finished it.
		if !rec.State.Open() {
			return rec, false, nil
		}
		return rec, false, apperr.NotEligible(op, "call is "+string(rec.State))
	}
	if err != nil {
		return CallRecord{}, false, m.stateErr(op, err)
	}

	m.timers.Cancel(callID)
	m.afterEnd(ctx, rec, now)
	return rec, true, nil
}

// afterEnd frees the agent and returns the record to the pool. Failures are
// logged; the call row is already final.
func (m *Manager) afterEnd(ctx context.Context, rec CallRecord, now time.Time) {
	if rec.AgentID != campaigns.UnassignedAgentID {
		if err := m.agents.FinishCall(ctx, rec.AgentID); err != nil {
			m.log.ErrorContext(ctx, "free agent slot failed", "call_id", rec.ID, "agent_id", rec.AgentID, "err", err)
		}
	}

	if rec.RecordID != "" {
		backoff := m.cfg.RetryBackoff
		if c, err := m.campaigns.GetCampaign(ctx, rec.CampaignID); err == nil && c.RetryBackoff > 0 {
			backoff = c.RetryBackoff
		}
		next := now.Add(backoff)
		if err := m.campaigns.Release(ctx, rec.RecordID, next); err != nil {
			m.log.ErrorContext(ctx, "release record failed", "call_id", rec.ID, "record_id", rec.RecordID, "err", err)
		} else {
			m.pub.Publish(events.Event{
				Type:       events.TypeRecordReleased,
				CampaignID: rec.CampaignID,
				RecordID:   rec.RecordID,
				ContactID:  rec.ContactID,
				CallID:     rec.ID,
				OccurredAt: now,
			})
		}
	}

	m.log.InfoContext(ctx, "call ended", "call_id", rec.ID, "campaign_id", rec.CampaignID, "agent_id", rec.AgentID, "outcome", rec.Outcome, "duration", rec.DurationSeconds)
	m.pub.Publish(events.Event{
		Type:       events.TypeCallEnded,
		CampaignID: rec.CampaignID,
		AgentID:    rec.AgentID,
		CallID:     rec.ID,
		RecordID:   rec.RecordID,
		ContactID:  rec.ContactID,
		Detail:     string(rec.Outcome),
		OccurredAt: now,
	})
}

func (m *Manager) stateErr(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperr.NotFound(op, "call not found")
	case errors.Is(err, ErrStateConflict):
		return apperr.NotEligible(op, "call state changed")
	default:
		return apperr.Wrap(apperr.KindInternal, op, err)
	}
}

func (m *Manager) Get(ctx context.Context, callID string) (CallRecord, error) {
	rec, err := m.repo.Get(ctx, callID)
	if err != nil {
		return CallRecord{}, m.stateErr("calls.Get", err)
	}
	return rec, nil
}

func (m *Manager) GetByProviderID(ctx context.Context, providerCallID string) (CallRecord, error) {
	rec, err := m.repo.GetByProviderID(ctx, providerCallID)
	if err != nil {
		return CallRecord{}, m.stateErr("calls.GetByProviderID", err)
	}
	return rec, nil
}

// CountActive counts calls still holding a line.
func (m *Manager) CountActive(ctx context.Context, campaignID string) (int, error) {
	return m.repo.CountInStates(ctx, campaignID, StateQueued, StateRinging, StateConnected)
}

// CountRinging counts dials not yet answered.
func (m *Manager) CountRinging(ctx context.Context, campaignID string) (int, error) {
	return m.repo.CountInStates(ctx, campaignID, StateQueued, StateRinging)
}

// PendingTimeouts reports armed ring timeouts.
func (m *Manager) PendingTimeouts() int { return m.timers.Pending() }
