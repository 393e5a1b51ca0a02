package calls

import (
	"context"
	"errors"
	"time"

	"contact-center/internal/campaigns"
)

// CallRecord is one dial attempt.
//
// Referential invariant: CampaignID, ContactID and AgentID always point at an
// existing row. Missing references are replaced by placeholders at insert time.
//
// NOTE: provider-specific identifiers (e.g. Twilio CallSid) live in
// ProviderCallID only; the rest of the model is provider-agnostic.
type CallRecord struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	AgentID    string `json:"agent_id" db:"agent_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`
	// RecordID is the campaign record the call was dialled from; empty for manual dials.
	RecordID       string  `json:"record_id,omitempty" db:"record_id"`
	Channel        Channel `json:"channel" db:"channel"`
	ProviderCallID string  `json:"provider_call_id,omitempty" db:"provider_call_id"`

	State       State      `json:"state" db:"state"`
	Outcome     Outcome    `json:"outcome,omitempty" db:"outcome"`
	Disposition string     `json:"disposition,omitempty" db:"disposition"`
	Notes       string     `json:"notes,omitempty" db:"notes"`
	IsDNC       bool       `json:"is_dnc" db:"is_dnc"`
	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty" db:"connected_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// DurationSeconds is talk time; zero for calls that never connected.
	DurationSeconds int `json:"duration" db:"duration_seconds"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type State string

const (
	StateQueued    State = "queued"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
)

// Open reports whether the call still holds a line.
func (s State) Open() bool { return s != StateEnded }

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
	// OutcomeAbandoned is an answered predictive call with no agent to take it.
	OutcomeAbandoned Outcome = "abandoned"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCompleted, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed, OutcomeAbandoned:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelVoice Channel = "voice"
	ChannelSIP   Channel = "sip"
)

// Patch is a partial update. Nil fields are left unchanged.
//
// FromStates, when set, makes the update conditional on the current state;
// a mismatch fails with ErrStateConflict and writes nothing.
type Patch struct {
	FromStates []State

	State          *State
	AgentID        *string
	ProviderCallID *string
	Outcome        *Outcome
	Disposition    *string
	Notes          *string
	IsDNC          *bool
	ConnectedAt    *time.Time
	EndedAt        *time.Time
	Duration       *int
}

func (p Patch) allows(s State) bool {
	if len(p.FromStates) == 0 {
		return true
	}
	for _, f := range p.FromStates {
		if f == s {
			return true
		}
	}
	return false
}

func (p Patch) apply(c *CallRecord, now time.Time) {
	if p.State != nil {
		c.State = *p.State
	}
	if p.AgentID != nil {
		c.AgentID = *p.AgentID
	}
	if p.ProviderCallID != nil {
		c.ProviderCallID = *p.ProviderCallID
	}
	if p.Outcome != nil {
		c.Outcome = *p.Outcome
	}
	if p.Disposition != nil {
		c.Disposition = *p.Disposition
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	if p.IsDNC != nil {
		c.IsDNC = *p.IsDNC
	}
	if p.ConnectedAt != nil {
		t := *p.ConnectedAt
		c.ConnectedAt = &t
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	if p.Duration != nil {
		c.DurationSeconds = *p.Duration
	}
	c.UpdatedAt = now
}

var (
	ErrNotFound = errors.New("calls: not found")
	// ErrStateConflict means a conditional patch found the call in another state.
	ErrStateConflict = errors.New("calls: state changed concurrently")
)

// Repository stores call records.
type Repository interface {
	// Insert appends the call and ensures the given placeholder rows exist in
	// the same transaction.
	Insert(ctx context.Context, rec CallRecord, ensure []campaigns.Placeholder) error
	Get(ctx context.Context, id string) (CallRecord, error)
	GetByProviderID(ctx context.Context, providerCallID string) (CallRecord, error)
	Update(ctx context.Context, id string, p Patch) (CallRecord, error)
	// ListByCampaign returns calls started at or after since, newest first, at most limit.
	ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit int) ([]CallRecord, error)
	CountInStates(ctx context.Context, campaignID string, states ...State) (int, error)
}
