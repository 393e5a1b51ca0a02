package campaigns

import (
	"fmt"
	"strings"
	"time"
)

type DialingMode string

const (
	DialingModePreview    DialingMode = "PREVIEW"
	DialingModePower      DialingMode = "POWER"
	DialingModePredictive DialingMode = "PREDICTIVE"
)

func (m DialingMode) Valid() bool {
	switch m {
	case DialingModePreview, DialingModePower, DialingModePredictive:
		return true
	default:
		return false
	}
}

// Campaign is an outbound calling effort with its own pacing, retry and abandonment rules.
//
// Campaigns are never physically deleted. Archive deactivates them and stamps ArchivedAt.
type Campaign struct {
	ID          string      `json:"id" db:"id"`
	Name        string      `json:"name" db:"name"`
	DialingMode DialingMode `json:"dialing_mode" db:"dialing_mode"`

	PacingMultiplier     float64 `json:"pacing_multiplier" db:"pacing_multiplier"`
	AbandonRateThreshold float64 `json:"abandon_rate_threshold" db:"abandon_rate_threshold"`
	MaxAttempts          int     `json:"max_attempts" db:"max_attempts"`
	// MaxConcurrentPerAgent caps simultaneous calls per agent (normally 1).
	MaxConcurrentPerAgent int `json:"max_concurrent_per_agent" db:"max_concurrent_per_agent"`
	// RetryBackoff delays re-eligibility after a non-final attempt. Zero means the configured default.
	RetryBackoff time.Duration `json:"retry_backoff" db:"retry_backoff_seconds"`

	Active bool `json:"active" db:"active"`

	// Operating window in the campaign's timezone, "HH:MM". Both empty means always open.
	HoursStart string `json:"hours_start,omitempty" db:"hours_start"`
	HoursEnd   string `json:"hours_end,omitempty" db:"hours_end"`
	Timezone   string `json:"timezone,omitempty" db:"timezone"`

	Placeholder bool       `json:"placeholder" db:"placeholder"`
	ArchivedAt  *time.Time `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// InOperatingHours reports whether now falls inside the campaign window.
// Windows that wrap midnight (22:00-06:00) are supported.
func (c Campaign) InOperatingHours(now time.Time) bool {
	if c.HoursStart == "" && c.HoursEnd == "" {
		return true
	}
	start, err1 := parseClock(c.HoursStart)
	end, err2 := parseClock(c.HoursEnd)
	if err1 != nil || err2 != nil {
		return false
	}
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("campaigns: invalid clock %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ContactList groups contacts inside a campaign. Only active lists feed the selector.
type ContactList struct {
	ID          string    `json:"id" db:"id"`
	CampaignID  string    `json:"campaign_id" db:"campaign_id"`
	Name        string    `json:"name" db:"name"`
	Active      bool      `json:"active" db:"active"`
	Placeholder bool      `json:"placeholder" db:"placeholder"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

type Contact struct {
	ID          string    `json:"id" db:"id"`
	ListID      string    `json:"list_id" db:"list_id"`
	Phone       string    `json:"phone" db:"phone"`
	Name        string    `json:"name,omitempty" db:"name"`
	Placeholder bool      `json:"placeholder" db:"placeholder"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Record is one contact's attempt slot within a campaign.
//
// Invariants: AttemptCount <= MaxAttempts; a Terminal record is never selected again.
// InFlight is set by a claim and cleared by Release or ReleaseClaim. Dialing is
// set once a call is placed from the claim; only non-dialing claims may be
// returned to the pool by ReleaseAgentClaims or ReleaseStaleClaims.
type Record struct {
	ID         string `json:"id" db:"id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	ListID     string `json:"list_id" db:"list_id"`
	ContactID  string `json:"contact_id" db:"contact_id"`

	Priority     int `json:"priority" db:"priority"`
	AttemptCount int `json:"attempt_count" db:"attempt_count"`
	MaxAttempts  int `json:"max_attempts" db:"max_attempts"`

	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty" db:"last_attempt_at"`
	NextEligibleAt time.Time  `json:"next_eligible_at" db:"next_eligible_at"`

	Terminal       bool   `json:"terminal" db:"terminal"`
	TerminalReason string `json:"terminal_reason,omitempty" db:"terminal_reason"`

	InFlight  bool       `json:"in_flight" db:"in_flight"`
	ClaimedBy string     `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	Dialing   bool       `json:"dialing" db:"dialing"`

	IsCallback bool      `json:"is_callback" db:"is_callback"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Eligible applies the record half of the selection predicate. List activity is
// checked by the repository.
func (r Record) Eligible(now time.Time) bool {
	return !r.Terminal &&
		!r.InFlight &&
		r.AttemptCount < r.MaxAttempts &&
		!r.NextEligibleAt.After(now)
}

// less is the strict total order used by the selector.
func less(a, b Record) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.NextEligibleAt.Equal(b.NextEligibleAt) {
		return a.NextEligibleAt.Before(b.NextEligibleAt)
	}
	return a.ID < b.ID
}

// Terminal reasons.
const (
	TerminalReasonDNC         = "dnc"
	TerminalReasonDisposition = "final_disposition"
)

// PlaceholderKind names the entity an ensure-exists upsert creates.
type PlaceholderKind string

const (
	PlaceholderCampaign    PlaceholderKind = "campaign"
	PlaceholderContactList PlaceholderKind = "contact_list"
	// PlaceholderCallbackList is an active list that holds callbacks for
	// contacts whose own list lies outside the campaign.
	PlaceholderCallbackList PlaceholderKind = "callback_list"
	PlaceholderContact      PlaceholderKind = "contact"
	PlaceholderAgent        PlaceholderKind = "agent"
)

// Well-known placeholder identities.
const (
	ManualDialCampaignID = "manual-dial"
	ManualDialListID     = "manual-dial-list"
	UnassignedAgentID    = "unassigned"
)

// CallbackListID names the per-campaign list created for orphan callbacks.
func CallbackListID(campaignID string) string { return campaignID + ":callbacks" }

// Placeholder is an idempotent ensure-exists request keyed by Key.
// Parent is the owning entity id (campaign for a list, list for a contact).
type Placeholder struct {
	Kind   PlaceholderKind
	Key    string
	Parent string
}

// ManualDialPlaceholders returns the chain required to dial contactRef by agentID outside any campaign.
func ManualDialPlaceholders(contactRef, agentID string) []Placeholder {
	out := []Placeholder{
		{Kind: PlaceholderCampaign, Key: ManualDialCampaignID},
		{Kind: PlaceholderContactList, Key: ManualDialListID, Parent: ManualDialCampaignID},
	}
	if contactRef != "" {
		out = append(out, Placeholder{Kind: PlaceholderContact, Key: contactRef, Parent: ManualDialListID})
	}
	if agentID != "" {
		out = append(out, Placeholder{Kind: PlaceholderAgent, Key: agentID})
	}
	return out
}
