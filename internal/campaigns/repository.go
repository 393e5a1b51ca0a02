package campaigns

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("campaigns: not found")
	// ErrNoEligible means no record satisfies the selection predicate right now.
	ErrNoEligible = errors.New("campaigns: no eligible record")
	// ErrClaimLost means eligible rows exist but all were locked by concurrent claimers.
	ErrClaimLost = errors.New("campaigns: claim lost to concurrent selector")
	// ErrContactDNC is returned when scheduling work for a do-not-call contact.
	ErrContactDNC = errors.New("campaigns: contact is do-not-call")
	// ErrNotClaimed means the record is not held by the caller, or a call was already placed from it.
	ErrNotClaimed = errors.New("campaigns: record is not claimed by caller")
)

// CallbackRequest asks the store to make a contact eligible again at At.
type CallbackRequest struct {
	CampaignID string
	ContactID  string
	// RecordID is the record the originating call was placed from, if any.
	RecordID string
	// ListID is used only when a new record has to be created.
	ListID string
	// Ensure is upserted in the same transaction, only when a new record is created.
	Ensure []Placeholder
	At     time.Time
	// Priority is applied when it is lower (sooner) than the record's current priority.
	Priority    int
	MaxAttempts int
	Now         time.Time
}

// Repository is the record store contract.
//
// ClaimNext is the only critical section: selection and the attempt increment
// happen in one conditional update.
type Repository interface {
	GetCampaign(ctx context.Context, id string) (Campaign, error)
	SaveCampaign(ctx context.Context, c Campaign) error
	ListCampaigns(ctx context.Context, activeOnly bool) ([]Campaign, error)

	SaveList(ctx context.Context, l ContactList) error
	GetList(ctx context.Context, id string) (ContactList, error)
	GetContact(ctx context.Context, id string) (Contact, error)
	SaveContact(ctx context.Context, c Contact) error

	InsertRecord(ctx context.Context, r Record) error
	GetRecord(ctx context.Context, id string) (Record, error)
	ListRecordsForContact(ctx context.Context, campaignID, contactID string) ([]Record, error)

	// ClaimNext atomically picks the first eligible record in (priority,
	// next_eligible_at, id) order, increments attempt_count, stamps
	// last_attempt_at and marks it in flight for claimant.
	ClaimNext(ctx context.Context, campaignID, claimant string, now time.Time) (Record, error)
	// OpenClaim returns the undialled record claimant already holds in the campaign.
	OpenClaim(ctx context.Context, campaignID, claimant string) (Record, bool, error)
	// BeginDial marks a claim as dialling. It fails with ErrNotClaimed unless
	// claimant holds the record and no call was placed from it yet.
	BeginDial(ctx context.Context, recordID, claimant string) error
	// ReleaseClaim undoes a claim whose hand-off failed before any dial happened.
	ReleaseClaim(ctx context.Context, recordID string) error
	// ReleaseAgentClaims undoes every undialled claim held by claimant.
	ReleaseAgentClaims(ctx context.Context, claimant string) (int, error)
	// ReleaseStaleClaims undoes undialled claims taken before the cutoff.
	ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error)
	// Release returns a dialled record to the pool, eligible again at nextEligibleAt.
	Release(ctx context.Context, recordID string, nextEligibleAt time.Time) error
	MarkTerminal(ctx context.Context, recordID, reason string) error
	// SetTerminalForContact marks every record of the contact in the campaign terminal.
	SetTerminalForContact(ctx context.Context, campaignID, contactID, reason string) (int, error)
	// ScheduleCallback updates the contact's open record or creates one. It is
	// idempotent for equal requests and refuses DNC contacts.
	ScheduleCallback(ctx context.Context, req CallbackRequest) (Record, bool, error)

	CountEligible(ctx context.Context, campaignID string, now time.Time) (int, error)

	EnsurePlaceholders(ctx context.Context, ps []Placeholder) error
}
