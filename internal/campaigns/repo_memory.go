package campaigns

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo is an in-memory record store for tests and single-process runs.
// One mutex guards everything, which makes ClaimNext trivially atomic.
type MemoryRepo struct {
	mu sync.Mutex

	campaigns map[string]Campaign
	lists     map[string]ContactList
	contacts  map[string]Contact
	records   map[string]Record
	agentRows map[string]struct{}

	clock func() time.Time
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		campaigns: map[string]Campaign{},
		lists:     map[string]ContactList{},
		contacts:  map[string]Contact{},
		records:   map[string]Record{},
		agentRows: map[string]struct{}{},
		clock:     time.Now,
	}
}

func (r *MemoryRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.campaigns[id]
	if !ok {
		return Campaign{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) SaveCampaign(ctx context.Context, c Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.campaigns[c.ID] = c
	return nil
}

func (r *MemoryRepo) ListCampaigns(ctx context.Context, activeOnly bool) ([]Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		if activeOnly && !c.Active {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepo) SaveList(ctx context.Context, l ContactList) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists[l.ID] = l
	return nil
}

func (r *MemoryRepo) GetList(ctx context.Context, id string) (ContactList, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.lists[id]
	if !ok {
		return ContactList{}, ErrNotFound
	}
	return l, nil
}

func (r *MemoryRepo) GetContact(ctx context.Context, id string) (Contact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.contacts[id]
	if !ok {
		return Contact{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) SaveContact(ctx context.Context, c Contact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contacts[c.ID] = c
	return nil
}

func (r *MemoryRepo) InsertRecord(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r.records[rec.ID] = rec
	return nil
}

func (r *MemoryRepo) GetRecord(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) ListRecordsForContact(ctx context.Context, campaignID, contactID string) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsForContactLocked(campaignID, contactID), nil
}

func (r *MemoryRepo) recordsForContactLocked(campaignID, contactID string) []Record {
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.CampaignID == campaignID && rec.ContactID == contactID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepo) eligibleLocked(campaignID string, now time.Time) []Record {
	out := make([]Record, 0)
	for _, rec := range r.records {
		if rec.CampaignID != campaignID || !rec.Eligible(now) {
			continue
		}
		l, ok := r.lists[rec.ListID]
		if !ok || !l.Active || l.CampaignID != campaignID {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (r *MemoryRepo) ClaimNext(ctx context.Context, campaignID, claimant string, now time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := r.eligibleLocked(campaignID, now)
	if len(eligible) == 0 {
		return Record{}, ErrNoEligible
	}
	sort.Slice(eligible, func(i, j int) bool { return less(eligible[i], eligible[j]) })

	rec := eligible[0]
	at := now.UTC()
	rec.AttemptCount++
	rec.LastAttemptAt = &at
	rec.InFlight = true
	rec.ClaimedBy = claimant
	rec.ClaimedAt = &at
	rec.Dialing = false
	rec.UpdatedAt = at
	r.records[rec.ID] = rec
	return rec, nil
}

func (r *MemoryRepo) OpenClaim(ctx context.Context, campaignID, claimant string) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var (
		best  Record
		found bool
	)
	for _, rec := range r.records {
		if rec.CampaignID != campaignID || !rec.InFlight || rec.Dialing || rec.Terminal || rec.ClaimedBy != claimant {
			continue
		}
		if !found || less(rec, best) {
			best, found = rec, true
		}
	}
	return best, found, nil
}

func (r *MemoryRepo) BeginDial(ctx context.Context, recordID, claimant string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if !rec.InFlight || rec.Dialing || rec.ClaimedBy != claimant {
		return ErrNotClaimed
	}
	rec.Dialing = true
	rec.UpdatedAt = r.clock().UTC()
	r.records[recordID] = rec
	return nil
}

func (r *MemoryRepo) ReleaseClaim(ctx context.Context, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if !rec.InFlight {
		return nil
	}
	r.undoClaimLocked(rec, r.clock().UTC())
	return nil
}

func (r *MemoryRepo) ReleaseAgentClaims(ctx context.Context, claimant string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	n := 0
	for _, rec := range r.records {
		if rec.InFlight && !rec.Dialing && rec.ClaimedBy == claimant {
			r.undoClaimLocked(rec, now)
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepo) ReleaseStaleClaims(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	n := 0
	for _, rec := range r.records {
		if !rec.InFlight || rec.Dialing || rec.ClaimedAt == nil || !rec.ClaimedAt.Before(before) {
			continue
		}
		r.undoClaimLocked(rec, now)
		n++
	}
	return n, nil
}

// undoClaimLocked returns the attempt taken by the claim.
func (r *MemoryRepo) undoClaimLocked(rec Record, now time.Time) {
	if rec.AttemptCount > 0 {
		rec.AttemptCount--
	}
	rec.InFlight = false
	rec.Dialing = false
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	rec.UpdatedAt = now
	r.records[rec.ID] = rec
}

func (r *MemoryRepo) Release(ctx context.Context, recordID string, nextEligibleAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.InFlight = false
	rec.Dialing = false
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	rec.NextEligibleAt = nextEligibleAt.UTC()
	rec.UpdatedAt = r.clock().UTC()
	r.records[recordID] = rec
	return nil
}

func (r *MemoryRepo) MarkTerminal(ctx context.Context, recordID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[recordID]
	if !ok {
		return ErrNotFound
	}
	if rec.Terminal {
		return nil
	}
	rec.Terminal = true
	rec.TerminalReason = reason
	rec.UpdatedAt = r.clock().UTC()
	r.records[recordID] = rec
	return nil
}

func (r *MemoryRepo) SetTerminalForContact(ctx context.Context, campaignID, contactID, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock().UTC()
	n := 0
	for id, rec := range r.records {
		if rec.CampaignID != campaignID || rec.ContactID != contactID {
			continue
		}
		// DNC overrides any earlier terminal reason.
		if rec.Terminal && rec.TerminalReason == reason {
			continue
		}
		rec.Terminal = true
		rec.TerminalReason = reason
		rec.UpdatedAt = now
		r.records[id] = rec
		n++
	}
	return n, nil
}

func (r *MemoryRepo) ScheduleCallback(ctx context.Context, req CallbackRequest) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.recordsForContactLocked(req.CampaignID, req.ContactID)
	for _, rec := range existing {
		if rec.Terminal && rec.TerminalReason == TerminalReasonDNC {
			return Record{}, false, ErrContactDNC
		}
	}

	target, found := pickCallbackTarget(existing, req.RecordID)
	if found {
		target = applyCallback(target, req)
		r.records[target.ID] = target
		return target, false, nil
	}

	r.ensureLocked(req.Ensure, req.Now.UTC())

	rec := newCallbackRecord(req)
	rec.ID = uuid.NewString()
	r.records[rec.ID] = rec
	return rec, true, nil
}

func (r *MemoryRepo) CountEligible(ctx context.Context, campaignID string, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.eligibleLocked(campaignID, now)), nil
}

func (r *MemoryRepo) EnsurePlaceholders(ctx context.Context, ps []Placeholder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLocked(ps, r.clock().UTC())
	return nil
}

func (r *MemoryRepo) ensureLocked(ps []Placeholder, now time.Time) {
	for _, p := range ps {
		switch p.Kind {
		case PlaceholderCampaign:
			if _, ok := r.campaigns[p.Key]; !ok {
				r.campaigns[p.Key] = placeholderCampaign(p.Key, now)
			}
		case PlaceholderContactList:
			if _, ok := r.lists[p.Key]; !ok {
				r.lists[p.Key] = ContactList{ID: p.Key, CampaignID: p.Parent, Name: "Manual dial", Placeholder: true, CreatedAt: now}
			}
		case PlaceholderCallbackList:
			if _, ok := r.lists[p.Key]; !ok {
				r.lists[p.Key] = ContactList{ID: p.Key, CampaignID: p.Parent, Name: "Callbacks", Active: true, Placeholder: true, CreatedAt: now}
			}
		case PlaceholderContact:
			if _, ok := r.contacts[p.Key]; !ok {
				r.contacts[p.Key] = Contact{ID: p.Key, ListID: p.Parent, Phone: p.Key, Placeholder: true, CreatedAt: now}
			}
		case PlaceholderAgent:
			r.agentRows[p.Key] = struct{}{}
		}
	}
}

// HasAgentRow reports whether an agent row exists (placeholder or real).
func (r *MemoryRepo) HasAgentRow(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agentRows[id]
	return ok
}

func placeholderCampaign(id string, now time.Time) Campaign {
	return Campaign{
		ID:                    id,
		Name:                  "Manual dial",
		DialingMode:           DialingModePreview,
		PacingMultiplier:      1,
		MaxAttempts:           1,
		MaxConcurrentPerAgent: 1,
		Placeholder:           true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// pickCallbackTarget prefers the originating record, then any open record for the contact.
func pickCallbackTarget(existing []Record, recordID string) (Record, bool) {
	if recordID != "" {
		for _, rec := range existing {
			if rec.ID == recordID && !rec.Terminal {
				return rec, true
			}
		}
	}
	for _, rec := range existing {
		if !rec.Terminal {
			return rec, true
		}
	}
	return Record{}, false
}

func applyCallback(rec Record, req CallbackRequest) Record {
	rec.NextEligibleAt = req.At.UTC()
	rec.IsCallback = true
	if req.Priority < rec.Priority {
		rec.Priority = req.Priority
	}
	// A callback is one more attempt even when the record was exhausted.
	if rec.AttemptCount >= rec.MaxAttempts {
		rec.MaxAttempts = rec.AttemptCount + 1
	}
	rec.UpdatedAt = req.Now.UTC()
	return rec
}

func newCallbackRecord(req CallbackRequest) Record {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	now := req.Now.UTC()
	return Record{
		CampaignID:     req.CampaignID,
		ListID:         req.ListID,
		ContactID:      req.ContactID,
		Priority:       req.Priority,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: req.At.UTC(),
		IsCallback:     true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
