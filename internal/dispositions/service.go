package dispositions

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"contact-center/internal/apperr"
	"contact-center/internal/calls"
	"contact-center/internal/campaigns"
	"contact-center/internal/events"
)

// CallStore reads and patches call records.
type CallStore interface {
	Get(ctx context.Context, id string) (calls.CallRecord, error)
	Update(ctx context.Context, id string, p calls.Patch) (calls.CallRecord, error)
}

// RecordStore is the slice of the record store dispositions touch.
type RecordStore interface {
	GetCampaign(ctx context.Context, id string) (campaigns.Campaign, error)
	GetRecord(ctx context.Context, id string) (campaigns.Record, error)
	GetContact(ctx context.Context, id string) (campaigns.Contact, error)
	GetList(ctx context.Context, id string) (campaigns.ContactList, error)
	MarkTerminal(ctx context.Context, recordID, reason string) error
	SetTerminalForContact(ctx context.Context, campaignID, contactID, reason string) (int, error)
	ScheduleCallback(ctx context.Context, req campaigns.CallbackRequest) (campaigns.Record, bool, error)
}

type Config struct {
	// CallbackPriority is applied to callback records (lower dials sooner).
	CallbackPriority int
	// DefaultMaxAttempts is used for new callback records when the campaign has none.
	DefaultMaxAttempts int
}

type Service struct {
	catalog Catalog
	calls   CallStore
	records RecordStore
	pub     events.Publisher
	log     *slog.Logger
	cfg     Config
	clock   func() time.Time
}

func NewService(catalog Catalog, callStore CallStore, records RecordStore, pub events.Publisher, log *slog.Logger, cfg Config) *Service {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	if pub == nil {
		pub = events.Discard{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return &Service{catalog: catalog, calls: callStore, records: records, pub: pub, log: log, cfg: cfg, clock: time.Now}
}

func (s *Service) Catalog() Catalog { return s.catalog }

type ApplyRequest struct {
	CallID     string     `json:"call_id"`
	Code       string     `json:"code"`
	Notes      string     `json:"notes"`
	CallbackAt *time.Time `json:"callback_at,omitempty"`
}

type Result struct {
	Call calls.CallRecord `json:"call"`
	// Record is the campaign record the disposition changed, if any.
	Record *campaigns.Record `json:"record,omitempty"`
	// ClosedRecords counts records closed by a do-not-call disposition.
	ClosedRecords int `json:"closed_records,omitempty"`
}

// ApplyDisposition records the outcome of an ended call and applies its
// effect on the campaign records.
func (s *Service) ApplyDisposition(ctx context.Context, req ApplyRequest) (Result, error) {
	const op = "dispositions.Apply"
	d, ok := s.catalog.Lookup(req.Code)
	if !ok {
		return Result{}, apperr.Validation(op, "unknown disposition code "+req.Code)
	}
	notes := strings.TrimSpace(req.Notes)
	if d.RequiresNotes && notes == "" {
		return Result{}, apperr.Validation(op, "notes are required for "+d.Code)
	}
	now := s.clock().UTC()
	if req.CallbackAt != nil {
		if !d.CallbackEligible {
			return Result{}, apperr.Validation(op, d.Code+" does not allow a callback")
		}
		if !req.CallbackAt.After(now) {
			return Result{}, apperr.Validation(op, "callback_at must be in the future")
		}
	}

	call, err := s.calls.Get(ctx, req.CallID)
	if errors.Is(err, calls.ErrNotFound) {
		return Result{}, apperr.NotFound(op, "call not found")
	}
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if call.State != calls.StateEnded {
		return Result{}, apperr.NotEligible(op, "call has not ended")
	}

	p := calls.Patch{FromStates: []calls.State{calls.StateEnded}, Disposition: &d.Code, Notes: &notes}
	if d.DoNotCall {
		dnc := true
		p.IsDNC = &dnc
	}
	call, err = s.calls.Update(ctx, call.ID, p)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	res := Result{Call: call}

	switch {
	case d.DoNotCall:
		n, err := s.records.SetTerminalForContact(ctx, call.CampaignID, call.ContactID, campaigns.TerminalReasonDNC)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		res.ClosedRecords = n
		s.log.InfoContext(ctx, "contact marked do-not-call", "campaign_id", call.CampaignID, "contact_id", call.ContactID, "records", n)
		s.pub.Publish(events.Event{Type: events.TypeContactDNC, CampaignID: call.CampaignID, ContactID: call.ContactID, CallID: call.ID, OccurredAt: now})

	case d.CallbackEligible && req.CallbackAt != nil:
		rec, err := s.scheduleCallback(ctx, call, *req.CallbackAt, now)
		if err != nil {
			return Result{}, err
		}
		res.Record = &rec

	case d.Final && call.RecordID != "":
		if err := s.records.MarkTerminal(ctx, call.RecordID, campaigns.TerminalReasonDisposition); err != nil && !errors.Is(err, campaigns.ErrNotFound) {
			return Result{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if rec, err := s.records.GetRecord(ctx, call.RecordID); err == nil {
			res.Record = &rec
		}
	}

	s.pub.Publish(events.Event{
		Type:       events.TypeDispositionApplied,
		CampaignID: call.CampaignID,
		AgentID:    call.AgentID,
		CallID:     call.ID,
		RecordID:   call.RecordID,
		ContactID:  call.ContactID,
		Detail:     d.Code,
		OccurredAt: now,
	})
	return res, nil
}

func (s *Service) scheduleCallback(ctx context.Context, call calls.CallRecord, at, now time.Time) (campaigns.Record, error) {
	const op = "dispositions.Callback"
	req := campaigns.CallbackRequest{
		CampaignID:  call.CampaignID,
		ContactID:   call.ContactID,
		RecordID:    call.RecordID,
		At:          at,
		Priority:    s.cfg.CallbackPriority,
		MaxAttempts: s.cfg.DefaultMaxAttempts,
		Now:         now,
	}
	req.ListID, req.Ensure = s.callbackList(ctx, call)
	if c, err := s.records.GetCampaign(ctx, call.CampaignID); err == nil && c.MaxAttempts > 0 {
		req.MaxAttempts = c.MaxAttempts
	}

	rec, created, err := s.records.ScheduleCallback(ctx, req)
	if errors.Is(err, campaigns.ErrContactDNC) {
		return campaigns.Record{}, apperr.NotEligible(op, "contact is do-not-call")
	}
	if err != nil {
		return campaigns.Record{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	s.log.InfoContext(ctx, "callback scheduled", "campaign_id", call.CampaignID, "contact_id", call.ContactID, "record_id", rec.ID, "list_id", rec.ListID, "at", at, "created", created)
	return rec, nil
}

// callbackList picks the list a new callback record goes on: the originating
// record's list, else the contact's own list when it belongs to the campaign,
// else the campaign's callback list, which the store creates on demand.
func (s *Service) callbackList(ctx context.Context, call calls.CallRecord) (string, []campaigns.Placeholder) {
	if call.RecordID != "" {
		if rec, err := s.records.GetRecord(ctx, call.RecordID); err == nil && rec.CampaignID == call.CampaignID {
			return rec.ListID, nil
		}
	}
	if c, err := s.records.GetContact(ctx, call.ContactID); err == nil && c.ListID != "" {
		if l, err := s.records.GetList(ctx, c.ListID); err == nil && l.CampaignID == call.CampaignID && l.Active {
			return l.ID, nil
		}
	}
	id := campaigns.CallbackListID(call.CampaignID)
	return id, []campaigns.Placeholder{{Kind: campaigns.PlaceholderCallbackList, Key: id, Parent: call.CampaignID}}
}
