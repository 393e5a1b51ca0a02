package campaigns

import (
	"context"
	"errors"
	"time"

	"contact-center/internal/apperr"
	"contact-center/pkg/utils"

	"github.com/google/uuid"
)

// ActiveCallCounter reports calls still in progress for a campaign.
type ActiveCallCounter interface {
	CountActive(ctx context.Context, campaignID string) (int, error)
}

// Defaults applied when a campaign is created without explicit tunables.
type Defaults struct {
	MaxAttempts     int
	DefaultPriority int
	RetryBackoff    time.Duration
}

// Service manages campaign configuration and contact import.
type Service struct {
	repo     Repository
	calls    ActiveCallCounter
	defaults Defaults
	clock    func() time.Time
}

func NewService(repo Repository, calls ActiveCallCounter, d Defaults) *Service {
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
	if d.DefaultPriority <= 0 {
		d.DefaultPriority = 100
	}
	return &Service{repo: repo, calls: calls, defaults: d, clock: time.Now}
}

type CreateCampaignRequest struct {
	ID                    string  `json:"id"`
	Name                  string  `json:"name" validate:"required,max=200"`
	DialingMode           string  `json:"dialing_mode" validate:"required,oneof=PREVIEW POWER PREDICTIVE"`
	PacingMultiplier      float64 `json:"pacing_multiplier" validate:"gte=0,lte=10"`
	AbandonRateThreshold  float64 `json:"abandon_rate_threshold" validate:"gte=0,lte=1"`
	MaxAttempts           int     `json:"max_attempts" validate:"gte=0,lte=50"`
	MaxConcurrentPerAgent int     `json:"max_concurrent_per_agent" validate:"gte=0,lte=10"`
	RetryBackoffSeconds   int     `json:"retry_backoff_seconds" validate:"gte=0"`
	HoursStart            string  `json:"hours_start" validate:"clock"`
	HoursEnd              string  `json:"hours_end" validate:"clock"`
	Timezone              string  `json:"timezone" validate:"timezone"`
	Active                bool    `json:"active"`
}

func (s *Service) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (Campaign, error) {
	const op = "campaigns.CreateCampaign"
	if err := utils.ValidateStruct(req); err != nil {
		return Campaign{}, apperr.Validation(op, err.Error())
	}
	if (req.HoursStart == "") != (req.HoursEnd == "") {
		return Campaign{}, apperr.Validation(op, "hours_start and hours_end must be set together")
	}

	now := s.clock().UTC()
	c := Campaign{
		ID:                    req.ID,
		Name:                  req.Name,
		DialingMode:           DialingMode(req.DialingMode),
		PacingMultiplier:      req.PacingMultiplier,
		AbandonRateThreshold:  req.AbandonRateThreshold,
		MaxAttempts:           req.MaxAttempts,
		MaxConcurrentPerAgent: req.MaxConcurrentPerAgent,
		RetryBackoff:          time.Duration(req.RetryBackoffSeconds) * time.Second,
		Active:                req.Active,
		HoursStart:            req.HoursStart,
		HoursEnd:              req.HoursEnd,
		Timezone:              req.Timezone,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.ID == ManualDialCampaignID {
		return Campaign{}, apperr.Validation(op, "campaign id is reserved")
	}
	if c.PacingMultiplier <= 0 {
		c.PacingMultiplier = 1
	}
	if c.AbandonRateThreshold <= 0 {
		c.AbandonRateThreshold = 0.03
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = s.defaults.MaxAttempts
	}
	if c.MaxConcurrentPerAgent <= 0 {
		c.MaxConcurrentPerAgent = 1
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = s.defaults.RetryBackoff
	}

	if _, err := s.repo.GetCampaign(ctx, c.ID); err == nil {
		return Campaign{}, apperr.Validation(op, "campaign already exists")
	} else if !errors.Is(err, ErrNotFound) {
		return Campaign{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	if err := s.repo.SaveCampaign(ctx, c); err != nil {
		return Campaign{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (Campaign, error) {
	c, err := s.repo.GetCampaign(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Campaign{}, apperr.NotFound("campaigns.Get", "campaign not found")
	}
	if err != nil {
		return Campaign{}, apperr.Wrap(apperr.KindInternal, "campaigns.Get", err)
	}
	return c, nil
}

// CapacityFor is the per-agent concurrent call cap of a campaign, 0 if unknown.
func (s *Service) CapacityFor(ctx context.Context, campaignID string) int {
	c, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0
	}
	return c.MaxConcurrentPerAgent
}

// SetActive toggles dialing for a campaign.
func (s *Service) SetActive(ctx context.Context, id string, active bool) (Campaign, error) {
	const op = "campaigns.SetActive"
	c, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if c.Placeholder || c.ArchivedAt != nil {
		if active {
			return Campaign{}, apperr.NotEligible(op, "campaign cannot be activated")
		}
	}
	c.Active = active
	c.UpdatedAt = s.clock().UTC()
	if err := s.repo.SaveCampaign(ctx, c); err != nil {
		return Campaign{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return c, nil
}

// Archive is the only form of deletion. It is refused while calls are in progress.
func (s *Service) Archive(ctx context.Context, id string) (Campaign, error) {
	const op = "campaigns.Archive"
	c, err := s.Get(ctx, id)
	if err != nil {
		return Campaign{}, err
	}
	if s.calls != nil {
		n, err := s.calls.CountActive(ctx, id)
		if err != nil {
			return Campaign{}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		if n > 0 {
			return Campaign{}, apperr.New(apperr.KindCallInProgress, op, "campaign has active calls; deactivate it instead")
		}
	}
	now := s.clock().UTC()
	c.Active = false
	if c.ArchivedAt == nil {
		c.ArchivedAt = &now
	}
	c.UpdatedAt = now
	if err := s.repo.SaveCampaign(ctx, c); err != nil {
		return Campaign{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	return c, nil
}

type ImportContact struct {
	ID       string `json:"id"`
	Phone    string `json:"phone" validate:"required,min=3,max=32"`
	Name     string `json:"name" validate:"max=200"`
	Priority int    `json:"priority" validate:"gte=0"`
}

type ImportRequest struct {
	ListID   string          `json:"list_id"`
	ListName string          `json:"list_name" validate:"max=200"`
	Contacts []ImportContact `json:"contacts" validate:"required,min=1,max=10000,dive"`
}

type ImportResult struct {
	ListID  string `json:"list_id"`
	Records int    `json:"records"`
}

// ImportContacts creates an active list (or reuses ListID) and one record per contact.
func (s *Service) ImportContacts(ctx context.Context, campaignID string, req ImportRequest) (ImportResult, error) {
	const op = "campaigns.ImportContacts"
	if err := utils.ValidateStruct(req); err != nil {
		return ImportResult{}, apperr.Validation(op, err.Error())
	}
	c, err := s.Get(ctx, campaignID)
	if err != nil {
		return ImportResult{}, err
	}
	if c.Placeholder {
		return ImportResult{}, apperr.NotEligible(op, "cannot import into a placeholder campaign")
	}

	now := s.clock().UTC()
	listID := req.ListID
	if listID == "" {
		listID = uuid.NewString()
	}
	name := req.ListName
	if name == "" {
		name = "Import " + now.Format(time.RFC3339)
	}
	if err := s.repo.SaveList(ctx, ContactList{ID: listID, CampaignID: c.ID, Name: name, Active: true, CreatedAt: now}); err != nil {
		return ImportResult{}, apperr.Wrap(apperr.KindInternal, op, err)
	}

	n := 0
	for _, in := range req.Contacts {
		contactID := in.ID
		if contactID == "" {
			contactID = uuid.NewString()
		}
		if err := s.repo.SaveContact(ctx, Contact{ID: contactID, ListID: listID, Phone: in.Phone, Name: in.Name, CreatedAt: now}); err != nil {
			return ImportResult{ListID: listID, Records: n}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		priority := in.Priority
		if priority == 0 {
			priority = s.defaults.DefaultPriority
		}
		rec := Record{
			ID:             uuid.NewString(),
			CampaignID:     c.ID,
			ListID:         listID,
			ContactID:      contactID,
			Priority:       priority,
			MaxAttempts:    c.MaxAttempts,
			NextEligibleAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.repo.InsertRecord(ctx, rec); err != nil {
			return ImportResult{ListID: listID, Records: n}, apperr.Wrap(apperr.KindInternal, op, err)
		}
		n++
	}
	return ImportResult{ListID: listID, Records: n}, nil
}
