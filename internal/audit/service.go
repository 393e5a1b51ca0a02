package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"contact-center/internal/events"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information: supervisor actions, routing
// overrides and the dialer events that matter for compliance (status changes,
// DNC, dispositions, abandoned calls).
//
// Audit is internal-only and best-effort for callers.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || !e.hasSubject() {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogAdminAction records a supervisor or admin action against a campaign or agent.
func (s *Service) LogAdminAction(ctx context.Context, actorUserID, actorRole, ip, campaignID, agentID, message, metadata string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeAdminAction,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CampaignID:  campaignID,
		AgentID:     agentID,
		Message:     message,
		Metadata:    metadata,
	})
}

// Attach subscribes the service to the dialer events it records.
func (s *Service) Attach(bus *events.Bus) {
	bus.Subscribe(s.HandleEvent,
		events.TypeAgentStatusChanged,
		events.TypeContactDNC,
		events.TypeDispositionApplied,
		events.TypeCallEnded,
	)
}

func (s *Service) HandleEvent(ctx context.Context, e events.Event) {
	ev := Event{
		CampaignID: e.CampaignID,
		AgentID:    e.AgentID,
		CallID:     e.CallID,
		RecordID:   e.RecordID,
		ContactID:  e.ContactID,
		CreatedAt:  e.OccurredAt,
	}
	switch e.Type {
	case events.TypeAgentStatusChanged:
		ev.Type = EventTypeAgentStatus
		ev.Message = "status changed to " + e.Detail
	case events.TypeContactDNC:
		ev.Type = EventTypeContactDNC
		ev.Message = "contact marked do-not-call"
	case events.TypeDispositionApplied:
		ev.Type = EventTypeDisposition
		ev.Message = "disposition " + e.Detail
	case events.TypeCallEnded:
		if e.Detail != "abandoned" {
			return
		}
		ev.Type = EventTypeCallAbandoned
		ev.Message = "call abandoned with no agent available"
	default:
		return
	}
	if err := s.Append(ctx, ev); err != nil {
		s.log.WarnContext(ctx, "audit append failed", "type", ev.Type, "campaign_id", ev.CampaignID, "err", err)
	}
}
