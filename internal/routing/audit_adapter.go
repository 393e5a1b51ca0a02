package routing

import (
	"context"

	"contact-center/internal/audit"
)

// AuditAdapter bridges the override audit hook to audit.Service so routing
// does not depend on audit persistence.
type AuditAdapter struct {
	Audit *audit.Service
}

func (a AuditAdapter) LogOverride(ctx context.Context, e OverrideAuditEvent) error {
	if a.Audit == nil {
		return nil
	}
	return a.Audit.Append(ctx, audit.Event{
		Type:        audit.EventTypeOverride,
		ActorUserID: e.Actor.UserID,
		ActorRole:   e.Actor.Role,
		IPAddress:   e.Actor.IP,
		CampaignID:  e.Override.CampaignID,
		AgentID:     e.Override.AgentID,
		CallID:      e.CallID,
		OverrideID:  e.Override.ID,
		Message:     "routing override " + string(e.Action),
		Metadata:    e.Override.Metadata,
		CreatedAt:   e.At,
	})
}
