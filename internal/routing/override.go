package routing

import (
	"context"
	"errors"
	"time"

	"contact-center/internal/apperr"

	"github.com/google/uuid"
)

// OverrideEngine manages supervisor overrides: for a bounded time, answered
// calls of a campaign go to one named agent ahead of longest-idle routing.
//
// Overrides are silent (the decision carries no reason), expiry based, and
// every set, clear and use is written to the internal audit log.
type OverrideEngine struct {
	Store OverrideStore
	Audit AuditLogger
	Now   func() time.Time
	// MaxTTL bounds how long a single override may last.
	MaxTTL time.Duration
}

// OverrideStore keeps at most one override per campaign.
type OverrideStore interface {
	Put(ctx context.Context, o Override) error
	// Get returns (Override{}, false, nil) when the campaign has no override.
	Get(ctx context.Context, campaignID string) (Override, bool, error)
	Delete(ctx context.Context, campaignID string) error
}

// AuditLogger records internal-only override events.
type AuditLogger interface {
	LogOverride(ctx context.Context, e OverrideAuditEvent) error
}

type Override struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	AgentID    string    `json:"agent_id"`
	CreatedBy  string    `json:"created_by,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
	Metadata   string    `json:"metadata,omitempty"`
}

type OverrideAction string

const (
	OverrideSet     OverrideAction = "set"
	OverrideCleared OverrideAction = "cleared"
	OverrideApplied OverrideAction = "applied"
)

type OverrideAuditEvent struct {
	Action   OverrideAction
	Override Override
	CallID   string
	Actor    Actor
	At       time.Time
}

type SetOverrideRequest struct {
	CampaignID string        `json:"campaign_id" validate:"required"`
	AgentID    string        `json:"agent_id" validate:"required"`
	TTL        time.Duration `json:"ttl"`
	Metadata   string        `json:"metadata,omitempty"`
}

func NewOverrideEngine(store OverrideStore, audit AuditLogger) *OverrideEngine {
	return &OverrideEngine{Store: store, Audit: audit, Now: time.Now, MaxTTL: 8 * time.Hour}
}

func (e *OverrideEngine) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Set installs or replaces the campaign's override.
func (e *OverrideEngine) Set(ctx context.Context, req SetOverrideRequest) (Override, error) {
	const op = "routing.SetOverride"
	if req.CampaignID == "" || req.AgentID == "" {
		return Override{}, apperr.Validation(op, "campaign_id and agent_id required")
	}
	if req.TTL <= 0 {
		return Override{}, apperr.Validation(op, "ttl must be positive")
	}
	if e.MaxTTL > 0 && req.TTL > e.MaxTTL {
		return Override{}, apperr.Validation(op, "ttl exceeds "+e.MaxTTL.String())
	}
	if e.Store == nil {
		return Override{}, errors.New("routing: override store not configured")
	}

	actor := ActorFromContext(ctx)
	now := e.now().UTC()
	o := Override{
		ID:         uuid.NewString(),
		CampaignID: req.CampaignID,
		AgentID:    req.AgentID,
		CreatedBy:  actor.UserID,
		ExpiresAt:  now.Add(req.TTL),
		Metadata:   req.Metadata,
	}
	if err := e.Store.Put(ctx, o); err != nil {
		return Override{}, apperr.Wrap(apperr.KindInternal, op, err)
	}
	e.audit(ctx, OverrideAuditEvent{Action: OverrideSet, Override: o, Actor: actor, At: now})
	return o, nil
}

// Clear removes the campaign's override. Clearing a missing override is not an error.
func (e *OverrideEngine) Clear(ctx context.Context, campaignID string) error {
	if e.Store == nil {
		return nil
	}
	o, ok, err := e.Store.Get(ctx, campaignID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "routing.ClearOverride", err)
	}
	if !ok {
		return nil
	}
	if err := e.Store.Delete(ctx, campaignID); err != nil {
		return apperr.Wrap(apperr.KindInternal, "routing.ClearOverride", err)
	}
	e.audit(ctx, OverrideAuditEvent{Action: OverrideCleared, Override: o, Actor: ActorFromContext(ctx), At: e.now().UTC()})
	return nil
}

// Active returns the campaign's unexpired override.
func (e *OverrideEngine) Active(ctx context.Context, campaignID string) (Override, bool, error) {
	if e.Store == nil || campaignID == "" {
		return Override{}, false, nil
	}
	o, ok, err := e.Store.Get(ctx, campaignID)
	if err != nil || !ok {
		return Override{}, false, err
	}
	if !o.ExpiresAt.After(e.now()) || o.AgentID == "" {
		return Override{}, false, nil
	}
	return o, true, nil
}

// Applied records the use of o for callID.
func (e *OverrideEngine) Applied(ctx context.Context, o Override, callID string) {
	e.audit(ctx, OverrideAuditEvent{Action: OverrideApplied, Override: o, CallID: callID, At: e.now().UTC()})
}

func (e *OverrideEngine) audit(ctx context.Context, ev OverrideAuditEvent) {
	if e.Audit == nil {
		return
	}
	_ = e.Audit.LogOverride(ctx, ev)
}

// Actor is the authenticated caller behind an override change.
type Actor struct {
	UserID string
	Role   string
	IP     string
}

type actorKey struct{}

// WithActor attaches the caller identity for audit. HTTP handlers resolve it
// from the verified token and the client IP.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFromContext(ctx context.Context) Actor {
	a, _ := ctx.Value(actorKey{}).(Actor)
	return a
}
