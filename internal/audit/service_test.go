package audit

import (
	"context"
	"testing"
	"time"

	"contact-center/internal/events"
)

func TestService_AppendRequiresTypeAndSubject(t *testing.T) {
	svc := NewService(NewMemoryRepo(), nil)

	if err := svc.Append(context.Background(), Event{Type: EventTypeAdminAction}); err == nil {
		t.Fatalf("expected error without a subject")
	}
	if err := svc.Append(context.Background(), Event{CampaignID: "c1"}); err == nil {
		t.Fatalf("expected error without a type")
	}
}

func TestService_AppendsImmutableEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)

	if err := svc.LogAdminAction(context.Background(), "u", "supervisor", "1.2.3.4", "c1", "", "campaign deactivated", "{}"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].IPAddress != "1.2.3.4" || evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("unexpected event: %+v", evs[0])
	}
	if evs[0].Type != EventTypeAdminAction {
		t.Fatalf("expected admin_action")
	}
}

func TestService_RecordsDialerEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	svc.HandleEvent(ctx, events.Event{Type: events.TypeAgentStatusChanged, AgentID: "a1", Detail: "Break", OccurredAt: at})
	svc.HandleEvent(ctx, events.Event{Type: events.TypeContactDNC, CampaignID: "c1", ContactID: "ct1", OccurredAt: at})
	svc.HandleEvent(ctx, events.Event{Type: events.TypeCallEnded, CampaignID: "c1", CallID: "k1", Detail: "completed"})
	svc.HandleEvent(ctx, events.Event{Type: events.TypeCallEnded, CampaignID: "c1", CallID: "k2", Detail: "abandoned"})
	svc.HandleEvent(ctx, events.Event{Type: events.TypeRecordClaimed, CampaignID: "c1"})

	if got := len(repo.Events()); got != 3 {
		t.Fatalf("expected 3 audit events, got %d: %+v", got, repo.Events())
	}
	st := repo.OfType(EventTypeAgentStatus)
	if len(st) != 1 || st[0].Message != "status changed to Break" || !st[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected status event: %+v", st)
	}
	if ab := repo.OfType(EventTypeCallAbandoned); len(ab) != 1 || ab[0].CallID != "k2" {
		t.Fatalf("expected one abandoned call event, got %+v", ab)
	}
}
