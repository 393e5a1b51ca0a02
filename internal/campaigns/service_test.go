package campaigns

import (
	"context"
	"testing"
	"time"

	"contact-center/internal/apperr"
)

type activeCalls map[string]int

func (a activeCalls) CountActive(ctx context.Context, campaignID string) (int, error) {
	return a[campaignID], nil
}

func newTestService(repo Repository, calls ActiveCallCounter) *Service {
	s := NewService(repo, calls, Defaults{MaxAttempts: 3, DefaultPriority: 100, RetryBackoff: 30 * time.Minute})
	s.clock = func() time.Time { return t0 }
	return s
}

func TestService_CreateCampaignAppliesDefaults(t *testing.T) {
	svc := newTestService(NewMemoryRepo(), nil)
	c, err := svc.CreateCampaign(context.Background(), CreateCampaignRequest{ID: "c1", Name: "Spring renewals", DialingMode: "PREDICTIVE"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.MaxAttempts != 3 || c.MaxConcurrentPerAgent != 1 || c.PacingMultiplier != 1 || c.RetryBackoff != 30*time.Minute {
		t.Fatalf("defaults not applied: %+v", c)
	}
	if _, err := svc.CreateCampaign(context.Background(), CreateCampaignRequest{ID: "c1", Name: "dup", DialingMode: "POWER"}); apperr.KindOf(err) != apperr.KindValidationFailed {
		t.Fatalf("expected duplicate to fail validation, got %v", err)
	}
}

func TestService_CreateCampaignValidation(t *testing.T) {
	svc := newTestService(NewMemoryRepo(), nil)
	cases := []CreateCampaignRequest{
		{Name: "", DialingMode: "POWER"},
		{Name: "x", DialingMode: "TURBO"},
		{Name: "x", DialingMode: "POWER", AbandonRateThreshold: 1.5},
		{Name: "x", DialingMode: "POWER", HoursStart: "09:00"},
		{Name: "x", DialingMode: "POWER", Timezone: "Nowhere/Land"},
		{ID: ManualDialCampaignID, Name: "x", DialingMode: "POWER"},
	}
	for i, req := range cases {
		if _, err := svc.CreateCampaign(context.Background(), req); apperr.KindOf(err) != apperr.KindValidationFailed {
			t.Fatalf("case %d: expected validation_failed, got %v", i, err)
		}
	}
}

func TestService_ImportContactsCreatesEligibleRecords(t *testing.T) {
	repo := NewMemoryRepo()
	svc := newTestService(repo, nil)
	ctx := context.Background()
	if _, err := svc.CreateCampaign(ctx, CreateCampaignRequest{ID: "c1", Name: "n", DialingMode: "POWER", MaxAttempts: 2, Active: true}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := svc.ImportContacts(ctx, "c1", ImportRequest{Contacts: []ImportContact{{Phone: "+15550001"}, {Phone: "+15550002", Priority: 5}}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Records != 2 {
		t.Fatalf("expected 2 records, got %d", res.Records)
	}
	if n, _ := repo.CountEligible(ctx, "c1", t0); n != 2 {
		t.Fatalf("expected 2 eligible, got %d", n)
	}

	if _, err := svc.ImportContacts(ctx, "c1", ImportRequest{}); apperr.KindOf(err) != apperr.KindValidationFailed {
		t.Fatalf("expected empty import to fail validation, got %v", err)
	}
}

func TestService_ArchiveRefusedWithActiveCalls(t *testing.T) {
	repo := NewMemoryRepo()
	calls := activeCalls{"c1": 1}
	svc := newTestService(repo, calls)
	ctx := context.Background()
	_, _ = svc.CreateCampaign(ctx, CreateCampaignRequest{ID: "c1", Name: "n", DialingMode: "POWER", Active: true})

	if _, err := svc.Archive(ctx, "c1"); apperr.KindOf(err) != apperr.KindCallInProgress {
		t.Fatalf("expected call_in_progress, got %v", err)
	}
	c, err := svc.SetActive(ctx, "c1", false)
	if err != nil || c.Active {
		t.Fatalf("deactivate must always work, c=%+v err=%v", c, err)
	}

	calls["c1"] = 0
	c, err = svc.Archive(ctx, "c1")
	if err != nil || c.ArchivedAt == nil || c.Active {
		t.Fatalf("expected archived campaign, c=%+v err=%v", c, err)
	}
	if _, err := repo.GetCampaign(ctx, "c1"); err != nil {
		t.Fatalf("archived campaign must still exist: %v", err)
	}
	if _, err := svc.SetActive(ctx, "c1", true); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("archived campaign must not reactivate, got %v", err)
	}
}

func TestService_CapacityFor(t *testing.T) {
	svc := newTestService(NewMemoryRepo(), nil)
	ctx := context.Background()
	if _, err := svc.CreateCampaign(ctx, CreateCampaignRequest{ID: "c1", Name: "Blended", DialingMode: "POWER", MaxConcurrentPerAgent: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if n := svc.CapacityFor(ctx, "c1"); n != 2 {
		t.Fatalf("expected capacity 2, got %d", n)
	}
	if n := svc.CapacityFor(ctx, "missing"); n != 0 {
		t.Fatalf("expected 0 for unknown campaign, got %d", n)
	}
}
