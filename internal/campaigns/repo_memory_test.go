package campaigns

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"
)

func TestScheduleCallback_IdempotentForSameTime(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 1, 3)
	ctx := context.Background()
	at := t0.Add(2 * time.Hour)

	req := CallbackRequest{CampaignID: "camp", ContactID: "contact-000", RecordID: "camp-r000", ListID: "camp-list", At: at, Priority: 0, MaxAttempts: 3, Now: t0}
	first, created, err := repo.ScheduleCallback(ctx, req)
	if err != nil || created {
		t.Fatalf("expected update of existing record, created=%v err=%v", created, err)
	}
	second, created, err := repo.ScheduleCallback(ctx, req)
	if err != nil || created {
		t.Fatalf("second call: created=%v err=%v", created, err)
	}
	if first != second {
		t.Fatalf("callback not idempotent:\n%+v\n%+v", first, second)
	}

	recs, _ := repo.ListRecordsForContact(ctx, "camp", "contact-000")
	if len(recs) != 1 {
		t.Fatalf("expected one record, got %d", len(recs))
	}
	if !recs[0].NextEligibleAt.Equal(at) || recs[0].Priority != 0 || !recs[0].IsCallback {
		t.Fatalf("callback not applied: %+v", recs[0])
	}
}

func TestScheduleCallback_CreatesWhenNoOpenRecord(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	at := t0.Add(time.Hour)
	req := CallbackRequest{CampaignID: "camp", ContactID: "walk-in", ListID: "camp-list", At: at, MaxAttempts: 2, Now: t0}

	rec, created, err := repo.ScheduleCallback(ctx, req)
	if err != nil || !created {
		t.Fatalf("expected create, created=%v err=%v", created, err)
	}
	if _, created, _ := repo.ScheduleCallback(ctx, req); created {
		t.Fatalf("second request must reuse the created record")
	}
	recs, _ := repo.ListRecordsForContact(ctx, "camp", "walk-in")
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Fatalf("expected exactly one pending record, got %+v", recs)
	}
}

func TestScheduleCallback_ExhaustedRecordGetsOneMoreAttempt(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.InsertRecord(ctx, Record{ID: "r", CampaignID: "c", ContactID: "p", AttemptCount: 3, MaxAttempts: 3, Priority: 100})

	rec, _, err := repo.ScheduleCallback(ctx, CallbackRequest{CampaignID: "c", ContactID: "p", RecordID: "r", At: t0, Priority: 0, Now: t0})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.MaxAttempts != 4 || rec.AttemptCount > rec.MaxAttempts {
		t.Fatalf("expected max attempts bumped to 4, got %+v", rec)
	}
}

func TestScheduleCallback_RefusesDNCContact(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 1, 3)
	ctx := context.Background()
	if _, err := repo.SetTerminalForContact(ctx, "camp", "contact-000", TerminalReasonDNC); err != nil {
		t.Fatalf("dnc: %v", err)
	}
	_, _, err := repo.ScheduleCallback(ctx, CallbackRequest{CampaignID: "camp", ContactID: "contact-000", At: t0, Now: t0})
	if !errors.Is(err, ErrContactDNC) {
		t.Fatalf("expected ErrContactDNC, got %v", err)
	}
}

func TestScheduleCallback_EnsuresCallbackListInSameCall(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 0, 3)
	ctx := context.Background()
	listID := CallbackListID("camp")

	req := CallbackRequest{
		CampaignID: "camp", ContactID: "stray", ListID: listID, At: t0, MaxAttempts: 1, Now: t0,
		Ensure: []Placeholder{{Kind: PlaceholderCallbackList, Key: listID, Parent: "camp"}},
	}
	rec, created, err := repo.ScheduleCallback(ctx, req)
	if err != nil || !created || rec.ListID != listID {
		t.Fatalf("expected record on the callback list, rec=%+v created=%v err=%v", rec, created, err)
	}
	l, err := repo.GetList(ctx, listID)
	if err != nil || !l.Active || l.CampaignID != "camp" {
		t.Fatalf("callback list must be active in the campaign, got %+v err=%v", l, err)
	}
	if n, _ := repo.CountEligible(ctx, "camp", t0); n != 1 {
		t.Fatalf("callback must be selectable, eligible=%d", n)
	}
}

func TestBeginDial_RequiresOwnUndialledClaim(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 2, 3)
	ctx := context.Background()

	rec, _ := repo.ClaimNext(ctx, "camp", "a1", t0)
	if rec.ClaimedAt == nil || !rec.ClaimedAt.Equal(t0) || rec.Dialing {
		t.Fatalf("claim not stamped: %+v", rec)
	}
	if err := repo.BeginDial(ctx, rec.ID, "a2"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("other agent: expected ErrNotClaimed, got %v", err)
	}
	if err := repo.BeginDial(ctx, "camp-r001", "a1"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("unclaimed record: expected ErrNotClaimed, got %v", err)
	}
	if err := repo.BeginDial(ctx, rec.ID, "a1"); err != nil {
		t.Fatalf("begin dial: %v", err)
	}
	if err := repo.BeginDial(ctx, rec.ID, "a1"); !errors.Is(err, ErrNotClaimed) {
		t.Fatalf("second dial from one claim: expected ErrNotClaimed, got %v", err)
	}
	if _, ok, _ := repo.OpenClaim(ctx, "camp", "a1"); ok {
		t.Fatalf("a dialling record is no longer an open claim")
	}
	if err := repo.BeginDial(ctx, "nope", "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseAgentClaims_LeavesDiallingRecords(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 3, 3)
	ctx := context.Background()

	held, _ := repo.ClaimNext(ctx, "camp", "a1", t0)
	dialling, _ := repo.ClaimNext(ctx, "camp", "a1", t0)
	_ = repo.BeginDial(ctx, dialling.ID, "a1")
	other, _ := repo.ClaimNext(ctx, "camp", "a2", t0)

	n, err := repo.ReleaseAgentClaims(ctx, "a1")
	if err != nil || n != 1 {
		t.Fatalf("expected one release, n=%d err=%v", n, err)
	}
	if rec, _ := repo.GetRecord(ctx, held.ID); rec.InFlight || rec.AttemptCount != 0 || rec.ClaimedBy != "" || rec.ClaimedAt != nil {
		t.Fatalf("held claim not undone: %+v", rec)
	}
	if rec, _ := repo.GetRecord(ctx, dialling.ID); !rec.InFlight || !rec.Dialing {
		t.Fatalf("dialling record must stay in flight: %+v", rec)
	}
	if rec, _ := repo.GetRecord(ctx, other.ID); !rec.InFlight || rec.ClaimedBy != "a2" {
		t.Fatalf("other agent's claim touched: %+v", rec)
	}
}

func TestReleaseStaleClaims_OnlyOlderThanCutoff(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 3, 3)
	ctx := context.Background()

	old, _ := repo.ClaimNext(ctx, "camp", "a1", t0)
	oldDialling, _ := repo.ClaimNext(ctx, "camp", BurstClaimant, t0)
	_ = repo.BeginDial(ctx, oldDialling.ID, BurstClaimant)
	fresh, _ := repo.ClaimNext(ctx, "camp", "a2", t0.Add(9*time.Minute))

	n, err := repo.ReleaseStaleClaims(ctx, t0.Add(5*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one stale claim, n=%d err=%v", n, err)
	}
	if rec, _ := repo.GetRecord(ctx, old.ID); rec.InFlight || rec.AttemptCount != 0 {
		t.Fatalf("stale claim not undone: %+v", rec)
	}
	for _, id := range []string{oldDialling.ID, fresh.ID} {
		if rec, _ := repo.GetRecord(ctx, id); !rec.InFlight {
			t.Fatalf("record %s must stay claimed: %+v", id, rec)
		}
	}
	if n, _ := repo.CountEligible(ctx, "camp", t0.Add(10*time.Minute)); n != 1 {
		t.Fatalf("expected the swept record back in the pool, eligible=%d", n)
	}
}

func TestRelease_ClearsClaimState(t *testing.T) {
	repo := NewMemoryRepo()
	seed(t, repo, "camp", 1, 3)
	ctx := context.Background()

	rec, _ := repo.ClaimNext(ctx, "camp", "a1", t0)
	_ = repo.BeginDial(ctx, rec.ID, "a1")
	if err := repo.Release(ctx, rec.ID, t0.Add(time.Minute)); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := repo.GetRecord(ctx, rec.ID)
	if got.InFlight || got.Dialing || got.ClaimedAt != nil || got.AttemptCount != 1 {
		t.Fatalf("release must keep the attempt and clear the claim: %+v", got)
	}
}

func TestSetTerminalForContact_CoversEveryRecordInCampaignOnly(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	for _, r := range []Record{
		{ID: "1", CampaignID: "camp", ContactID: "p", MaxAttempts: 3},
		{ID: "2", CampaignID: "camp", ContactID: "p", MaxAttempts: 3, IsCallback: true},
		{ID: "3", CampaignID: "camp", ContactID: "p", MaxAttempts: 3, Terminal: true, TerminalReason: TerminalReasonDisposition},
		{ID: "4", CampaignID: "other", ContactID: "p", MaxAttempts: 3},
		{ID: "5", CampaignID: "camp", ContactID: "q", MaxAttempts: 3},
	} {
		_ = repo.InsertRecord(ctx, r)
	}

	n, err := repo.SetTerminalForContact(ctx, "camp", "p", TerminalReasonDNC)
	if err != nil || n != 3 {
		t.Fatalf("expected 3 updated, got n=%d err=%v", n, err)
	}
	for _, id := range []string{"1", "2", "3"} {
		rec, _ := repo.GetRecord(ctx, id)
		if !rec.Terminal || rec.TerminalReason != TerminalReasonDNC {
			t.Fatalf("record %s not DNC: %+v", id, rec)
		}
	}
	for _, id := range []string{"4", "5"} {
		rec, _ := repo.GetRecord(ctx, id)
		if rec.Terminal {
			t.Fatalf("record %s must be untouched", id)
		}
	}
}

func TestEnsurePlaceholders_IdempotentAndNonDestructive(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	_ = repo.SaveContact(ctx, Contact{ID: "known", ListID: "real-list", Phone: "+15550001"})

	ps := append(ManualDialPlaceholders("+15559999", "agent-7"), Placeholder{Kind: PlaceholderContact, Key: "known", Parent: ManualDialListID})
	for i := 0; i < 2; i++ {
		if err := repo.EnsurePlaceholders(ctx, ps); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}

	c, err := repo.GetCampaign(ctx, ManualDialCampaignID)
	if err != nil || !c.Placeholder || c.Active {
		t.Fatalf("expected inactive placeholder campaign, got %+v err=%v", c, err)
	}
	ct, err := repo.GetContact(ctx, "+15559999")
	if err != nil || !ct.Placeholder || ct.ListID != ManualDialListID {
		t.Fatalf("expected placeholder contact, got %+v err=%v", ct, err)
	}
	known, _ := repo.GetContact(ctx, "known")
	if known.Placeholder || known.ListID != "real-list" {
		t.Fatalf("existing contact was overwritten: %+v", known)
	}
	if !repo.HasAgentRow("agent-7") {
		t.Fatalf("expected agent row")
	}
}

func TestCampaign_InOperatingHours(t *testing.T) {
	// 2026-03-02 15:00 UTC is 10:00 in New York (EST).
	cases := []struct {
		name       string
		start, end string
		tz         string
		want       bool
	}{
		{"always open", "", "", "", true},
		{"inside local window", "09:00", "17:00", "America/New_York", true},
		{"outside local window", "11:00", "17:00", "America/New_York", false},
		{"overnight window", "22:00", "06:00", "UTC", false},
		{"overnight window open", "14:00", "02:00", "UTC", true},
		{"garbage closes", "nine", "17:00", "UTC", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Campaign{HoursStart: tc.start, HoursEnd: tc.end, Timezone: tc.tz}
			if got := c.InOperatingHours(t0); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
