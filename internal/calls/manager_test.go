package calls

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/campaigns"
	"contact-center/internal/events"
	"contact-center/internal/timers"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type fakeTimer struct {
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timers.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) fire() {
	c.mu.Lock()
	ts := append([]*fakeTimer(nil), c.timers...)
	c.mu.Unlock()
	for _, t := range ts {
		if !t.stopped {
			t.stopped = true
			t.f()
		}
	}
}

type sink struct {
	mu  sync.Mutex
	got []events.Event
}

func (s *sink) Publish(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, e)
}

func (s *sink) count(t events.Type) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *campaigns.MemoryRepo
	agents *agents.Manager
	calls  *Manager
	clock  *fakeClock
	events *sink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := campaigns.NewMemoryRepo()
	_ = store.SaveCampaign(ctx, campaigns.Campaign{ID: "c1", Name: "c1", DialingMode: campaigns.DialingModePower, Active: true, MaxAttempts: 3, MaxConcurrentPerAgent: 1, RetryBackoff: 10 * time.Minute})
	_ = store.SaveList(ctx, campaigns.ContactList{ID: "l1", CampaignID: "c1", Active: true})
	_ = store.SaveContact(ctx, campaigns.Contact{ID: "ct1", ListID: "l1", Phone: "+15550001"})
	_ = store.InsertRecord(ctx, campaigns.Record{ID: "r1", CampaignID: "c1", ListID: "l1", ContactID: "ct1", Priority: 100, AttemptCount: 2, MaxAttempts: 3, NextEligibleAt: t0.Add(-time.Hour)})

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ev := &sink{}
	am := agents.NewManager(agents.NewMemoryRepo(), store, ev, log)
	if _, err := am.SetStatus(ctx, "a1", agents.StatusAvailable, "c1"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	clk := &fakeClock{}
	m := NewManager(NewMemoryRepo(store), store, am, timers.NewScheduler(clk.AfterFunc), ev, log, Config{RingTimeout: time.Second})
	m.clock = func() time.Time { return t0 }
	return &fixture{store: store, agents: am, calls: m, clock: clk, events: ev}
}

func TestEndCall_LastAttemptNoAnswerIsNeverSelectedAgain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.store.ClaimNext(ctx, "c1", "a1", t0)
	if err != nil || rec.AttemptCount != 3 {
		t.Fatalf("claim: rec=%+v err=%v", rec, err)
	}
	call, err := f.calls.StartCall(ctx, StartRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: "r1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ended, err := f.calls.EndCall(ctx, call.ID, OutcomeNoAnswer, 0)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.State != StateEnded || ended.Outcome != OutcomeNoAnswer || ended.DurationSeconds != 0 {
		t.Fatalf("unexpected call: %+v", ended)
	}

	got, _ := f.store.GetRecord(ctx, "r1")
	if got.AttemptCount != 3 || got.InFlight {
		t.Fatalf("unexpected record: %+v", got)
	}
	if _, err := f.store.ClaimNext(ctx, "c1", "a1", t0.Add(48*time.Hour)); !errors.Is(err, campaigns.ErrNoEligible) {
		t.Fatalf("exhausted record must never be selected, got %v", err)
	}
	a, _ := f.agents.Get(ctx, "a1")
	if a.Status != agents.StatusAvailable || a.ActiveCalls != 0 {
		t.Fatalf("agent must be available again: %+v", a)
	}
}

func TestEndCall_ReleasesWithCampaignBackoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.InsertRecord(ctx, campaigns.Record{ID: "r2", CampaignID: "c1", ListID: "l1", ContactID: "ct1", Priority: 1, MaxAttempts: 3, NextEligibleAt: t0.Add(-time.Hour)})

	rec, _ := f.store.ClaimNext(ctx, "c1", "a1", t0)
	call, err := f.calls.StartCall(ctx, StartRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: rec.ID})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.calls.EndCall(ctx, call.ID, OutcomeBusy, 0); err != nil {
		t.Fatalf("end: %v", err)
	}
	got, _ := f.store.GetRecord(ctx, rec.ID)
	if !got.NextEligibleAt.Equal(t0.Add(10*time.Minute)) || got.InFlight {
		t.Fatalf("expected release with 10m backoff, got %+v", got)
	}
}

func TestEndCall_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.calls.StartCall(ctx, StartRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	first, err := f.calls.EndCall(ctx, call.ID, OutcomeFailed, 0)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	second, err := f.calls.EndCall(ctx, call.ID, OutcomeCompleted, 30)
	if err != nil {
		t.Fatalf("second end: %v", err)
	}
	if second.Outcome != first.Outcome || !second.EndedAt.Equal(*first.EndedAt) {
		t.Fatalf("second end changed the call: %+v", second)
	}
	if n := f.events.count(events.TypeCallEnded); n != 1 {
		t.Fatalf("expected one call.ended event, got %d", n)
	}
	if _, err := f.calls.EndCall(ctx, call.ID, Outcome("hung"), 0); apperr.KindOf(err) != apperr.KindValidationFailed {
		t.Fatalf("expected validation_failed, got %v", err)
	}
}

func TestStartCall_ProvisionsPlaceholders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.calls.StartCall(ctx, StartRequest{ContactRef: "+15559999"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if call.CampaignID != campaigns.ManualDialCampaignID || call.AgentID != campaigns.UnassignedAgentID {
		t.Fatalf("expected manual-dial placeholders, got %+v", call)
	}
	c, err := f.store.GetCampaign(ctx, campaigns.ManualDialCampaignID)
	if err != nil || !c.Placeholder || c.Active {
		t.Fatalf("placeholder campaign missing or active: %+v err=%v", c, err)
	}
	if _, err := f.store.GetContact(ctx, "+15559999"); err != nil {
		t.Fatalf("placeholder contact missing: %v", err)
	}
	if !f.store.HasAgentRow(campaigns.UnassignedAgentID) {
		t.Fatalf("placeholder agent missing")
	}

	// Unknown campaign falls back to manual-dial too; a second start reuses the rows.
	again, err := f.calls.StartCall(ctx, StartRequest{CampaignID: "gone", ContactRef: "+15559999"})
	if err != nil || again.CampaignID != campaigns.ManualDialCampaignID {
		t.Fatalf("expected manual-dial fallback, call=%+v err=%v", again, err)
	}

	if _, err := f.calls.StartCall(ctx, StartRequest{CampaignID: "c1"}); apperr.KindOf(err) != apperr.KindValidationFailed {
		t.Fatalf("expected validation_failed without contact, got %v", err)
	}
}

func TestStartCall_UnavailableAgent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.agents.SetStatus(ctx, "a1", agents.StatusBreak, "")
	if _, err := f.calls.StartCall(ctx, StartRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1"}); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("expected not_eligible, got %v", err)
	}
}

func TestRingTimeout_ForceEndsAsNoAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.calls.StartCall(ctx, StartRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.calls.Ring(ctx, call.ID, "CA123"); err != nil {
		t.Fatalf("ring: %v", err)
	}
	f.clock.fire()

	got, _ := f.calls.Get(ctx, call.ID)
	if got.State != StateEnded || got.Outcome != OutcomeNoAnswer {
		t.Fatalf("expected no_answer end, got %+v", got)
	}
	if f.calls.PendingTimeouts() != 0 {
		t.Fatalf("expected no pending timeouts")
	}
	if ok, _ := f.agents.IsAvailable(ctx, "a1"); !ok {
		t.Fatalf("agent must be available after timeout")
	}
	byProvider, err := f.calls.GetByProviderID(ctx, "CA123")
	if err != nil || byProvider.ID != call.ID {
		t.Fatalf("lookup by provider id: %+v err=%v", byProvider, err)
	}
}

func TestConnect_BindsRoutedAgentAndCancelsTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	call, err := f.calls.StartCall(ctx, StartRequest{CampaignID: "c1", ContactRef: "ct1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if n, _ := f.calls.CountRinging(ctx, "c1"); n != 1 {
		t.Fatalf("expected 1 ringing, got %d", n)
	}

	got, err := f.calls.Connect(ctx, call.ID, "a1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if got.AgentID != "a1" || got.State != StateConnected || got.ConnectedAt == nil {
		t.Fatalf("unexpected call: %+v", got)
	}
	f.clock.fire()
	if got, _ = f.calls.Get(ctx, call.ID); got.State != StateConnected {
		t.Fatalf("connected call must not time out: %+v", got)
	}
	if n, _ := f.calls.CountActive(ctx, "c1"); n != 1 {
		t.Fatalf("expected 1 active, got %d", n)
	}
	if _, err := f.calls.Connect(ctx, call.ID, "a1"); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("double connect must be not_eligible, got %v", err)
	}
}
