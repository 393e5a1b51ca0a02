package dialer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/calls"
	"contact-center/internal/campaigns"
	"contact-center/internal/dispositions"
	"contact-center/internal/pacing"
	"contact-center/internal/reporting"
	"contact-center/internal/routing"
	"contact-center/internal/telephony"
	"contact-center/internal/timers"
)

type phone struct {
	fail   error
	placed []telephony.PlaceCallRequest
	hungup []string
}

func (p *phone) Name() string                          { return "fake" }
func (p *phone) HealthCheck(ctx context.Context) error { return nil }
func (p *phone) Hangup(ctx context.Context, id string) error {
	p.hungup = append(p.hungup, id)
	return nil
}
func (p *phone) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (telephony.PlaceCallResult, error) {
	if p.fail != nil {
		return telephony.PlaceCallResult{}, p.fail
	}
	p.placed = append(p.placed, req)
	return telephony.PlaceCallResult{ProviderCallID: fmt.Sprintf("PC%d", len(p.placed))}, nil
}

type never struct{}

func (never) Stop() bool { return true }

type fixture struct {
	svc    *Service
	store  *campaigns.MemoryRepo
	agents *agents.Manager
	calls  *calls.Manager
	phone  *phone
}

func newFixture(t *testing.T, mode campaigns.DialingMode) *fixture {
	t.Helper()
	ctx := context.Background()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	past := time.Now().Add(-time.Hour)

	store := campaigns.NewMemoryRepo()
	_ = store.SaveCampaign(ctx, campaigns.Campaign{ID: "c1", Name: "c1", DialingMode: mode, Active: true, MaxAttempts: 3, PacingMultiplier: 1, AbandonRateThreshold: 0.03, RetryBackoff: 10 * time.Minute})
	_ = store.SaveList(ctx, campaigns.ContactList{ID: "l1", CampaignID: "c1", Active: true})
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("ct%d", i)
		_ = store.SaveContact(ctx, campaigns.Contact{ID: id, ListID: "l1", Phone: fmt.Sprintf("+1555000000%d", i)})
		_ = store.InsertRecord(ctx, campaigns.Record{ID: fmt.Sprintf("r%d", i), CampaignID: "c1", ListID: "l1", ContactID: id, Priority: 100 + i, AttemptCount: 2, MaxAttempts: 3, NextEligibleAt: past})
	}

	am := agents.NewManager(agents.NewMemoryRepo(), store, nil, log)
	callRepo := calls.NewMemoryRepo(store)
	sched := timers.NewScheduler(func(d time.Duration, f func()) timers.Handle { return never{} })
	cm := calls.NewManager(callRepo, store, am, sched, nil, log, calls.Config{})
	stats := reporting.NewService(callRepo, reporting.Window{})
	ps := pacing.NewService(pacing.NewCalculator(pacing.Tunables{}), store, am, cm, store, stats, log)
	am.Monitor().WithRatioSource(ps)

	ph := &phone{}
	svc := New(Deps{
		Agents:       am,
		Selector:     campaigns.NewSelector(store, am, nil, log),
		Records:      store,
		Calls:        cm,
		Dispositions: dispositions.NewService(nil, callRepo, store, nil, log, dispositions.Config{}),
		Pacing:       ps,
		Router:       routing.NewEngine(am, nil, "sip:%s@pbx.test", log),
		Phone:        ph,
	}, Config{RingTimeout: 20 * time.Second}, log)
	return &fixture{svc: svc, store: store, agents: am, calls: cm, phone: ph}
}

func TestAgentFlow_LastAttemptNoAnswerExhaustsRecord(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()

	snap, err := f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	if err != nil || snap.AvailableAgents != 1 || snap.QueueDepth != 3 {
		t.Fatalf("unexpected snapshot %+v err=%v", snap, err)
	}

	next, err := f.svc.RequestNextCall(ctx, "a1", "c1")
	if err != nil || next.Status != NextCallAssigned || next.Record.ID != "r1" || next.Contact.Phone != "+15550000001" {
		t.Fatalf("unexpected next call %+v err=%v", next, err)
	}
	call, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: "r1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if call.State != calls.StateRinging || call.ProviderCallID != "PC1" || f.phone.placed[0].To != "+15550000001" {
		t.Fatalf("unexpected call %+v placed=%+v", call, f.phone.placed)
	}

	ended, err := f.svc.EndCall(ctx, call.ID, calls.OutcomeNoAnswer, 0)
	if err != nil || ended.Outcome != calls.OutcomeNoAnswer {
		t.Fatalf("end: %+v err=%v", ended, err)
	}
	if len(f.phone.hungup) != 1 || f.phone.hungup[0] != "PC1" {
		t.Fatalf("expected provider hangup, got %v", f.phone.hungup)
	}
	rec, _ := f.store.GetRecord(ctx, "r1")
	if rec.AttemptCount != 3 || rec.InFlight {
		t.Fatalf("unexpected record %+v", rec)
	}

	// r1 is exhausted; the next request moves on to r2.
	next, err = f.svc.RequestNextCall(ctx, "a1", "c1")
	if err != nil || next.Record == nil || next.Record.ID != "r2" {
		t.Fatalf("expected r2, got %+v err=%v", next, err)
	}
}

func TestRequestNextCall_EmptyPoolIsNotAnError(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	for i, agentID := range []string{"a1", "a2", "a3"} {
		_, _ = f.svc.SetAgentStatus(ctx, agentID, agents.StatusAvailable, "c1")
		next, err := f.svc.RequestNextCall(ctx, agentID, "c1")
		if err != nil || next.Record == nil || next.Record.ID != fmt.Sprintf("r%d", i+1) {
			t.Fatalf("%s: unexpected next call %+v err=%v", agentID, next, err)
		}
	}

	_, _ = f.svc.SetAgentStatus(ctx, "a4", agents.StatusAvailable, "c1")
	next, err := f.svc.RequestNextCall(ctx, "a4", "c1")
	if err != nil || next.Status != NextCallUnavailable || next.Record != nil {
		t.Fatalf("expected no_calls_available, got %+v err=%v", next, err)
	}

	_, _ = f.svc.SetAgentStatus(ctx, "a5", agents.StatusBreak, "c1")
	if _, err := f.svc.RequestNextCall(ctx, "a5", "c1"); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("agent on break must be not_eligible, got %v", err)
	}
}

func TestRequestNextCall_RepeatDoesNotHoardRecords(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")

	for i := 0; i < 5; i++ {
		next, err := f.svc.RequestNextCall(ctx, "a1", "c1")
		if err != nil || next.Record == nil || next.Record.ID != "r1" {
			t.Fatalf("request %d: expected the held r1, got %+v err=%v", i, next, err)
		}
	}
	if rec, _ := f.store.GetRecord(ctx, "r1"); rec.AttemptCount != 3 {
		t.Fatalf("repeat requests must not spend attempts: %+v", rec)
	}
	snap, _ := f.svc.GetQueueStatus(ctx, "c1")
	if snap.QueueDepth != 2 {
		t.Fatalf("expected r2 and r3 still queued, got %+v", snap)
	}
}

func TestStartCall_CallCreationFailureReleasesClaim(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	if next, err := f.svc.RequestNextCall(ctx, "a1", "c1"); err != nil || next.Record.ID != "r1" {
		t.Fatalf("next call: %+v err=%v", next, err)
	}

	// The agent slot is gone by the time the call is started.
	if _, err := f.agents.SetStatus(ctx, "a1", agents.StatusAway, "c1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: "r1"}); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("expected not_eligible, got %v", err)
	}
	rec, _ := f.store.GetRecord(ctx, "r1")
	if rec.InFlight || rec.Dialing || rec.AttemptCount != 2 {
		t.Fatalf("claim must be handed back with its attempt: %+v", rec)
	}
	if len(f.phone.placed) != 0 {
		t.Fatalf("nothing may be dialled, got %+v", f.phone.placed)
	}

	_, _ = f.svc.SetAgentStatus(ctx, "a2", agents.StatusAvailable, "c1")
	if next, err := f.svc.RequestNextCall(ctx, "a2", "c1"); err != nil || next.Record == nil || next.Record.ID != "r1" {
		t.Fatalf("released record must be selectable again, got %+v err=%v", next, err)
	}
}

func TestStartCall_RecordMustBeOwnUndialledClaim(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	_, _ = f.svc.SetAgentStatus(ctx, "a2", agents.StatusAvailable, "c1")
	_, _ = f.svc.RequestNextCall(ctx, "a1", "c1")

	if _, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a2", CampaignID: "c1", ContactRef: "ct1", RecordID: "r1"}); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("another agent's claim: expected not_eligible, got %v", err)
	}
	if _, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a2", CampaignID: "c1", ContactRef: "ct2", RecordID: "r2"}); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("unclaimed record: expected not_eligible, got %v", err)
	}
	if _, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: "missing"}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("unknown record: expected not_found, got %v", err)
	}
	if len(f.phone.placed) != 0 {
		t.Fatalf("nothing may be dialled, got %+v", f.phone.placed)
	}
	if a, _ := f.agents.Get(ctx, "a2"); a.Status != agents.StatusAvailable || a.ActiveCalls != 0 {
		t.Fatalf("refused starts must not take the agent slot: %+v", a)
	}
}

func TestSetAgentStatus_LeavingAvailableReleasesClaims(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	_, _ = f.svc.RequestNextCall(ctx, "a1", "c1")

	snap, err := f.svc.SetAgentStatus(ctx, "a1", agents.StatusBreak, "c1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.QueueDepth != 3 {
		t.Fatalf("snapshot must count the released record, got %+v", snap)
	}
	rec, _ := f.store.GetRecord(ctx, "r1")
	if rec.InFlight || rec.ClaimedBy != "" || rec.AttemptCount != 2 {
		t.Fatalf("claim must be handed back: %+v", rec)
	}
}

func TestSetAgentStatus_KeepsClaimOfPlacedCall(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	_, _ = f.svc.RequestNextCall(ctx, "a1", "c1")
	if _, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct1", RecordID: "r1"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := f.svc.SetAgentStatus(ctx, "a1", agents.StatusBreak, "c1"); apperr.KindOf(err) != apperr.KindCallInProgress {
		t.Fatalf("expected call_in_progress, got %v", err)
	}
	if rec, _ := f.store.GetRecord(ctx, "r1"); !rec.InFlight || !rec.Dialing {
		t.Fatalf("record of a live call must stay in flight: %+v", rec)
	}
}

func TestPredictiveAnswer_RoutesThenAbandons(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePredictive)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")

	sel := campaigns.NewSelector(f.store, nil, nil, nil)
	for i := 0; i < 2; i++ {
		rec, ok, err := sel.SelectNext(ctx, "c1", "")
		if err != nil || !ok {
			t.Fatalf("burst select: ok=%v err=%v", ok, err)
		}
		if err := f.svc.DialRecord(ctx, rec); err != nil {
			t.Fatalf("dial: %v", err)
		}
	}
	ringing, _ := f.calls.CountRinging(ctx, "c1")
	if ringing != 2 {
		t.Fatalf("expected 2 ringing calls, got %d", ringing)
	}

	res, err := f.svc.OnAnswered(ctx, telephony.StatusEvent{ProviderCallID: "PC1", Status: telephony.CallStatusAnswered})
	if err != nil || res.Action != telephony.AnswerActionConnect || res.ConnectTo != "sip:a1@pbx.test" {
		t.Fatalf("expected connect to a1, got %+v err=%v", res, err)
	}
	a, _ := f.agents.Get(ctx, "a1")
	if a.Status != agents.StatusOnCall {
		t.Fatalf("routed agent must be on call: %+v", a)
	}

	res, err = f.svc.OnAnswered(ctx, telephony.StatusEvent{ProviderCallID: "PC2", Status: telephony.CallStatusAnswered})
	if err != nil || res.Action != telephony.AnswerActionHangup {
		t.Fatalf("expected hangup with no agent left, got %+v err=%v", res, err)
	}
	abandoned, _ := f.calls.GetByProviderID(ctx, "PC2")
	if abandoned.State != calls.StateEnded || abandoned.Outcome != calls.OutcomeAbandoned {
		t.Fatalf("expected abandoned call, got %+v", abandoned)
	}

	// The provider's completed callback for the connected call ends it as completed.
	if err := f.svc.OnStatus(ctx, telephony.StatusEvent{ProviderCallID: "PC1", Status: telephony.CallStatusCompleted, DurationSeconds: 42}); err != nil {
		t.Fatalf("status: %v", err)
	}
	done, _ := f.calls.GetByProviderID(ctx, "PC1")
	if done.Outcome != calls.OutcomeCompleted || done.DurationSeconds != 42 || done.AgentID != "a1" {
		t.Fatalf("unexpected completed call %+v", done)
	}
	if a, _ := f.agents.Get(ctx, "a1"); a.Status != agents.StatusAvailable {
		t.Fatalf("agent must be available after the call: %+v", a)
	}
}

func TestStartCall_ProviderFailureEndsCallAsFailed(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	f.phone.fail = errors.New("trunk down")

	call, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", ContactRef: "+15559990000"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if call.State != calls.StateEnded || call.Outcome != calls.OutcomeFailed || call.CampaignID != campaigns.ManualDialCampaignID {
		t.Fatalf("expected failed manual-dial call, got %+v", call)
	}
	if a, _ := f.agents.Get(ctx, "a1"); a.Status != agents.StatusAvailable || a.ActiveCalls != 0 {
		t.Fatalf("agent must be freed: %+v", a)
	}
}

func TestOnStatus_BusyAndUnknownCalls(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePower)
	ctx := context.Background()
	_, _ = f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1")
	call, err := f.svc.StartCall(ctx, StartCallRequest{AgentID: "a1", CampaignID: "c1", ContactRef: "ct2"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.svc.OnStatus(ctx, telephony.StatusEvent{CallID: call.ID, Status: telephony.CallStatusBusy}); err != nil {
		t.Fatalf("busy: %v", err)
	}
	got, _ := f.calls.Get(ctx, call.ID)
	if got.Outcome != calls.OutcomeBusy {
		t.Fatalf("expected busy, got %+v", got)
	}
	if err := f.svc.OnStatus(ctx, telephony.StatusEvent{CallID: "missing", Status: telephony.CallStatusCompleted}); err != nil {
		t.Fatalf("unknown calls are ignored, got %v", err)
	}
	if _, err := f.svc.AnswerCall(ctx, call.ID); apperr.KindOf(err) != apperr.KindNotEligible {
		t.Fatalf("answering an ended call must be not_eligible, got %v", err)
	}
}

func TestGetPredictiveDecision_EmptyQueueNeverDials(t *testing.T) {
	f := newFixture(t, campaigns.DialingModePredictive)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		_ = f.store.MarkTerminal(ctx, id, campaigns.TerminalReasonDisposition)
	}
	if _, err := f.svc.SetAgentStatus(ctx, "a1", agents.StatusAvailable, "c1"); err != nil {
		t.Fatalf("status: %v", err)
	}
	d, err := f.svc.GetPredictiveDecision(ctx, "c1")
	if err != nil || d.ShouldDial {
		t.Fatalf("expected shouldDial=false with an empty queue, got %+v err=%v", d, err)
	}
	snap, err := f.svc.GetQueueStatus(ctx, "c1")
	if err != nil || snap.IsDiallingActive || snap.QueueDepth != 0 {
		t.Fatalf("unexpected snapshot %+v err=%v", snap, err)
	}
	if _, err := f.svc.GetQueueStatus(ctx, "nope"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}
