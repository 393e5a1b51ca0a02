package dialer

import (
	"context"

	"contact-center/internal/apperr"
	"contact-center/internal/calls"
	"contact-center/internal/routing"
	"contact-center/internal/telephony"
)

func (s *Service) lookup(ctx context.Context, ev telephony.StatusEvent) (calls.CallRecord, error) {
	if ev.CallID != "" {
		return s.d.Calls.Get(ctx, ev.CallID)
	}
	return s.d.Calls.GetByProviderID(ctx, ev.ProviderCallID)
}

// OnAnswered connects an answered call to its agent. A predictive call with
// no agent to take it is ended as abandoned and hung up.
func (s *Service) OnAnswered(ctx context.Context, ev telephony.StatusEvent) (telephony.AnswerResult, error) {
	rec, err := s.lookup(ctx, ev)
	if err != nil {
		return telephony.AnswerResult{}, err
	}
	hangup := telephony.AnswerResult{CallID: rec.ID, Action: telephony.AnswerActionHangup}
	if !rec.State.Open() || rec.State == calls.StateConnected {
		return hangup, nil
	}

	d, err := s.route(ctx, rec)
	if err != nil {
		return hangup, err
	}
	if d.Action != routing.ActionConnect {
		if _, err := s.d.Calls.EndCall(ctx, rec.ID, calls.OutcomeAbandoned, 0); err != nil {
			return hangup, err
		}
		s.log.WarnContext(ctx, "call abandoned", "call_id", rec.ID, "campaign_id", rec.CampaignID, "reason", d.Reason)
		return hangup, nil
	}
	return telephony.AnswerResult{CallID: rec.ID, Action: telephony.AnswerActionConnect, ConnectTo: d.ConnectTo}, nil
}

// route binds the call to an agent through calls.Connect.
func (s *Service) route(ctx context.Context, rec calls.CallRecord) (routing.Decision, error) {
	in := routing.RouteInput{CampaignID: rec.CampaignID, CallID: rec.ID, AgentID: rec.AgentID}
	d, err := s.d.Router.Route(ctx, in, func(ctx context.Context, agentID string) error {
		_, err := s.d.Calls.Connect(ctx, rec.ID, agentID)
		return err
	})
	if err != nil {
		return d, err
	}
	if d.Reason == routing.ReasonAssigned {
		if _, err := s.d.Calls.Connect(ctx, rec.ID, ""); err != nil {
			return routing.Decision{}, err
		}
	}
	return d, nil
}

// OnStatus applies provider progress to the call lifecycle. Callbacks for
// unknown or already-ended calls are ignored.
func (s *Service) OnStatus(ctx context.Context, ev telephony.StatusEvent) error {
	rec, err := s.lookup(ctx, ev)
	if apperr.KindOf(err) == apperr.KindNotFound {
		s.log.WarnContext(ctx, "status for unknown call", "call_id", ev.CallID, "provider_call_id", ev.ProviderCallID)
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.State.Open() {
		return nil
	}

	var outcome calls.Outcome
	switch ev.Status {
	case telephony.CallStatusQueued, telephony.CallStatusAnswered:
		return nil
	case telephony.CallStatusRinging:
		_, err := s.d.Calls.Ring(ctx, rec.ID, ev.ProviderCallID)
		if apperr.KindOf(err) == apperr.KindNotEligible {
			return nil
		}
		return err
	case telephony.CallStatusCompleted:
		outcome = calls.OutcomeNoAnswer
		if rec.State == calls.StateConnected {
			outcome = calls.OutcomeCompleted
		}
	case telephony.CallStatusBusy:
		outcome = calls.OutcomeBusy
	case telephony.CallStatusNoAnswer:
		outcome = calls.OutcomeNoAnswer
	default:
		outcome = calls.OutcomeFailed
	}
	_, err = s.d.Calls.EndCall(ctx, rec.ID, outcome, ev.DurationSeconds)
	return err
}

// AnswerCall is the manual answer path for adapters that report nothing back
// (the SIP dialer): it routes the call as if the provider had answered it.
func (s *Service) AnswerCall(ctx context.Context, callID string) (calls.CallRecord, error) {
	rec, err := s.d.Calls.Get(ctx, callID)
	if err != nil {
		return rec, err
	}
	if !rec.State.Open() || rec.State == calls.StateConnected {
		return rec, apperr.NotEligible("dialer.AnswerCall", "call is "+string(rec.State))
	}
	if _, err := s.OnAnswered(ctx, telephony.StatusEvent{CallID: callID, Status: telephony.CallStatusAnswered}); err != nil {
		return calls.CallRecord{}, err
	}
	return s.d.Calls.Get(ctx, callID)
}

var _ telephony.CallEventHandler = (*Service)(nil)
