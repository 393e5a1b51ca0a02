package reporting

import (
	"context"
	"errors"
	"time"

	"contact-center/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// CallLister is the read side of the call store. Implementations return the
// newest calls first.
type CallLister interface {
	ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit int) ([]calls.CallRecord, error)
}

type Service struct {
	calls  CallLister
	window Window
	// ConversionCode is the disposition counted as a conversion.
	ConversionCode string
	clock          func() time.Time
}

func NewService(repo CallLister, window Window) *Service {
	if window.Duration <= 0 {
		window.Duration = 15 * time.Minute
	}
	if window.MaxCalls <= 0 {
		window.MaxCalls = 200
	}
	return &Service{calls: repo, window: window, ConversionCode: "sale", clock: time.Now}
}

// CampaignStats computes rolling statistics over ended calls in the window.
// Calls still on the line are not part of the sample.
func (s *Service) CampaignStats(ctx context.Context, campaignID string) (CampaignStats, error) {
	if campaignID == "" {
		return CampaignStats{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CampaignStats{}, errors.New("reporting: repository not configured")
	}
	now := s.clock().UTC()
	since := now.Add(-s.window.Duration)
	rows, err := s.calls.ListByCampaign(ctx, campaignID, since, s.window.MaxCalls)
	if err != nil {
		return CampaignStats{}, err
	}

	out := CampaignStats{CampaignID: campaignID, WindowStart: since, ComputedAt: now, Outcomes: map[calls.Outcome]int{}}
	talk, talked := 0, 0
	for _, c := range rows {
		if c.State != calls.StateEnded {
			continue
		}
		out.Sample++
		out.Outcomes[c.Outcome]++
		switch c.Outcome {
		case calls.OutcomeCompleted:
			out.Answered++
		case calls.OutcomeAbandoned:
			out.Answered++
			out.Abandoned++
		}
		if c.ConnectedAt != nil && c.DurationSeconds > 0 {
			talk += c.DurationSeconds
			talked++
		}
	}
	if out.Sample > 0 {
		out.AnswerRate = float64(out.Answered) / float64(out.Sample)
	}
	if out.Answered > 0 {
		out.AbandonRate = float64(out.Abandoned) / float64(out.Answered)
	}
	if talked > 0 {
		out.AverageTalkSeconds = talk / talked
	}
	return out, nil
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.CampaignID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.calls == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.calls.ListByCampaign(ctx, req.CampaignID, req.Range.From, 0)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{CampaignID: req.CampaignID, Dispositions: map[string]int{}}
	for _, c := range rows {
		if !c.StartedAt.Before(req.Range.To) {
			continue
		}
		out.TotalCalls++
		out.TotalDurationSeconds += c.DurationSeconds
		if c.Disposition != "" {
			out.Dispositions[c.Disposition]++
			if c.Disposition == s.ConversionCode {
				out.Conversions++
			}
		}
		if c.State.Open() {
			out.InProgressCalls++
			continue
		}
		switch c.Outcome {
		case calls.OutcomeCompleted:
			out.CompletedCalls++
		case calls.OutcomeFailed:
			out.FailedCalls++
		case calls.OutcomeNoAnswer:
			out.NoAnswerCalls++
		case calls.OutcomeBusy:
			out.BusyCalls++
		case calls.OutcomeAbandoned:
			out.AbandonedCalls++
		}
	}
	if out.TotalCalls > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / out.TotalCalls
		out.ConversionRate = float64(out.Conversions) / float64(out.TotalCalls)
	}
	return out, nil
}
