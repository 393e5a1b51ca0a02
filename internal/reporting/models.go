package reporting

import (
	"time"

	"contact-center/internal/calls"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Window bounds the rolling statistics: the last Duration, at most MaxCalls calls.
type Window struct {
	Duration time.Duration
	MaxCalls int
}

// CampaignStats are rolling dial statistics for one campaign.
//
// Answered counts calls a person picked up (completed or abandoned).
// AbandonRate is abandoned / answered.
type CampaignStats struct {
	CampaignID  string    `json:"campaign_id"`
	WindowStart time.Time `json:"window_start"`
	ComputedAt  time.Time `json:"computed_at"`

	Sample    int `json:"sample"`
	Answered  int `json:"answered"`
	Abandoned int `json:"abandoned"`

	AnswerRate         float64 `json:"answer_rate"`
	AbandonRate        float64 `json:"abandon_rate"`
	AverageTalkSeconds int     `json:"average_talk_seconds"`

	Outcomes map[calls.Outcome]int `json:"outcomes"`
}

// CallsSummaryRequest requests aggregated call metrics for a campaign over a range.
type CallsSummaryRequest struct {
	CampaignID string    `json:"campaign_id"`
	Range      TimeRange `json:"range"`
}

type CallsSummary struct {
	CampaignID string `json:"campaign_id"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	NoAnswerCalls   int `json:"no_answer_calls"`
	BusyCalls       int `json:"busy_calls"`
	AbandonedCalls  int `json:"abandoned_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// Dispositions counts applied disposition codes.
	Dispositions   map[string]int `json:"dispositions"`
	Conversions    int            `json:"conversions"`
	ConversionRate float64        `json:"conversion_rate"`
}
