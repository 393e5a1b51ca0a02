package pacing

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Tunables are the pacing constants. Zero values fall back to defaults.
type Tunables struct {
	// MinSample is the number of ended calls needed before the answer rate is trusted.
	MinSample int `yaml:"min_sample"`
	// AnswerRateFloor (epsilon) bounds the ratio when almost nobody answers.
	AnswerRateFloor float64 `yaml:"answer_rate_floor"`
	// RatioUpperBound is multiplied by the campaign pacing multiplier to cap the ratio.
	RatioUpperBound float64 `yaml:"ratio_upper_bound"`
	// DefaultAbandonThreshold applies when a campaign has no ceiling of its own.
	DefaultAbandonThreshold float64 `yaml:"default_abandon_threshold"`
}

func (t Tunables) withDefaults() Tunables {
	out := t
	if out.MinSample <= 0 {
		out.MinSample = 20
	}
	if out.AnswerRateFloor <= 0 || out.AnswerRateFloor > 1 {
		out.AnswerRateFloor = 0.05
	}
	if out.RatioUpperBound < 1 {
		out.RatioUpperBound = 3.0
	}
	if out.DefaultAbandonThreshold <= 0 || out.DefaultAbandonThreshold >= 1 {
		out.DefaultAbandonThreshold = 0.03
	}
	return out
}

// Input is everything the calculator looks at. It is a plain value so the
// decision is reproducible from a log line.
type Input struct {
	CampaignID      string
	AvailableAgents int
	Ringing         int
	QueueDepth      int

	PacingMultiplier float64
	AbandonThreshold float64

	Sample              int
	AnswerRate          float64
	ObservedAbandonRate float64
}

type Prediction struct {
	Answers     float64 `json:"answers"`
	AbandonRate float64 `json:"abandon_rate"`
}

type Decision struct {
	CampaignID   string     `json:"campaign_id"`
	ShouldDial   bool       `json:"should_dial"`
	DialRatio    float64    `json:"dial_ratio"`
	CallsToPlace int        `json:"calls_to_place"`
	Reasoning    string     `json:"reasoning"`
	Predicted    Prediction `json:"predicted_outcome"`
	// CeilingBreached is set when the observed abandon rate is over the ceiling.
	CeilingBreached bool      `json:"ceiling_breached"`
	ComputedAt      time.Time `json:"computed_at"`
}

// Calculator turns an Input into a Decision. It holds no state.
type Calculator struct {
	t Tunables
}

func NewCalculator(t Tunables) Calculator { return Calculator{t: t.withDefaults()} }

func (c Calculator) Tunables() Tunables { return c.t }

// Ratio is the dials-per-agent ratio for the given statistics.
func (c Calculator) Ratio(in Input) float64 {
	if in.Sample < c.t.MinSample {
		return 1.0
	}
	mult := in.PacingMultiplier
	if mult <= 0 {
		mult = 1
	}
	upper := math.Max(1.0, mult*c.t.RatioUpperBound)
	ratio := 1 / math.Max(in.AnswerRate, c.t.AnswerRateFloor)
	return math.Min(math.Max(ratio, 1.0), upper)
}

// answerProbability is the per-dial answer estimate used for predictions.
// Without a trusted sample every dial is assumed to be answered.
func (c Calculator) answerProbability(in Input) float64 {
	if in.Sample < c.t.MinSample {
		return 1.0
	}
	return math.Min(1.0, math.Max(in.AnswerRate, c.t.AnswerRateFloor))
}

// predictAbandon estimates the abandon rate of a burst of n dials as
// answers / (answers + queue depth).
func (c Calculator) predictAbandon(n int, p float64, depth int) Prediction {
	answers := float64(n) * p
	if answers <= 0 {
		return Prediction{}
	}
	return Prediction{Answers: answers, AbandonRate: answers / (answers + float64(depth))}
}

// Decide never recommends a burst whose predicted abandon rate exceeds the
// campaign ceiling.
func (c Calculator) Decide(in Input, now time.Time) Decision {
	threshold := in.AbandonThreshold
	if threshold <= 0 || threshold >= 1 {
		threshold = c.t.DefaultAbandonThreshold
	}
	agents := max(in.AvailableAgents, 0)
	ringing := max(in.Ringing, 0)
	depth := max(in.QueueDepth, 0)

	var why []string
	d := Decision{CampaignID: in.CampaignID, ComputedAt: now.UTC()}

	d.DialRatio = c.Ratio(in)
	if in.Sample < c.t.MinSample {
		why = append(why, fmt.Sprintf("sample %d below minimum %d, ratio 1.0", in.Sample, c.t.MinSample))
	} else {
		why = append(why, fmt.Sprintf("answer rate %.3f over %d calls, ratio %.2f", in.AnswerRate, in.Sample, d.DialRatio))
	}
	if in.Sample >= c.t.MinSample && in.ObservedAbandonRate > threshold {
		d.CeilingBreached = true
		d.DialRatio = 1.0
		why = append(why, fmt.Sprintf("observed abandon rate %.3f over ceiling %.3f, ratio forced to 1.0", in.ObservedAbandonRate, threshold))
	}

	n := int(math.Floor(float64(agents)*d.DialRatio)) - ringing
	if n < 0 {
		n = 0
	}
	if n > depth {
		why = append(why, fmt.Sprintf("capped at queue depth %d", depth))
		n = depth
	}

	p := c.answerProbability(in)
	pred := c.predictAbandon(n, p, depth)
	reduced := 0
	for n > 0 && pred.AbandonRate > threshold {
		n--
		reduced++
		pred = c.predictAbandon(n, p, depth)
	}
	if reduced > 0 {
		why = append(why, fmt.Sprintf("reduced by %d to keep predicted abandon rate under %.3f", reduced, threshold))
	}

	d.CallsToPlace = n
	d.Predicted = pred
	d.ShouldDial = n > 0 && agents > 0
	switch {
	case agents == 0:
		why = append(why, "no available agents")
	case depth == 0:
		why = append(why, "queue is empty")
	case !d.ShouldDial:
		why = append(why, fmt.Sprintf("no calls to place with %d ringing", ringing))
	}
	d.Reasoning = strings.Join(why, "; ")
	return d
}
