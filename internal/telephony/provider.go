package telephony

import (
	"context"
	"time"
)

// Dialer places outbound calls. It is a black box to the engine: PlaceCall
// returns once the provider accepted the call, and progress arrives later
// through CallEventHandler.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Request/response types stay provider-agnostic.
type Dialer interface {
	Name() string
	HealthCheck(ctx context.Context) error

	PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error)
	Hangup(ctx context.Context, providerCallID string) error
}

type PlaceCallRequest struct {
	// CallID is the internal call record id; adapters echo it back in callbacks.
	CallID     string `json:"call_id"`
	CampaignID string `json:"campaign_id"`

	// To is E.164 where possible.
	To string `json:"to"`
	// CallerID overrides the adapter's default presented number.
	CallerID string `json:"caller_id,omitempty"`

	// RingTimeout bounds how long the provider rings before giving up.
	RingTimeout time.Duration `json:"ring_timeout"`
}

type PlaceCallResult struct {
	ProviderCallID string `json:"provider_call_id"`
}

// CallStatus is the provider-agnostic progress of an outbound call.
type CallStatus string

const (
	CallStatusQueued    CallStatus = "queued"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusBusy      CallStatus = "busy"
	CallStatusNoAnswer  CallStatus = "no_answer"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCanceled  CallStatus = "canceled"
)

// Final reports whether no further callbacks follow s.
func (s CallStatus) Final() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	}
	return false
}

// StatusEvent is a call progress notification received from a provider.
type StatusEvent struct {
	CallID         string     `json:"call_id"`
	ProviderCallID string     `json:"provider_call_id"`
	Status         CallStatus `json:"status"`
	// DurationSeconds is the provider-reported call duration on final events.
	DurationSeconds int       `json:"duration_seconds,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`

	// RawPayload is optional for debugging; stored as JSON.
	RawPayload string `json:"raw_payload,omitempty"`
}

// AnswerResult tells the adapter what to do with an answered call.
type AnswerResult struct {
	CallID string       `json:"call_id"`
	Action AnswerAction `json:"action"`
	// ConnectTo is used when Action == "connect": a sip: URI or a number.
	ConnectTo string `json:"connect_to,omitempty"`
}

type AnswerAction string

const (
	AnswerActionConnect AnswerAction = "connect"
	AnswerActionHangup  AnswerAction = "hangup"
)

// CallEventHandler is implemented by the dialer service. Webhook handlers
// convert provider payloads and delegate here; they hold no business logic.
type CallEventHandler interface {
	OnAnswered(ctx context.Context, ev StatusEvent) (AnswerResult, error)
	OnStatus(ctx context.Context, ev StatusEvent) error
}
