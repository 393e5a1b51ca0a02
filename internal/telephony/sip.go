package telephony

import (
	"context"
	"errors"
)

// SIPDialer is the placeholder for a SIP trunk / FreeSWITCH integration.
//
// It accepts every call and reports nothing back, so call progress must be
// driven through the HTTP call endpoints. Useful for local runs and tests.
type SIPDialer struct{}

func NewSIPDialer() *SIPDialer { return &SIPDialer{} }

func (d *SIPDialer) Name() string { return "sip" }

func (d *SIPDialer) HealthCheck(ctx context.Context) error { return nil }

func (d *SIPDialer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.CallID == "" {
		return PlaceCallResult{}, errors.New("telephony: call_id required")
	}
	return PlaceCallResult{ProviderCallID: "sip-" + req.CallID}, nil
}

func (d *SIPDialer) Hangup(ctx context.Context, providerCallID string) error { return nil }
