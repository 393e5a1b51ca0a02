package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TwilioConfig holds REST credentials and the public base URL Twilio calls back on.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// PublicURL is this service's externally reachable base, e.g. https://dialer.example.com.
	PublicURL string
	// BaseURL defaults to the Twilio API host; tests point it at httptest.
	BaseURL string
	Timeout time.Duration
}

// TwilioDialer places calls through the Twilio Calls REST resource. Answer
// and status webhooks come back to TwilioWebhookHandler.
type TwilioDialer struct {
	cfg    TwilioConfig
	client *http.Client
}

func NewTwilioDialer(cfg TwilioConfig) *TwilioDialer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.twilio.com"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	return &TwilioDialer{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (d *TwilioDialer) Name() string { return "twilio" }

func (d *TwilioDialer) accountURL(suffix string) string {
	return d.cfg.BaseURL + "/2010-04-01/Accounts/" + url.PathEscape(d.cfg.AccountSID) + suffix
}

func (d *TwilioDialer) HealthCheck(ctx context.Context) error {
	_, err := d.do(ctx, http.MethodGet, d.accountURL(".json"), nil)
	return err
}

func (d *TwilioDialer) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	if req.CallID == "" || req.To == "" {
		return PlaceCallResult{}, errors.New("telephony: call_id and to required")
	}
	if d.cfg.PublicURL == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio public url not configured")
	}
	from := req.CallerID
	if from == "" {
		from = d.cfg.FromNumber
	}
	q := url.Values{"call_id": {req.CallID}}.Encode()

	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", from)
	form.Set("Url", d.cfg.PublicURL+"/telephony/twilio/answer?"+q)
	form.Set("StatusCallback", d.cfg.PublicURL+"/telephony/twilio/status?"+q)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	if req.RingTimeout > 0 {
		form.Set("Timeout", strconv.Itoa(int(req.RingTimeout.Seconds())))
	}

	body, err := d.do(ctx, http.MethodPost, d.accountURL("/Calls.json"), form)
	if err != nil {
		return PlaceCallResult{}, err
	}
	var out struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PlaceCallResult{}, fmt.Errorf("telephony: decode twilio call: %w", err)
	}
	if out.SID == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio returned no call sid")
	}
	return PlaceCallResult{ProviderCallID: out.SID}, nil
}

// Hangup completes an in-progress call.
func (d *TwilioDialer) Hangup(ctx context.Context, providerCallID string) error {
	if providerCallID == "" {
		return nil
	}
	_, err := d.do(ctx, http.MethodPost, d.accountURL("/Calls/"+url.PathEscape(providerCallID)+".json"), url.Values{"Status": {"completed"}})
	return err
}

// TwilioError is a non-2xx response from the REST API.
type TwilioError struct {
	Status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("telephony: twilio %d (code %d): %s", e.Status, e.Code, e.Message)
}

func (d *TwilioDialer) do(ctx context.Context, method, endpoint string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(d.cfg.AccountSID, d.cfg.AuthToken)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: twilio request: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		te := &TwilioError{Status: resp.StatusCode}
		_ = json.Unmarshal(b, te)
		return nil, te
	}
	return b, nil
}
