package telephony

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestParseTwilioStatus(t *testing.T) {
	body := strings.NewReader("CallSid=CA123&To=%2B15557654321&CallStatus=no-answer&CallDuration=0")
	r := httptest.NewRequest(http.MethodPost, "/telephony/twilio/status?call_id=k1", body)
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	form, err := ParseTwilioStatus(r)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if form.CallSid != "CA123" || form.CallID != "k1" || form.To != "+15557654321" {
		t.Fatalf("unexpected form: %+v", form)
	}

	ev, ok := form.ToStatusEvent(time.Unix(1700000000, 0).UTC())
	if !ok {
		t.Fatalf("expected known status")
	}
	if ev.Status != CallStatusNoAnswer || !ev.Status.Final() || ev.ProviderCallID != "CA123" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	form.CallStatus = "something-new"
	if _, ok := form.ToStatusEvent(time.Now()); ok {
		t.Fatalf("unknown statuses must be rejected")
	}
}

type events struct {
	answered []StatusEvent
	statuses []StatusEvent
	result   AnswerResult
}

func (e *events) OnAnswered(ctx context.Context, ev StatusEvent) (AnswerResult, error) {
	e.answered = append(e.answered, ev)
	return e.result, nil
}

func (e *events) OnStatus(ctx context.Context, ev StatusEvent) error {
	e.statuses = append(e.statuses, ev)
	return nil
}

func sign(token, fullURL string, form url.Values) string {
	s := fullURL
	for _, k := range []string{"CallSid", "CallStatus"} {
		s += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestTwilioWebhookHandler_AnswerAndStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ev := &events{result: AnswerResult{CallID: "k1", Action: AnswerActionConnect, ConnectTo: "sip:a1@pbx.test"}}
	h := TwilioWebhookHandler{Events: ev, AuthToken: "secret", PublicURL: "https://dialer.test"}
	r := gin.New()
	h.Register(&r.RouterGroup)

	form := url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}}
	req := httptest.NewRequest(http.MethodPost, "/telephony/twilio/answer?call_id=k1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sign("secret", "https://dialer.test/telephony/twilio/answer?call_id=k1", form))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "<Sip>sip:a1@pbx.test</Sip>") {
		t.Fatalf("unexpected answer response %d: %s", w.Code, w.Body.String())
	}
	if len(ev.answered) != 1 || ev.answered[0].CallID != "k1" || ev.answered[0].Status != CallStatusAnswered {
		t.Fatalf("unexpected answered events: %+v", ev.answered)
	}

	form = url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}
	req = httptest.NewRequest(http.MethodPost, "/telephony/twilio/status?call_id=k1", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", sign("secret", "https://dialer.test/telephony/twilio/status?call_id=k1", form))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || len(ev.statuses) != 1 || ev.statuses[0].Status != CallStatusCompleted {
		t.Fatalf("unexpected status handling %d: %+v", w.Code, ev.statuses)
	}
}

func TestTwilioWebhookHandler_RejectsBadSignature(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ev := &events{}
	h := TwilioWebhookHandler{Events: ev, AuthToken: "secret", PublicURL: "https://dialer.test"}
	r := gin.New()
	h.Register(&r.RouterGroup)

	req := httptest.NewRequest(http.MethodPost, "/telephony/twilio/status?call_id=k1", strings.NewReader("CallSid=CA1&CallStatus=completed"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bogus")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden || len(ev.statuses) != 0 {
		t.Fatalf("expected 403 without delegation, got %d", w.Code)
	}
}
