package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TwilioStatusForm captures the subset of voice callback fields we use.
// Twilio sends application/x-www-form-urlencoded.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioStatusForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Direction    string
	CallStatus   string
	CallDuration string
	AnsweredBy   string
	Timestamp    string
	// CallID is our call record id, echoed back through the callback query string.
	CallID string
}

func ParseTwilioStatus(r *http.Request) (TwilioStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioStatusForm{}, err
	}
	return TwilioStatusForm{
		CallSid:      r.PostFormValue("CallSid"),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         strings.TrimSpace(r.PostFormValue("From")),
		To:           strings.TrimSpace(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   r.PostFormValue("CallStatus"),
		CallDuration: r.PostFormValue("CallDuration"),
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
		Timestamp:    r.PostFormValue("Timestamp"),
		CallID:       r.URL.Query().Get("call_id"),
	}, nil
}

// twilioStatuses maps Twilio CallStatus values to ours.
var twilioStatuses = map[string]CallStatus{
	"queued":      CallStatusQueued,
	"initiated":   CallStatusQueued,
	"ringing":     CallStatusRinging,
	"in-progress": CallStatusAnswered,
	"answered":    CallStatusAnswered,
	"completed":   CallStatusCompleted,
	"busy":        CallStatusBusy,
	"no-answer":   CallStatusNoAnswer,
	"failed":      CallStatusFailed,
	"canceled":    CallStatusCanceled,
}

func (f TwilioStatusForm) ToStatusEvent(occurredAt time.Time) (StatusEvent, bool) {
	st, ok := twilioStatuses[strings.ToLower(f.CallStatus)]
	if !ok {
		return StatusEvent{}, false
	}
	raw, _ := json.Marshal(f)
	dur, _ := strconv.Atoi(f.CallDuration)
	return StatusEvent{
		CallID:          f.CallID,
		ProviderCallID:  f.CallSid,
		Status:          st,
		DurationSeconds: dur,
		OccurredAt:      occurredAt,
		RawPayload:      string(raw),
	}, true
}

// ValidTwilioSignature checks X-Twilio-Signature: base64(HMAC-SHA1(authToken,
// fullURL + sorted POST key/value pairs)).
// Ref: https://www.twilio.com/docs/usage/security#validating-requests
func ValidTwilioSignature(authToken, fullURL string, r *http.Request) bool {
	sig := r.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	keys := make([]string, 0, len(r.PostForm))
	for k := range r.PostForm {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range r.PostForm[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(sig))
}
