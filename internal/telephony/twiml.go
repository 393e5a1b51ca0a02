package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder. Only the verbs
// an answered outbound call needs are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName xml.Name  `xml:"Dial"`
	Number  string    `xml:"Number,omitempty"`
	Sip     *twimlSip `xml:"Sip,omitempty"`
}

type twimlSip struct {
	URI string `xml:",chardata"`
}

// RenderTwiML maps an AnswerResult to TwiML: <Dial><Sip> to the routed agent
// or <Hangup/> when the call is abandoned.
func RenderTwiML(res AnswerResult) (string, error) {
	var r twimlResponse

	switch res.Action {
	case AnswerActionHangup:
		r.Verbs = append(r.Verbs, twimlHangup{})
	case AnswerActionConnect:
		to := strings.TrimSpace(res.ConnectTo)
		if to == "" {
			return "", errors.New("telephony: connect_to required for connect action")
		}
		d := twimlDial{}
		if strings.HasPrefix(strings.ToLower(to), "sip:") {
			d.Sip = &twimlSip{URI: to}
		} else {
			d.Number = to
		}
		r.Verbs = append(r.Verbs, d)
	default:
		return "", errors.New("telephony: unknown answer action")
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
