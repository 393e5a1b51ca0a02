package telephony

import (
	"strings"
	"testing"
)

func TestRenderTwiMLHangup(t *testing.T) {
	xml, err := RenderTwiML(AnswerResult{CallID: "k1", Action: AnswerActionHangup})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Hangup></Hangup>") {
		t.Fatalf("expected hangup verb in xml: %s", xml)
	}
}

func TestRenderTwiMLDialsSipAgent(t *testing.T) {
	xml, err := RenderTwiML(AnswerResult{CallID: "k1", Action: AnswerActionConnect, ConnectTo: "sip:a1@pbx.test"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Sip>sip:a1@pbx.test</Sip>") {
		t.Fatalf("expected sip dial in xml: %s", xml)
	}

	xml, err = RenderTwiML(AnswerResult{CallID: "k1", Action: AnswerActionConnect, ConnectTo: "+15550001111"})
	if err != nil || !strings.Contains(xml, "<Number>+15550001111</Number>") {
		t.Fatalf("expected number dial, got %s err=%v", xml, err)
	}
}

func TestRenderTwiMLConnectRequiresTarget(t *testing.T) {
	if _, err := RenderTwiML(AnswerResult{CallID: "k1", Action: AnswerActionConnect}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := RenderTwiML(AnswerResult{CallID: "k1", Action: "reject"}); err == nil {
		t.Fatalf("expected error for unknown action")
	}
}
