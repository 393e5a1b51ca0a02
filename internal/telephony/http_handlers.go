package telephony

import (
	"net/http"
	"strings"
	"time"

	"contact-center/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioWebhookHandler converts Twilio callbacks to StatusEvents, delegates
// to the dialer, and writes TwiML. No business logic here.
type TwilioWebhookHandler struct {
	Events CallEventHandler

	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken string
	// PublicURL is the externally visible base used when the signature was computed.
	PublicURL string

	Now func() time.Time
}

func (h TwilioWebhookHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/telephony/twilio/answer", h.HandleAnswer)
	rg.POST("/telephony/twilio/status", h.HandleStatus)
}

func (h TwilioWebhookHandler) parse(c *gin.Context) (StatusEvent, bool) {
	log := logger.FromGin(c)
	if h.Events == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call event handler not configured"})
		return StatusEvent{}, false
	}
	if h.AuthToken != "" {
		full := strings.TrimRight(h.PublicURL, "/") + c.Request.URL.RequestURI()
		if !ValidTwilioSignature(h.AuthToken, full, c.Request) {
			log.Warn("twilio signature rejected", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
			return StatusEvent{}, false
		}
	}

	form, err := ParseTwilioStatus(c.Request)
	if err != nil {
		log.Warn("twilio webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return StatusEvent{}, false
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	ev, ok := form.ToStatusEvent(now().UTC())
	if !ok || (ev.CallID == "" && ev.ProviderCallID == "") {
		log.Warn("twilio webhook ignored", "call_status", form.CallStatus, "call_sid", form.CallSid)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown call"})
		return StatusEvent{}, false
	}
	return ev, true
}

// HandleAnswer is Twilio's voice Url: the callee picked up.
func (h TwilioWebhookHandler) HandleAnswer(c *gin.Context) {
	ev, ok := h.parse(c)
	if !ok {
		return
	}
	ev.Status = CallStatusAnswered
	log := logger.FromGin(c).With("call_id", ev.CallID, "provider_call_id", ev.ProviderCallID)

	res, err := h.Events.OnAnswered(c.Request.Context(), ev)
	if err != nil {
		log.Error("answer handling failed", "err", err)
		res = AnswerResult{CallID: ev.CallID, Action: AnswerActionHangup}
	}

	twiml, err := RenderTwiML(res)
	if err != nil {
		log.Error("twiml render failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}

// HandleStatus is Twilio's StatusCallback.
func (h TwilioWebhookHandler) HandleStatus(c *gin.Context) {
	ev, ok := h.parse(c)
	if !ok {
		return
	}
	if err := h.Events.OnStatus(c.Request.Context(), ev); err != nil {
		logger.FromGin(c).Error("status handling failed", "call_id", ev.CallID, "status", ev.Status, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
