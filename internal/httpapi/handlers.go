package httpapi

import (
	"errors"
	"net/http"
	"time"

	"contact-center/internal/agents"
	"contact-center/internal/apperr"
	"contact-center/internal/audit"
	"contact-center/internal/auth"
	"contact-center/internal/calls"
	"contact-center/internal/campaigns"
	"contact-center/internal/dialer"
	"contact-center/internal/dispositions"
	"contact-center/internal/rbac"
	"contact-center/internal/reporting"
	"contact-center/internal/routing"
	"contact-center/pkg/logger"
	"contact-center/pkg/utils"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Dialer    *dialer.Service
	Campaigns *campaigns.Service
	Overrides *routing.OverrideEngine
	Reporting *reporting.Service
	Catalog   dispositions.Catalog
	Audit     *audit.Service
}

type identity struct {
	UserID  string
	AgentID string
	Role    string
}

func callerOf(c *gin.Context) identity {
	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	return identity{UserID: uid, AgentID: auth.AgentID(ctx), Role: role}
}

// WithActor copies the verified identity into the routing actor used by
// override auditing. Must run after auth.RequireAccessToken.
func WithActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := callerOf(c)
		ctx := routing.WithActor(c.Request.Context(), routing.Actor{UserID: id.UserID, Role: id.Role, IP: c.ClientIP()})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// writeError maps error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		kind = apperr.KindValidationFailed
	}
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Message != "" {
		msg = ae.Message
	}

	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidationFailed:
		status = http.StatusBadRequest
	case apperr.KindNotEligible, apperr.KindCallInProgress:
		status = http.StatusConflict
	case apperr.KindNotFound:
		status = http.StatusNotFound
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": string(apperr.KindInternal)})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": string(kind), "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": string(apperr.KindValidationFailed), "message": msg})
}

func forbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}

// logAdmin records supervisory actions; failures only warn.
func (h Handlers) logAdmin(c *gin.Context, campaignID, agentID, message string) {
	if h.Audit == nil {
		return
	}
	id := callerOf(c)
	if err := h.Audit.LogAdminAction(c.Request.Context(), id.UserID, id.Role, c.ClientIP(), campaignID, agentID, message, ""); err != nil {
		logger.FromGin(c).Warn("admin audit failed", "err", err)
	}
}

// Me echoes the verified identity.
func (h Handlers) Me(c *gin.Context) {
	id := callerOf(c)
	c.JSON(http.StatusOK, gin.H{"user_id": id.UserID, "agent_id": id.AgentID, "role": id.Role})
}

// --- Agents ---

type setStatusRequest struct {
	Status     agents.Status `json:"status" binding:"required"`
	CampaignID string        `json:"campaign_id"`
}

// SetAgentStatus returns the campaign's queue snapshot after the change.
// RBAC: the agent themself, or a supervisory role.
func (h Handlers) SetAgentStatus(c *gin.Context) {
	agentID := c.Param("agent_id")
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status required")
		return
	}
	snap, err := h.Dialer.SetAgentStatus(c.Request.Context(), agentID, req.Status, req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	if id := callerOf(c); id.AgentID != agentID {
		h.logAdmin(c, req.CampaignID, agentID, "agent status set to "+string(req.Status))
	}
	c.JSON(http.StatusOK, snap)
}

type nextCallRequest struct {
	CampaignID string `json:"campaign_id" binding:"required"`
}

// RequestNextCall answers 200 with status no_calls_available when the pool is empty.
func (h Handlers) RequestNextCall(c *gin.Context) {
	var req nextCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "campaign_id required")
		return
	}
	next, err := h.Dialer.RequestNextCall(c.Request.Context(), c.Param("agent_id"), req.CampaignID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, next)
}

// --- Calls ---

func (h Handlers) StartCall(c *gin.Context) {
	var req dialer.StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		badRequest(c, err.Error())
		return
	}
	id := callerOf(c)
	if req.AgentID == "" && id.Role == rbac.RoleAgent {
		req.AgentID = id.AgentID
	}
	if req.AgentID != "" && !rbac.CanActForAgent(id.Role, id.AgentID, req.AgentID) {
		forbidden(c)
		return
	}
	rec, err := h.Dialer.StartCall(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ownCall loads the call and checks the caller may act on it.
func (h Handlers) ownCall(c *gin.Context) (calls.CallRecord, bool) {
	rec, err := h.Dialer.GetCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return rec, false
	}
	id := callerOf(c)
	if !rbac.IsSupervisory(id.Role) && !rbac.CanActForAgent(id.Role, id.AgentID, rec.AgentID) {
		forbidden(c)
		return rec, false
	}
	return rec, true
}

func (h Handlers) GetCall(c *gin.Context) {
	rec, ok := h.ownCall(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, rec)
}

// AnswerCall marks a call answered for providers without callbacks.
func (h Handlers) AnswerCall(c *gin.Context) {
	if _, ok := h.ownCall(c); !ok {
		return
	}
	rec, err := h.Dialer.AnswerCall(c.Request.Context(), c.Param("call_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type endCallRequest struct {
	Outcome         calls.Outcome `json:"outcome" binding:"required"`
	DurationSeconds int           `json:"duration_seconds"`
}

func (h Handlers) EndCall(c *gin.Context) {
	var req endCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "outcome required")
		return
	}
	if _, ok := h.ownCall(c); !ok {
		return
	}
	rec, err := h.Dialer.EndCall(c.Request.Context(), c.Param("call_id"), req.Outcome, req.DurationSeconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type dispositionRequest struct {
	Code       string     `json:"code" binding:"required"`
	Notes      string     `json:"notes"`
	CallbackAt *time.Time `json:"callback_at,omitempty"`
}

func (h Handlers) ApplyDisposition(c *gin.Context) {
	var req dispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "code required")
		return
	}
	if _, ok := h.ownCall(c); !ok {
		return
	}
	res, err := h.Dialer.ApplyDisposition(c.Request.Context(), dispositions.ApplyRequest{
		CallID:     c.Param("call_id"),
		Code:       req.Code,
		Notes:      req.Notes,
		CallbackAt: req.CallbackAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h Handlers) ListDispositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"dispositions": h.Catalog.List()})
}

// --- Campaigns ---

func (h Handlers) CreateCampaign(c *gin.Context) {
	var req campaigns.CreateCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	camp, err := h.Campaigns.CreateCampaign(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAdmin(c, camp.ID, "", "campaign created")
	c.JSON(http.StatusCreated, camp)
}

func (h Handlers) GetCampaign(c *gin.Context) {
	camp, err := h.Campaigns.Get(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, camp)
}

func (h Handlers) setActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("campaign_id")
		camp, err := h.Campaigns.SetActive(c.Request.Context(), id, active)
		if err != nil {
			writeError(c, err)
			return
		}
		msg := "campaign deactivated"
		if active {
			msg = "campaign activated"
		}
		h.logAdmin(c, id, "", msg)
		c.JSON(http.StatusOK, camp)
	}
}

// ArchiveCampaign is refused with 409 while calls are in progress.
func (h Handlers) ArchiveCampaign(c *gin.Context) {
	id := c.Param("campaign_id")
	camp, err := h.Campaigns.Archive(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	h.logAdmin(c, id, "", "campaign archived")
	c.JSON(http.StatusOK, camp)
}

func (h Handlers) ImportContacts(c *gin.Context) {
	var req campaigns.ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	res, err := h.Campaigns.ImportContacts(c.Request.Context(), c.Param("campaign_id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h Handlers) GetQueueStatus(c *gin.Context) {
	snap, err := h.Dialer.GetQueueStatus(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) GetPredictiveDecision(c *gin.Context) {
	d, err := h.Dialer.GetPredictiveDecision(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h Handlers) CampaignStats(c *gin.Context) {
	st, err := h.Reporting.CampaignStats(c.Request.Context(), c.Param("campaign_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// CallsSummary takes RFC3339 from/to query parameters.
func (h Handlers) CallsSummary(c *gin.Context) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		badRequest(c, "from and to must be RFC3339")
		return
	}
	sum, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		CampaignID: c.Param("campaign_id"),
		Range:      reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- Routing overrides ---

type overrideRequest struct {
	AgentID    string `json:"agent_id" binding:"required"`
	TTLSeconds int    `json:"ttl_seconds" binding:"required"`
	Metadata   string `json:"metadata,omitempty"`
}

func (h Handlers) SetOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "agent_id and ttl_seconds required")
		return
	}
	o, err := h.Overrides.Set(c.Request.Context(), routing.SetOverrideRequest{
		CampaignID: c.Param("campaign_id"),
		AgentID:    req.AgentID,
		TTL:        time.Duration(req.TTLSeconds) * time.Second,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h Handlers) ClearOverride(c *gin.Context) {
	if err := h.Overrides.Clear(c.Request.Context(), c.Param("campaign_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
