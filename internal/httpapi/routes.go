package httpapi

import (
	"contact-center/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts the dialer API on an authenticated group.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	v1.Use(rbac.RequireIdentity(), WithActor())
	supervisory := rbac.RequireAnyRole(rbac.RoleSupervisor, rbac.RoleOwner)
	anyone := rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleOwner)

	v1.GET("/me", h.Me)
	v1.GET("/dispositions", anyone, h.ListDispositions)

	agentsGroup := v1.Group("/agents/:agent_id")
	agentsGroup.Use(anyone, rbac.RequireAgentSelf("agent_id"))
	{
		agentsGroup.PUT("/status", h.SetAgentStatus)
		agentsGroup.POST("/next-call", h.RequestNextCall)
	}

	callsGroup := v1.Group("/calls")
	callsGroup.Use(anyone)
	{
		callsGroup.POST("", h.StartCall)
		callsGroup.GET("/:call_id", h.GetCall)
		callsGroup.POST("/:call_id/answer", h.AnswerCall)
		callsGroup.POST("/:call_id/end", h.EndCall)
		callsGroup.POST("/:call_id/disposition", h.ApplyDisposition)
	}

	campaignsGroup := v1.Group("/campaigns")
	{
		campaignsGroup.POST("", supervisory, h.CreateCampaign)
		campaignsGroup.GET("/:campaign_id", anyone, h.GetCampaign)
		campaignsGroup.GET("/:campaign_id/queue", anyone, h.GetQueueStatus)
		campaignsGroup.GET("/:campaign_id/decision", supervisory, h.GetPredictiveDecision)
		campaignsGroup.GET("/:campaign_id/stats", supervisory, h.CampaignStats)
		campaignsGroup.GET("/:campaign_id/summary", supervisory, h.CallsSummary)
		campaignsGroup.POST("/:campaign_id/activate", supervisory, h.setActive(true))
		campaignsGroup.POST("/:campaign_id/deactivate", supervisory, h.setActive(false))
		campaignsGroup.DELETE("/:campaign_id", rbac.RequireAnyRole(rbac.RoleOwner), h.ArchiveCampaign)
		campaignsGroup.POST("/:campaign_id/contacts", supervisory, h.ImportContacts)
		campaignsGroup.PUT("/:campaign_id/override", supervisory, h.SetOverride)
		campaignsGroup.DELETE("/:campaign_id/override", supervisory, h.ClearOverride)
	}
}
