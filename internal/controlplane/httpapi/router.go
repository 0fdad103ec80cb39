package httpapi

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts every control-plane and agent-facing RPC route
// onto router (spec §6, §4.8).
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	agents := router.Group("/agents")
	{
		agents.POST("", h.CreateAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:name", h.GetAgent)
		agents.DELETE("/:name", h.DeleteAgent)

		agents.POST("/:name/start", h.StartAgent)
		agents.POST("/:name/stop", h.StopAgent)
		agents.POST("/:name/restart", h.RestartAgent)
		agents.POST("/:name/reinitialize", h.ReinitializeAgent)
		agents.POST("/:name/share", h.ShareAgent)
		agents.POST("/:name/unshare", h.UnshareAgent)
		agents.PATCH("/:name/autonomy", h.SetAutonomy)

		agents.POST("/:name/chat", h.PostChat)
		agents.POST("/:name/task", h.PostTask)
		agents.GET("/:name/executions", h.ListExecutions)
		agents.GET("/:name/schedules", h.ListSchedules)

		agents.GET("/:name/permissions", h.ListPermissions)
		agents.POST("/:name/permissions", h.GrantPermission)
		agents.DELETE("/:name/permissions/:target", h.RevokePermission)
	}

	executions := router.Group("/executions")
	{
		executions.GET("/:id", h.GetExecution)
		executions.POST("/:id/cancel", h.CancelExecution)
	}

	schedules := router.Group("/schedules")
	{
		schedules.POST("", h.CreateSchedule)
		schedules.GET("/:id", h.GetSchedule)
		schedules.PATCH("/:id", h.UpdateSchedule)
		schedules.PATCH("/:id/enabled", h.SetScheduleEnabled)
		schedules.DELETE("/:id", h.DeleteSchedule)
	}

	settings := router.Group("/settings")
	{
		settings.GET("", h.ListSettings)
		settings.GET("/:key", h.GetSetting)
		settings.PUT("/:key", h.SetSetting)
	}

	fleet := router.Group("/fleet")
	{
		fleet.POST("/pause-schedules", h.PauseAllSchedules)
		fleet.POST("/resume-schedules", h.ResumeAllSchedules)
		fleet.POST("/emergency-stop", h.EmergencyStop)
		fleet.POST("/restart-all", h.RestartAll)
		fleet.GET("/health", h.FleetHealth)
	}

	router.GET("/activity", h.QueryActivity)
	h.stream.RegisterRoutes(router)

	rpc := router.Group("/rpc")
	{
		rpc.GET("/peers", h.RPCListPeers)
		rpc.POST("/chat", h.RPCChat)
		rpc.POST("/task", h.RPCTask)
		rpc.POST("/trigger-job", h.RPCTriggerJob)
	}
}
