package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PauseAllSchedules disables schedule firing platform-wide without
// stopping running agents.
// POST /fleet/pause-schedules
func (h *Handler) PauseAllSchedules(c *gin.Context) {
	if err := h.supervisor.PauseAllSchedules(c.Request.Context()); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedules paused"})
}

// ResumeAllSchedules re-enables schedule firing platform-wide.
// POST /fleet/resume-schedules
func (h *Handler) ResumeAllSchedules(c *gin.Context) {
	if err := h.supervisor.ResumeAllSchedules(c.Request.Context()); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "schedules resumed"})
}

// EmergencyStop halts every running non-system agent and pauses schedules.
// POST /fleet/emergency-stop
func (h *Handler) EmergencyStop(c *gin.Context) {
	if err := h.supervisor.EmergencyStop(c.Request.Context()); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "emergency stop issued"})
}

// RestartAll restarts every agent currently in a running state.
// POST /fleet/restart-all
func (h *Handler) RestartAll(c *gin.Context) {
	if err := h.supervisor.RestartAll(c.Request.Context()); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "restart issued"})
}

// FleetHealth reports every agent's current state.
// GET /fleet/health
func (h *Handler) FleetHealth(c *gin.Context) {
	agents, err := h.store.Agents().List(c.Request.Context())
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, healthResponse{Agents: agents, Supervisor: "running"})
}
