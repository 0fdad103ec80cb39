package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/identity"
)

// CreateAgent registers a new agent.
// POST /agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	principal := principalFrom(c)
	agent, err := h.identity.Create(c.Request.Context(), identity.CreateParams{
		Name:           req.Name,
		Owner:          principal.ID,
		Template:       req.Template,
		RuntimeKind:    domain.RuntimeKind(req.RuntimeKind),
		Model:          req.Model,
		DeploymentName: req.DeploymentName,
		Limits: domain.ResourceLimits{
			MemoryBytes: req.MemoryBytes,
			CPUCores:    req.CPUCores,
		},
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// GetAgent returns one agent.
// GET /agents/:name
func (h *Handler) GetAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	agent, err := h.identity.Resolve(c.Request.Context(), name)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// ListAgents returns every agent the calling principal may see.
// GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	principal := principalFrom(c)
	var (
		agents []*domain.Agent
		err    error
	)
	if principal.Role == domain.RoleAdmin || principal.Role == domain.RoleSystem {
		agents, err = h.store.Agents().List(c.Request.Context())
	} else {
		var all []*domain.Agent
		all, err = h.store.Agents().List(c.Request.Context())
		agents = make([]*domain.Agent, 0)
		for _, a := range all {
			if a.IsOwnerOrShared(principal.ID) {
				agents = append(agents, a)
			}
		}
	}
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "total": len(agents)})
}

// DeleteAgent removes an agent's container (if any) and its record,
// cascading permission edges and schedules.
// DELETE /agents/:name
func (h *Handler) DeleteAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	if err := h.lifecycle.Delete(c.Request.Context(), name); err != nil {
		h.writeErr(c, err)
		return
	}
	if err := h.identity.Delete(c.Request.Context(), principalFrom(c), name); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent deleted", "name": name})
}

// StartAgent transitions an agent to running.
// POST /agents/:name/start
func (h *Handler) StartAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	if err := h.lifecycle.Start(c.Request.Context(), name); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "agent starting", "name": name})
}

// StopAgent transitions an agent to stopped.
// POST /agents/:name/stop
func (h *Handler) StopAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	if err := h.lifecycle.Stop(c.Request.Context(), name); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "agent stopped", "name": name})
}

// RestartAgent stops and starts an agent without clearing its workspace.
// POST /agents/:name/restart
func (h *Handler) RestartAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	if err := h.lifecycle.Restart(c.Request.Context(), name); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "agent restarting", "name": name})
}

// ReinitializeAgent clears the agent's workspace and re-injects before
// restarting it.
// POST /agents/:name/reinitialize
func (h *Handler) ReinitializeAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	if err := h.lifecycle.Reinitialize(c.Request.Context(), name); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "agent reinitializing", "name": name})
}

// ShareAgent grants a principal co-access to an agent.
// POST /agents/:name/share
func (h *Handler) ShareAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := h.identity.Share(c.Request.Context(), principalFrom(c), name, req.Principal); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "shared"})
}

// UnshareAgent revokes a principal's co-access to an agent.
// POST /agents/:name/unshare
func (h *Handler) UnshareAgent(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := h.identity.Unshare(c.Request.Context(), principalFrom(c), name, req.Principal); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "unshared"})
}

// SetAutonomy toggles whether an agent's schedules may fire unattended.
// PATCH /agents/:name/autonomy
func (h *Handler) SetAutonomy(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req autonomyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	agent, err := h.identity.Resolve(c.Request.Context(), name)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	agent.Autonomy = req.Autonomy
	if err := h.store.Agents().Update(c.Request.Context(), agent); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}
