package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/execution"
)

func callerFrom(c *gin.Context) execution.Caller {
	principal := principalFrom(c)
	return execution.Caller{Principal: &principal}
}

// PostChat submits a chat-mode turn, serialized per agent.
// POST /agents/:name/chat
func (h *Handler) PostChat(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	exec, err := h.engine.Chat(c.Request.Context(), execution.Request{
		AgentName: name,
		Message:   req.Message,
		Caller:    callerFrom(c),
		Trigger:   domain.TriggerManual,
	})
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// PostTask submits a task-mode execution, run in parallel up to the
// per-agent and global caps.
// POST /agents/:name/task
func (h *Handler) PostTask(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	exec, err := h.engine.Task(c.Request.Context(), execution.Request{
		AgentName: name,
		Message:   req.Message,
		Caller:    callerFrom(c),
		Trigger:   domain.TriggerManual,
	}, req.toOptions())
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// CancelExecution cancels a running execution.
// POST /executions/:id/cancel
func (h *Handler) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "execution id is required"})
		return
	}
	if err := h.engine.Cancel(c.Request.Context(), id); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cancelled", "id": id})
}

// ListExecutions returns an agent's execution history, most recent first.
// GET /agents/:name/executions?limit=50
func (h *Handler) ListExecutions(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	execs, err := h.store.Executions().ListByAgent(c.Request.Context(), name, limit)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// GetExecution returns a single execution.
// GET /executions/:id
func (h *Handler) GetExecution(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "execution id is required"})
		return
	}
	exec, err := h.store.Executions().Get(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
