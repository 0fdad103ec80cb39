package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/trinity-platform/orchestrator/internal/domain"
	"github.com/trinity-platform/orchestrator/internal/platform/apierr"
)

func validateCronOrOneShot(expr string, oneShot time.Time) error {
	if expr == "" && oneShot.IsZero() {
		return apierr.New(apierr.InvalidName, "one of cron_expression or one_shot_at is required")
	}
	if expr != "" && !oneShot.IsZero() {
		return apierr.New(apierr.InvalidName, "cron_expression and one_shot_at are mutually exclusive")
	}
	if expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return apierr.Newf(apierr.InvalidName, "invalid cron expression: %v", err)
		}
	}
	return nil
}

// CreateSchedule registers a new chat-firing schedule for an agent.
// POST /schedules
func (h *Handler) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := validateCronOrOneShot(req.CronExpression, req.OneShotAt); err != nil {
		h.writeErr(c, err)
		return
	}

	principal := principalFrom(c)
	sch := &domain.Schedule{
		ID:             uuid.NewString(),
		AgentName:      req.AgentName,
		CronExpression: req.CronExpression,
		TimeZone:       req.TimeZone,
		OneShotAt:      req.OneShotAt,
		Message:        req.Message,
		Enabled:        req.Enabled,
		OwnerPrincipal: principal.ID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.Schedules().Create(c.Request.Context(), sch); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sch)
}

// GetSchedule returns a single schedule.
// GET /schedules/:id
func (h *Handler) GetSchedule(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "schedule id is required"})
		return
	}
	sch, err := h.store.Schedules().Get(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

// ListSchedules returns every schedule belonging to an agent.
// GET /agents/:name/schedules
func (h *Handler) ListSchedules(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	schedules, err := h.store.Schedules().ListByAgent(c.Request.Context(), name)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "total": len(schedules)})
}

// UpdateSchedule mutates a schedule's timing, message, or enabled state.
// PATCH /schedules/:id
func (h *Handler) UpdateSchedule(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "schedule id is required"})
		return
	}
	var req updateScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}

	sch, err := h.store.Schedules().Get(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}

	if req.CronExpression != "" || !req.OneShotAt.IsZero() {
		if err := validateCronOrOneShot(req.CronExpression, req.OneShotAt); err != nil {
			h.writeErr(c, err)
			return
		}
		sch.CronExpression = req.CronExpression
		sch.OneShotAt = req.OneShotAt
	}
	if req.TimeZone != "" {
		sch.TimeZone = req.TimeZone
	}
	if req.Message != "" {
		sch.Message = req.Message
	}
	if req.Enabled != nil {
		sch.Enabled = *req.Enabled
	}

	if err := h.store.Schedules().Update(c.Request.Context(), sch); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

// SetScheduleEnabled toggles a schedule on or off without touching timing.
// PATCH /schedules/:id/enabled
func (h *Handler) SetScheduleEnabled(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "schedule id is required"})
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	sch, err := h.store.Schedules().Get(c.Request.Context(), id)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	sch.Enabled = body.Enabled
	if err := h.store.Schedules().Update(c.Request.Context(), sch); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sch)
}

// DeleteSchedule removes a schedule.
// DELETE /schedules/:id
func (h *Handler) DeleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "schedule id is required"})
		return
	}
	if err := h.store.Schedules().Delete(c.Request.Context(), id); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted", "id": id})
}
