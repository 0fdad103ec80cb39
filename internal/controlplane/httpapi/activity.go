package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trinity-platform/orchestrator/internal/domain"
)

// QueryActivity returns historical activity records matching the given
// filters.
// GET /activity?agent=&kind=&since=&until=&limit=
func (h *Handler) QueryActivity(c *gin.Context) {
	filter := domain.ActivityFilter{
		AgentName: c.Query("agent"),
		Kind:      domain.ActivityKind(c.Query("kind")),
		Limit:     200,
	}
	if raw := c.Query("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Since = t
		}
	}
	if raw := c.Query("until"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.Until = t
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	records, err := h.journal.Query(c.Request.Context(), filter)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": records, "total": len(records)})
}
