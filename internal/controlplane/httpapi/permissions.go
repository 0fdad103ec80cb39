package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListPermissions returns every agent source is permitted to call.
// GET /agents/:name/permissions
func (h *Handler) ListPermissions(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	edges, err := h.perms.ListOut(c.Request.Context(), name)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"edges": edges, "total": len(edges)})
}

// GrantPermission authorizes name to call target.
// POST /agents/:name/permissions
func (h *Handler) GrantPermission(c *gin.Context) {
	name := c.Param("name")
	if notFoundIfEmpty(c, name) {
		return
	}
	var req grantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	principal := principalFrom(c)
	if err := h.perms.Set(c.Request.Context(), name, req.Target, principal.ID); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "granted", "source": name, "target": req.Target})
}

// RevokePermission removes name's right to call target.
// DELETE /agents/:name/permissions/:target
func (h *Handler) RevokePermission(c *gin.Context) {
	name := c.Param("name")
	target := c.Param("target")
	if notFoundIfEmpty(c, name) || notFoundIfEmpty(c, target) {
		return
	}
	if err := h.perms.Clear(c.Request.Context(), name, target); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "revoked", "source": name, "target": target})
}
