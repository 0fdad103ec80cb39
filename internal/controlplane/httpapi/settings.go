package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListSettings returns every platform setting.
// GET /settings
func (h *Handler) ListSettings(c *gin.Context) {
	all, err := h.settings.All(c.Request.Context())
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": all})
}

// GetSetting returns a single setting's raw string value.
// GET /settings/:key
func (h *Handler) GetSetting(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "key is required"})
		return
	}
	value, err := h.settings.GetString(c.Request.Context(), key)
	if err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

// SetSetting upserts a platform setting.
// PUT /settings/:key
func (h *Handler) SetSetting(c *gin.Context) {
	key := c.Param("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"message": "key is required"})
		return
	}
	var req setSettingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err := h.settings.Set(c.Request.Context(), key, req.Value); err != nil {
		h.writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}
