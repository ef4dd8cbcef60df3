package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ipmon/ipmon/internal/services"
)

type AlertHandler struct {
	service *services.AlertService
}

func NewAlertHandler(service *services.AlertService) *AlertHandler {
	return &AlertHandler{service: service}
}

// List returns alerts newest first. pending=true limits the list to alerts not yet
// delivered.
func (h *AlertHandler) List(c *gin.Context) {
	pending := c.Query("pending") == "true"
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	alerts, err := h.service.List(pending, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// Clear marks one alert as handled without delivering it.
func (h *AlertHandler) Clear(c *gin.Context) {
	if err := h.service.ClearOne(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, services.ErrAlertNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Alert not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear alert"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Alert cleared"})
}

// ClearAll marks every pending alert as handled.
func (h *AlertHandler) ClearAll(c *gin.Context) {
	pending, err := h.service.ListPending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list alerts"})
		return
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.Alert.ID)
	}
	cleared, err := h.service.Clear(c.Request.Context(), ids, time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}
