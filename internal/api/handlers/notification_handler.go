package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ipmon/ipmon/internal/services"
)

// NotificationHandler serves the in-app feed written by alert dispatch.
type NotificationHandler struct {
	service *services.NotificationService
}

func NewNotificationHandler(service *services.NotificationService) *NotificationHandler {
	return &NotificationHandler{service: service}
}

// List accepts unread=true, host_id and limit query parameters.
func (h *NotificationHandler) List(c *gin.Context) {
	filter := services.NotificationFilter{
		UnreadOnly: c.Query("unread") == "true",
		HostID:     c.Query("host_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	notifications, err := h.service.List(filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, notifications)
}

func (h *NotificationHandler) MarkAsRead(c *gin.Context) {
	err := h.service.MarkAsRead(c.Param("id"))
	switch {
	case errors.Is(err, services.ErrNotificationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Notification not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notification as read"})
	default:
		c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "read": true})
	}
}

func (h *NotificationHandler) MarkAllAsRead(c *gin.Context) {
	marked, err := h.service.MarkAllAsRead()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark notifications as read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}
