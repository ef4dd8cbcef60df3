package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ipmon/ipmon/internal/api/middleware"
	"github.com/ipmon/ipmon/internal/scheduler"
	"github.com/ipmon/ipmon/internal/services"
	"github.com/ipmon/ipmon/internal/util"
)

const maxImageBytes = 5 << 20

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

// HostPoller runs an immediate poll of one host. Implementations return
// scheduler.ErrJobBusy while a poll cycle holds the poll guard.
type HostPoller interface {
	PollHost(ctx context.Context, id string) (*services.HostOutcome, error)
}

type HostHandler struct {
	service   *services.HostService
	history   *services.HistoryService
	poller    HostPoller
	staticDir string
	// pollTimeout bounds the background poll started after a host is added.
	pollTimeout time.Duration
}

func NewHostHandler(service *services.HostService, history *services.HistoryService, poller HostPoller, staticDir string) *HostHandler {
	return &HostHandler{
		service:     service,
		history:     history,
		poller:      poller,
		staticDir:   staticDir,
		pollTimeout: 30 * time.Second,
	}
}

func (h *HostHandler) List(c *gin.Context) {
	hosts, err := h.service.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list hosts"})
		return
	}
	c.JSON(http.StatusOK, hosts)
}

func (h *HostHandler) Get(c *gin.Context) {
	host, err := h.service.Get(c.Param("id"))
	if err != nil {
		hostError(c, err, "Failed to get host")
		return
	}
	c.JSON(http.StatusOK, host)
}

// Create adds a host and polls it once in the background so its status is known before
// the next scheduled cycle.
func (h *HostHandler) Create(c *gin.Context) {
	var in services.HostInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	host, err := h.service.Create(c.Request.Context(), in)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrHostAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, services.ErrHostExists):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create host"})
		}
		return
	}

	if h.poller != nil {
		log := middleware.GetRequestLogger(c).WithField("host_id", host.ID)
		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), h.pollTimeout)
		go func() {
			defer cancel()
			outcome, err := h.poller.PollHost(ctx, host.ID)
			if err != nil {
				log.WithError(err).Warn("initial poll failed")
				return
			}
			log.WithField("status", outcome.Status).Debug("initial poll finished")
		}()
	}

	c.JSON(http.StatusCreated, host)
}

// Poll probes one host synchronously and returns the outcome.
func (h *HostHandler) Poll(c *gin.Context) {
	if h.poller == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Polling is not available"})
		return
	}
	outcome, err := h.poller.PollHost(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrHostNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, scheduler.ErrJobBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "A poll cycle is running, try again shortly"})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *HostHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		hostError(c, err, "Failed to delete host")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Host deleted"})
}

// DeleteAll removes every host. The caller must pass confirm=true.
func (h *HostHandler) DeleteAll(c *gin.Context) {
	if c.Query("confirm") != "true" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confirm=true is required to delete all hosts"})
		return
	}
	deleted, err := h.service.DeleteAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete hosts"})
		return
	}
	middleware.GetRequestLogger(c).WithField("deleted", deleted).Warn("all hosts deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *HostHandler) Counts(c *gin.Context) {
	counts, err := h.service.Counts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count hosts"})
		return
	}
	c.JSON(http.StatusOK, counts)
}

type setAlertsRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *HostHandler) SetAlerts(c *gin.Context) {
	var req setAlertsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	host, err := h.service.SetAlertsEnabled(c.Param("id"), *req.Enabled)
	if err != nil {
		hostError(c, err, "Failed to update host")
		return
	}
	c.JSON(http.StatusOK, host)
}

func (h *HostHandler) History(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.Get(id); err != nil {
		hostError(c, err, "Failed to get host")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	records, err := h.history.ForHost(id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get history"})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *HostHandler) Images(c *gin.Context) {
	images, err := h.service.Images(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list images"})
		return
	}
	c.JSON(http.StatusOK, images)
}

// UploadImage stores a snapshot under <static>/hosts/<id>/ and records it for the host.
func (h *HostHandler) UploadImage(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.service.Get(id); err != nil {
		hostError(c, err, "Failed to get host")
		return
	}

	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return
	}
	if file.Size > maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image is too large"})
		return
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if _, ok := imageExtensions[ext]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}

	// id comes from the database, never from the client filename
	rel := filepath.ToSlash(filepath.Join("hosts", id, uuid.NewString()+ext))
	dst := filepath.Join(h.staticDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to create image directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store image"})
		return
	}
	if err := c.SaveUploadedFile(file, dst); err != nil {
		middleware.GetRequestLogger(c).WithError(err).Error("failed to save image")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store image"})
		return
	}

	image, err := h.service.AddImage(id, rel)
	if err != nil {
		_ = os.Remove(dst)
		hostError(c, err, "Failed to record image")
		return
	}
	middleware.GetRequestLogger(c).WithField("host_id", id).WithField("file", util.SanitizeForLog(file.Filename)).Info("host image stored")
	c.JSON(http.StatusCreated, image)
}

func hostError(c *gin.Context, err error, fallback string) {
	if errors.Is(err, services.ErrHostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Host not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
}
