package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ipmon/ipmon/internal/scheduler"
)

// JobRegistry exposes the scheduler's jobs.
type JobRegistry interface {
	Jobs() []scheduler.JobInfo
	Trigger(id string) error
}

type JobHandler struct {
	jobs JobRegistry
}

func NewJobHandler(jobs JobRegistry) *JobHandler {
	return &JobHandler{jobs: jobs}
}

func (h *JobHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.Jobs())
}

// Trigger starts a run of the job outside its schedule. A run already in progress is
// not duplicated.
func (h *JobHandler) Trigger(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.Trigger(id); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Job triggered", "id": id})
}
