package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/smpc-orchestrator/internal/api/dto"
	"github.com/cuongbtq/smpc-orchestrator/internal/barrier"
	"github.com/cuongbtq/smpc-orchestrator/internal/domain"
	"github.com/cuongbtq/smpc-orchestrator/internal/worker"
	"github.com/gin-gonic/gin"
)

// Update handles POST /api/update
// Records one client's completion report against the job barrier
func (h *JobHandler) Update(c *gin.Context) {
	var req dto.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := domain.ValidateSchema(req.Schema); err != nil {
		h.logger.Error("Invalid feature schema",
			slog.String("job_id", req.JobID.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	result, err := h.coordinator.Update(c.Request.Context(), barrier.UpdateRequest{
		JobID:        req.JobID.String(),
		ClientID:     req.ClientID.String(),
		TotalClients: req.TotalClients,
		Schema:       req.Schema,
	})
	if err != nil {
		h.logger.Error("Failed to record update",
			slog.String("job_id", req.JobID.String()),
			slog.String("client_id", req.ClientID.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to record update",
		})
		return
	}

	c.JSON(http.StatusOK, dto.UpdateResponse{
		Message:      result.Message,
		Status:       string(result.Outcome),
		DoneCount:    result.DoneCount,
		TotalClients: result.TotalClients,
		Triggered:    result.Triggered,
	})
}

// GetJobStatus handles GET /api/job-status/:jobId
func (h *JobHandler) GetJobStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	status, err := h.coordinator.Status(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Unknown jobId %s", jobID),
		})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job status",
		})
		return
	}

	c.JSON(http.StatusOK, dto.NewJobStatusResponse(status))
}

// Aggregate handles POST /api/aggregate/:jobId
// Re-dispatches aggregation for a job whose barrier closed without a completed result
func (h *JobHandler) Aggregate(c *gin.Context) {
	jobID := c.Param("jobId")

	err := h.coordinator.Retrigger(c.Request.Context(), jobID)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{
			"message": fmt.Sprintf("Aggregation for job %s dispatched.", jobID),
			"jobId":   jobID,
		})

	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("Unknown jobId %s", jobID),
		})

	case errors.Is(err, domain.ErrBarrierOpen),
		errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrAggregationRunning),
		errors.Is(err, worker.ErrAlreadyInFlight):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"jobId": jobID,
		})

	default:
		h.logger.Error("Failed to re-trigger aggregation",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Failed to dispatch aggregation",
		})
	}
}
