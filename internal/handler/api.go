package handler

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cognitive-traces/internal/llm"
	"cognitive-traces/internal/metrics"
	"cognitive-traces/internal/models"
	"cognitive-traces/internal/review"
	"cognitive-traces/internal/service"
	"cognitive-traces/internal/store"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler handles HTTP requests
type Handler struct {
	annotator *service.Annotator
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(annotator *service.Annotator, logger *zap.Logger) *Handler {
	return &Handler{
		annotator: annotator,
		logger:    logger,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// Jobs
		api.POST("/jobs", h.StartJob)
		api.GET("/jobs/:id", h.GetJobStatus)
		api.POST("/jobs/:id/stop", h.StopJob)
		api.GET("/jobs/:id/summary", h.GetSummary)

		// Review
		api.GET("/jobs/:id/sessions/:sid/log", h.GetSessionLog)
		api.POST("/jobs/:id/sessions/:sid/override", h.ApplyOverride)

		// Export
		api.GET("/jobs/:id/export/csv", h.ExportCSV)

		// Routing info
		api.GET("/models/*id", h.GetModelInfo)
		api.GET("/labels", h.GetLabels)
	}

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// startJobRequest accepts sessions in either dataset form.
type startJobRequest struct {
	JobID       string          `json:"job_id"`
	DatasetName string          `json:"dataset_name"`
	Sessions    json.RawMessage `json:"sessions"`
	LLM         *llm.Config     `json:"llm_config"`
}

type overrideRequest struct {
	Label string `json:"label" binding:"required"`
}

// StartJob validates a dataset and starts annotating it in the background
func (h *Handler) StartJob(c *gin.Context) {
	var req startJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessions, err := models.DecodeSessions(req.Sessions)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.annotator.Start(c.Request.Context(), service.JobRequest{
		JobID:       req.JobID,
		DatasetName: req.DatasetName,
		Sessions:    sessions,
		LLM:         req.LLM,
	})
	if err != nil {
		if errors.Is(err, service.ErrJobRunning) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Warn("Failed to start job", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"status":  models.StatusProcessing,
		"message": "Annotation started. Check /api/v1/jobs/" + jobID + " for status",
	})
}

// GetJobStatus returns job progress
func (h *Handler) GetJobStatus(c *gin.Context) {
	progress, err := h.annotator.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get job status")
		return
	}
	c.JSON(http.StatusOK, progress)
}

// StopJob requests a graceful stop
func (h *Handler) StopJob(c *gin.Context) {
	jobID := c.Param("id")
	if err := h.annotator.RequestStop(jobID); err != nil {
		h.respondError(c, err, "failed to stop job")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id":  jobID,
		"message": "Stop requested; the job halts after the current session",
	})
}

// GetSummary returns the summary of a finished job
func (h *Handler) GetSummary(c *gin.Context) {
	summary, err := h.annotator.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "failed to get summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetSessionLog returns the log of one session
func (h *Handler) GetSessionLog(c *gin.Context) {
	log, err := h.annotator.SessionLog(c.Request.Context(), c.Param("id"), c.Param("sid"))
	if err != nil {
		h.respondError(c, err, "failed to get session log")
		return
	}
	c.JSON(http.StatusOK, log)
}

// ApplyOverride relabels the flagged events of a session
func (h *Handler) ApplyOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.annotator.ApplyOverride(c.Request.Context(), c.Param("id"), c.Param("sid"), req.Label)
	if err != nil {
		h.respondError(c, err, "failed to apply override")
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExportCSV streams the output rows of a job
func (h *Handler) ExportCSV(c *gin.Context) {
	jobID := c.Param("id")
	rows, err := h.annotator.Rows(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "export failed")
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s_cognitive_traces.csv", jobID))

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	writer.Write(store.Header)
	for _, row := range rows {
		writer.Write(store.EncodeRow(row))
	}
}

// GetModelInfo describes how a model id is routed
func (h *Handler) GetModelInfo(c *gin.Context) {
	model := strings.TrimPrefix(c.Param("id"), "/")
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model id is required"})
		return
	}
	c.JSON(http.StatusOK, h.annotator.ModelInfo(model))
}

// GetLabels returns the label schema
func (h *Handler) GetLabels(c *gin.Context) {
	labels := make([]gin.H, 0, len(models.Labels))
	for _, l := range models.Labels {
		labels = append(labels, gin.H{"label": l, "description": models.LabelDescriptions[l]})
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "cognitive-traces",
		"version": "1.0.0",
	})
}

func (h *Handler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, service.ErrJobNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrInvalidLabel), errors.Is(err, store.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}
