package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/archive"
	"github.com/lorastudio/backend/config"
	"github.com/lorastudio/backend/middleware"
	"github.com/lorastudio/backend/models"
	"github.com/lorastudio/backend/notifier"
	"github.com/lorastudio/backend/orchestrator"
	"github.com/lorastudio/backend/replicate"
	"github.com/lorastudio/backend/repository"
)

// Handler handles HTTP requests
type Handler struct {
	repo         *repository.Repository
	orchestrator *orchestrator.Orchestrator
	notifier     *notifier.Notifier
	logger       *logrus.Logger
}

// NewHandler creates a new handler instance
func NewHandler(repo *repository.Repository, orc *orchestrator.Orchestrator, notif *notifier.Notifier, logger *logrus.Logger) *Handler {
	return &Handler{
		repo:         repo,
		orchestrator: orc,
		notifier:     notif,
		logger:       logger,
	}
}

// StartTraining handles POST /api/v1/train.
// Multipart form: "loraName", "trainingParams" (JSON) and "images" files.
// The response acknowledges acceptance only; the run continues in the
// background and completion is reported through the job record.
func (h *Handler) StartTraining(c *gin.Context) {
	userID := middleware.GetUserID(c)

	loraName := c.PostForm("loraName")

	var params models.TrainingParams
	if raw := c.PostForm("trainingParams"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &params); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid training params",
				"details": err.Error(),
			})
			return
		}
	}

	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form", "details": err.Error()})
		return
	}

	images := make([]archive.File, 0, len(form.File["images"]))
	for _, fh := range form.File["images"] {
		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable image upload", "details": err.Error()})
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable image upload", "details": err.Error()})
			return
		}
		images = append(images, archive.File{Name: fh.Filename, Data: data})
	}

	job, err := h.orchestrator.Submit(c.Request.Context(), userID, orchestrator.Submission{
		LoraName: loraName,
		Params:   params,
		Images:   images,
	})
	if err != nil {
		var verr *orchestrator.ValidationError
		switch {
		case errors.As(err, &verr):
			c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
		case errors.Is(err, repository.ErrConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "Training is already in progress"})
		default:
			h.logger.WithError(err).WithField("user_id", userID).Error("failed to start training")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start training"})
		}
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "training_started",
		"jobId":  job.ID,
	})
}

// GetTrainingStatus handles GET /api/v1/train/status and returns the
// caller's most recent job.
func (h *Handler) GetTrainingStatus(c *gin.Context) {
	userID := middleware.GetUserID(c)

	job, err := h.repo.GetLatestJob(userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("failed to load latest job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load training status"})
		return
	}
	if job == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No training jobs found"})
		return
	}

	response, err := h.repo.ToResponse(job)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", job.ID).Error("failed to build job response")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load training status"})
		return
	}

	c.JSON(http.StatusOK, response)
}

// ReplicateWebhook handles POST /api/v1/webhooks/replicate, the provider's
// terminal-state callback. It must tolerate duplicate deliveries: a job
// already in a terminal state is acknowledged without changes.
func (h *Handler) ReplicateWebhook(c *gin.Context) {
	var payload models.WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook payload", "details": err.Error()})
		return
	}
	if payload.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Webhook payload is missing an id"})
		return
	}

	ctx := c.Request.Context()

	switch payload.Status {
	case replicate.StatusSucceeded:
		job, err := h.resolveJob(payload.ID)
		if err != nil {
			h.logger.WithError(err).WithField("job_id", payload.ID).Error("webhook for unknown job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
			return
		}

		output := ""
		if payload.Output != nil {
			output = payload.Output.LoraURL
			if output == "" {
				output = payload.Output.Weights
			}
		}

		if err := h.notifier.TrainingSucceeded(ctx, job.ID, job.UserID, output); err != nil {
			h.logger.WithError(err).WithField("job_id", job.ID).Error("failed to process success webhook")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
			return
		}

	case replicate.StatusFailed, replicate.StatusCancelled:
		job, err := h.resolveJob(payload.ID)
		if err != nil {
			h.logger.WithError(err).WithField("job_id", payload.ID).Error("webhook for unknown job")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
			return
		}

		reason := payload.Error
		if reason == "" {
			reason = "training " + payload.Status
		}
		if err := h.notifier.TrainingFailed(ctx, job.ID, reason); err != nil {
			h.logger.WithError(err).WithField("job_id", job.ID).Error("failed to process failure webhook")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Webhook processing failed"})
			return
		}

	default:
		// Progress callbacks carry no terminal state; acknowledge and move on.
		h.logger.WithFields(logrus.Fields{
			"job_id": payload.ID,
			"status": payload.Status,
		}).Info("ignoring non-terminal webhook")
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// resolveJob accepts either a local job id or the provider's training id;
// live deliveries carry the latter.
func (h *Handler) resolveJob(id string) (*config.TrainingJob, error) {
	job, err := h.repo.GetTrainingJob(id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return h.repo.GetJobByTrainingID(id)
}
