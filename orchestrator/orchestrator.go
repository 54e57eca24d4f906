// Package orchestrator drives a LoRA training from submission to its
// terminal state: dataset packaging and upload, remote model and job
// creation, status polling, artifact extraction and persistence.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/archive"
	"github.com/lorastudio/backend/config"
	"github.com/lorastudio/backend/models"
	"github.com/lorastudio/backend/notifier"
	"github.com/lorastudio/backend/replicate"
	"github.com/lorastudio/backend/repository"
	"github.com/lorastudio/backend/storage"
	"github.com/lorastudio/backend/worker"
)

// Bounds on the submitted dataset size.
const (
	MinImages = 10
	MaxImages = 25
)

// ValidationError describes a rejected submission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Trainer is the remote GPU training provider surface the orchestrator uses.
type Trainer interface {
	CreateModel(ctx context.Context, owner, name, hardware string) error
	StartTraining(ctx context.Context, destination string, dataset []byte, params models.TrainingParams, triggerWord string) (*replicate.Training, error)
	PollStatus(ctx context.Context, pollURL string) (*replicate.Training, error)
	FetchArtifact(ctx context.Context, url string) ([]byte, error)
	DeleteModel(ctx context.Context, owner, name string) error
}

// Settings holds the orchestration parameters.
type Settings struct {
	ModelOwner   string
	ModelName    string
	Hardware     string
	InputBucket  string
	OutputBucket string
	PollInterval time.Duration
	MaxDuration  time.Duration
}

// Submission is a user's training request.
type Submission struct {
	LoraName string
	Params   models.TrainingParams
	Images   []archive.File
}

// Orchestrator ties the job store, blob store, remote trainer and notifier
// together.
type Orchestrator struct {
	repo     *repository.Repository
	blobs    storage.BlobStore
	trainer  Trainer
	notifier *notifier.Notifier
	pool     *worker.Pool
	settings Settings
	logger   *logrus.Logger
}

// New creates an orchestrator with explicitly injected collaborators.
func New(repo *repository.Repository, blobs storage.BlobStore, trainer Trainer, notif *notifier.Notifier, pool *worker.Pool, settings Settings, logger *logrus.Logger) *Orchestrator {
	if settings.PollInterval <= 0 {
		settings.PollInterval = 10 * time.Second
	}
	if settings.MaxDuration <= 0 {
		settings.MaxDuration = 6 * time.Hour
	}
	return &Orchestrator{
		repo:     repo,
		blobs:    blobs,
		trainer:  trainer,
		notifier: notif,
		pool:     pool,
		settings: settings,
		logger:   logger,
	}
}

// Submit validates the submission, stores the packaged dataset, creates the
// job record and hands the run to the worker pool. It returns as soon as the
// job is accepted; from then on progress is reported only through the job
// record, never to the submitting caller.
func (o *Orchestrator) Submit(ctx context.Context, userID string, sub Submission) (*config.TrainingJob, error) {
	if strings.TrimSpace(sub.LoraName) == "" {
		return nil, &ValidationError{Reason: "loraName is required"}
	}
	if n := len(sub.Images); n < MinImages || n > MaxImages {
		return nil, &ValidationError{Reason: fmt.Sprintf("between %d and %d images are required, got %d", MinImages, MaxImages, n)}
	}

	active, err := o.repo.ActiveJob(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if active != nil {
		return nil, repository.ErrConflict
	}

	if err := sub.Params.Validate(); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("invalid training params: %v", err)}
	}

	dataset, err := archive.Pack(sub.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to package dataset: %w", err)
	}
	inputKey := fmt.Sprintf("%s/%s.tar", userID, sub.LoraName)
	if err := o.blobs.Upload(ctx, o.settings.InputBucket, inputKey, dataset, "application/x-tar", true); err != nil {
		return nil, fmt.Errorf("failed to store dataset: %w", err)
	}

	job, err := o.repo.CreateTrainingJob(userID, sub.LoraName, sub.Params, inputKey)
	if err != nil {
		return nil, err
	}

	if err := o.pool.Submit(&trainingRun{orc: o, job: job}); err != nil {
		// The record exists but nothing will drive it; fail it so the user
		// is not stuck behind the per-user conflict guard.
		if _, terr := o.repo.MarkTerminal(job.ID, models.StatusFailed, map[string]interface{}{
			"message": "could not schedule training run",
		}); terr != nil {
			o.logger.WithError(terr).WithField("job_id", job.ID).Error("failed to fail unscheduled job")
		}
		return nil, fmt.Errorf("failed to schedule training run: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"job_id":  job.ID,
		"user_id": userID,
		"lora":    sub.LoraName,
	}).Info("training submitted")
	return job, nil
}

// trainingRun drives one job to its terminal state on a pool worker.
type trainingRun struct {
	orc *Orchestrator
	job *config.TrainingJob
}

func (t *trainingRun) ID() string {
	return t.job.ID
}

func (t *trainingRun) Run(ctx context.Context) error {
	o := t.orc
	ctx, cancel := context.WithTimeout(ctx, o.settings.MaxDuration)
	defer cancel()

	if err := o.execute(ctx, t.job); err != nil {
		o.logger.WithError(err).WithField("job_id", t.job.ID).Error("training run failed")
		// The run context may already be dead; the failure must still land
		// in the record.
		if ferr := o.notifier.TrainingFailed(context.Background(), t.job.ID, err.Error()); ferr != nil {
			o.logger.WithError(ferr).WithField("job_id", t.job.ID).Error("failed to record training failure")
		}
		return err
	}
	return nil
}

// execute runs the full pipeline for a created job. Any error is converted
// into a failed status by the caller.
func (o *Orchestrator) execute(ctx context.Context, job *config.TrainingJob) error {
	var params models.TrainingParams
	if err := json.Unmarshal([]byte(job.TrainingParams), &params); err != nil {
		return fmt.Errorf("failed to unmarshal training params: %w", err)
	}

	dataset, err := o.blobs.Download(ctx, o.settings.InputBucket, job.InputFiles)
	if err != nil {
		return fmt.Errorf("failed to download dataset: %w", err)
	}

	if err := o.trainer.CreateModel(ctx, o.settings.ModelOwner, o.settings.ModelName, o.settings.Hardware); err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	// The model is deleted whatever the outcome; the artifact, once
	// extracted, lives in blob storage.
	defer o.deleteModel(job.ID)

	destination := o.settings.ModelOwner + "/" + o.settings.ModelName
	training, err := o.trainer.StartTraining(ctx, destination, dataset, params, job.LoraName)
	if err != nil {
		return fmt.Errorf("failed to start training: %w", err)
	}

	// Webhook deliveries carry the provider's training id, so it has to be
	// resolvable back to this job.
	if err := o.repo.SetTrainingID(job.ID, training.ID); err != nil {
		o.logger.WithError(err).WithField("job_id", job.ID).Warn("failed to record provider training id")
	}

	final, err := o.awaitTraining(ctx, job.ID, training.URLs.Get)
	if err != nil {
		return err
	}

	if final.Status != replicate.StatusSucceeded {
		reason := final.Error
		if reason == "" {
			reason = final.Status
		}
		return fmt.Errorf("training finished with status %q: %s", final.Status, reason)
	}
	if final.Output == nil || final.Output.Weights == "" {
		return fmt.Errorf("training succeeded but returned no weights")
	}

	return o.persistArtifact(ctx, job, final.Output.Weights)
}

// awaitTraining polls the remote job at a fixed interval until it reaches a
// terminal status or the run deadline expires. A failed poll is retried on
// the next tick, never sooner.
func (o *Orchestrator) awaitTraining(ctx context.Context, jobID, pollURL string) (*replicate.Training, error) {
	ticker := time.NewTicker(o.settings.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("gave up waiting for training: %w", ctx.Err())
		case <-ticker.C:
			st, err := o.trainer.PollStatus(ctx, pollURL)
			if err != nil {
				o.logger.WithError(err).WithField("job_id", jobID).Warn("status poll failed")
				continue
			}
			o.logger.WithFields(logrus.Fields{
				"job_id": jobID,
				"status": st.Status,
			}).Info("training status")
			if replicate.TerminalStatus(st.Status) {
				return st, nil
			}
		}
	}
}

// persistArtifact downloads the weights archive, extracts the model file and
// publishes it, then records completion.
func (o *Orchestrator) persistArtifact(ctx context.Context, job *config.TrainingJob, weightsURL string) error {
	data, err := o.trainer.FetchArtifact(ctx, weightsURL)
	if err != nil {
		return fmt.Errorf("failed to fetch weights: %w", err)
	}

	entries, err := archive.Unpack(data)
	if err != nil {
		return fmt.Errorf("failed to unpack weights archive: %w", err)
	}
	entry, err := archive.FindByExtension(entries, ".safetensors")
	if err != nil {
		return err
	}

	outputKey := fmt.Sprintf("%s/%s.safetensors", job.UserID, job.LoraName)
	if err := o.blobs.Upload(ctx, o.settings.OutputBucket, outputKey, entry.Content, "application/octet-stream", true); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	url := o.blobs.PublicURL(o.settings.OutputBucket, outputKey)
	if err := o.notifier.TrainingSucceeded(ctx, job.ID, job.UserID, url); err != nil {
		return fmt.Errorf("failed to record completion: %w", err)
	}

	o.logger.WithFields(logrus.Fields{
		"job_id": job.ID,
		"output": url,
	}).Info("training completed")
	return nil
}

// deleteModel is best-effort cleanup; a failure is recorded but never
// changes the job's outcome.
func (o *Orchestrator) deleteModel(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := o.trainer.DeleteModel(ctx, o.settings.ModelOwner, o.settings.ModelName); err != nil {
		o.logger.WithError(err).WithField("job_id", jobID).Warn("failed to delete remote model")
	}
}
