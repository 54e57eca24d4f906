package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lorastudio/backend/config"
	"github.com/lorastudio/backend/models"
)

var (
	// ErrConflict is returned when the user already has a training run in flight.
	ErrConflict = errors.New("training already in progress")
	// ErrNotFound is returned when no matching record exists.
	ErrNotFound = errors.New("record not found")
)

// Repository handles database operations
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateTrainingJob inserts a new processing job for the user. The active-job
// check and the insert run in a single transaction so two submissions in a
// tight window cannot both pass the guard.
func (r *Repository) CreateTrainingJob(userID, loraName string, params models.TrainingParams, inputRef string) (*config.TrainingJob, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal training params: %w", err)
	}

	now := time.Now()
	job := &config.TrainingJob{
		ID:             uuid.New().String(),
		UserID:         userID,
		LoraName:       loraName,
		TrainingParams: string(paramsJSON),
		InputFiles:     inputRef,
		Status:         models.StatusProcessing,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = r.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&config.TrainingJob{}).
			Where("user_id = ? AND status = ?", userID, models.StatusProcessing).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check active jobs: %w", err)
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// GetTrainingJob retrieves a training job by ID
func (r *Repository) GetTrainingJob(id string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetLatestJob returns the user's most recent job by creation time, or nil
// when the user has never trained.
func (r *Repository) GetLatestJob(userID string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	err := r.db.Where("user_id = ?", userID).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ActiveJob returns the user's processing job, or nil when none exists.
func (r *Repository) ActiveJob(userID string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	err := r.db.Where("user_id = ? AND status = ?", userID, models.StatusProcessing).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SetTrainingID records the provider's identifier for the remote training so
// webhook deliveries can be resolved back to the job.
func (r *Repository) SetTrainingID(id, trainingID string) error {
	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"training_id": trainingID,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetJobByTrainingID resolves a provider training identifier to the job it
// was recorded for.
func (r *Repository) GetJobByTrainingID(trainingID string) (*config.TrainingJob, error) {
	var job config.TrainingJob
	if err := r.db.Where("training_id = ?", trainingID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// UpdateStatus applies a partial update and always refreshes updated_at.
func (r *Repository) UpdateStatus(id string, status models.TrainingStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkTerminal moves a processing job to a terminal status. The write is
// conditional on the job still being in processing, so the polling path
// racing the webhook, or a webhook delivered twice, is safe: the second
// writer sees an already-terminal row and reports a no-op.
func (r *Repository) MarkTerminal(id string, status models.TrainingStatus, fields map[string]interface{}) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}

	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := r.db.Model(&config.TrainingJob{}).
		Where("id = ? AND status = ?", id, models.StatusProcessing).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	// Either the job is already terminal or it does not exist.
	var job config.TrainingJob
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	return false, nil
}

// ListActiveJobs lists all jobs that are not in a terminal state
func (r *Repository) ListActiveJobs() ([]config.TrainingJob, error) {
	var jobs []config.TrainingJob
	err := r.db.Where("status NOT IN (?)", []models.TrainingStatus{models.StatusCompleted, models.StatusFailed}).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetUserEmail looks up the contact address for a user.
func (r *Repository) GetUserEmail(userID string) (string, error) {
	var user config.User
	if err := r.db.Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return user.Email, nil
}

// ToResponse converts a database TrainingJob to API response
func (r *Repository) ToResponse(job *config.TrainingJob) (*models.TrainingJobResponse, error) {
	var params models.TrainingParams
	if err := json.Unmarshal([]byte(job.TrainingParams), &params); err != nil {
		return nil, fmt.Errorf("failed to unmarshal training params: %w", err)
	}

	return &models.TrainingJobResponse{
		ID:         job.ID,
		LoraName:   job.LoraName,
		Params:     params,
		Status:     job.Status,
		Message:    job.Message,
		OutputLora: job.OutputLora,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}, nil
}
