package config

import (
	"time"

	"github.com/lorastudio/backend/models"
)

// TrainingJob is one row per training attempt. The record is the single
// source of truth for training state: the orchestrator's background run and
// the provider webhook both write to it, never the UI.
type TrainingJob struct {
	ID             string                `gorm:"primaryKey"`
	UserID         string                `gorm:"index"`
	LoraName       string
	TrainingParams string                `gorm:"type:jsonb"` // params as JSON for reconstruction
	InputFiles     string                `gorm:"type:text"`  // object key of the uploaded dataset archive
	OutputLora     string                `gorm:"type:text"`  // public URL of the extracted artifact
	TrainingID     string                `gorm:"index"`      // provider's identifier for the remote training
	Status         models.TrainingStatus `gorm:"index"`
	Message        string                `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TableName overrides the table name
func (TrainingJob) TableName() string {
	return "lora_training"
}

// User mirrors the account table owned by the auth service. This backend
// only reads it to look up contact addresses for notifications.
type User struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"index"`
	FullName  string
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the table name
func (User) TableName() string {
	return "users"
}
