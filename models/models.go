package models

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// TrainingStatus is the lifecycle state of a training job.
type TrainingStatus string

const (
	StatusPending    TrainingStatus = "pending"
	StatusProcessing TrainingStatus = "processing"
	StatusCompleted  TrainingStatus = "completed"
	StatusFailed     TrainingStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s TrainingStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TrainingParams holds the user-tunable hyperparameters passed to the remote
// trainer. Each field is independently bounded.
type TrainingParams struct {
	Steps        int     `json:"steps" validate:"required,min=1000,max=10000"`
	LoraRank     int     `json:"loraRank" validate:"required,min=1,max=64"`
	BatchSize    int     `json:"batchSize" validate:"required,min=1,max=8"`
	LearningRate float64 `json:"learningRate" validate:"required,gte=0.0001,lte=0.01"`
	Optimizer    string  `json:"optimizer" validate:"required,oneof=adamw adam prodigy adamw8bit"`
}

var validate = validator.New()

// Validate checks every field against its training bound.
func (p *TrainingParams) Validate() error {
	return validate.Struct(p)
}

// TrainingJobResponse is the job representation returned to the frontend.
type TrainingJobResponse struct {
	ID         string         `json:"id"`
	LoraName   string         `json:"loraName"`
	Params     TrainingParams `json:"trainingParams"`
	Status     TrainingStatus `json:"status"`
	Message    string         `json:"message,omitempty"`
	OutputLora string         `json:"outputLora,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// WebhookPayload is the callback body sent by the training provider when a
// job reaches a terminal state. ID is the provider's training identifier;
// the webhook handler also accepts a local job id in its place.
type WebhookPayload struct {
	ID     string         `json:"id"`
	Status string         `json:"status"`
	Output *WebhookOutput `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// WebhookOutput carries the artifact location on success. The provider has
// shipped both field names over time, so both are accepted.
type WebhookOutput struct {
	Weights string `json:"weights,omitempty"`
	LoraURL string `json:"lora_url,omitempty"`
}
