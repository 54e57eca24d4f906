// Package replicate is a thin client for the GPU training provider's job
// API: model creation, training start, status polling, artifact fetch and
// model deletion.
package replicate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/models"
)

const (
	// DefaultBaseURL is the provider's API root.
	DefaultBaseURL = "https://api.replicate.com"
	// DefaultTrainerVersion is the pinned flux LoRA trainer.
	DefaultTrainerVersion = "ostris/flux-dev-lora-trainer:b6af14222e6bd9be257cbc1ea4afda3cd0503e1133083b9d1de0364d8568e6ef"
)

// Remote job statuses as reported by the provider.
const (
	StatusTraining  = "training"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// TerminalStatus reports whether the remote job has finished.
func TerminalStatus(status string) bool {
	return status == StatusSucceeded || status == StatusFailed || status == StatusCancelled
}

// Training is the provider's view of a training job.
type Training struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	URLs   TrainingURLs    `json:"urls"`
	Output *TrainingOutput `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// TrainingURLs holds the follow-up endpoints returned at training start.
type TrainingURLs struct {
	Get    string `json:"get"`
	Cancel string `json:"cancel"`
}

// TrainingOutput holds the artifact location once a training succeeds.
type TrainingOutput struct {
	Weights string `json:"weights"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds client configuration.
type Config struct {
	BaseURL        string
	Token          string
	TrainerVersion string
	HTTPClient     *http.Client
}

// Client talks to the provider's HTTP API.
type Client struct {
	baseURL        string
	token          string
	trainerVersion string
	httpClient     *http.Client
	logger         *logrus.Logger
}

// NewClient creates a provider client with explicit configuration.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TrainerVersion == "" {
		cfg.TrainerVersion = DefaultTrainerVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Client{
		baseURL:        cfg.BaseURL,
		token:          cfg.Token,
		trainerVersion: cfg.TrainerVersion,
		httpClient:     cfg.HTTPClient,
		logger:         logger,
	}
}

// CreateModel creates the destination model for a training. The provider
// does not guarantee idempotency; a conflict response means the model is
// left over from an earlier run and is treated as success.
func (c *Client) CreateModel(ctx context.Context, owner, name, hardware string) error {
	payload := map[string]interface{}{
		"owner":      owner,
		"name":       name,
		"visibility": "public",
		"hardware":   hardware,
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/models", payload)
	if err != nil {
		return fmt.Errorf("failed to create model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		c.logger.WithField("model", owner+"/"+name).Info("model already exists, reusing")
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// StartTraining submits the dataset and parameters to the trainer and
// returns the created training with its poll URL.
func (c *Client) StartTraining(ctx context.Context, destination string, dataset []byte, params models.TrainingParams, triggerWord string) (*Training, error) {
	payload := map[string]interface{}{
		"destination": destination,
		"version":     c.trainerVersion,
		"input":       trainingInput(dataset, params, triggerWord),
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/v1/trainings", payload)
	if err != nil {
		return nil, fmt.Errorf("failed to start training: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var training Training
	if err := json.NewDecoder(resp.Body).Decode(&training); err != nil {
		return nil, fmt.Errorf("failed to decode training response: %w", err)
	}
	if training.URLs.Get == "" {
		return nil, fmt.Errorf("training response is missing a poll URL")
	}

	c.logger.WithFields(logrus.Fields{
		"training_id": training.ID,
		"destination": destination,
	}).Info("training started")
	return &training, nil
}

// PollStatus fetches the current state of a training via its poll URL.
func (c *Client) PollStatus(ctx context.Context, pollURL string) (*Training, error) {
	resp, err := c.do(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to poll training: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apiError(resp)
	}

	var training Training
	if err := json.NewDecoder(resp.Body).Decode(&training); err != nil {
		return nil, fmt.Errorf("failed to decode training status: %w", err)
	}
	return &training, nil
}

// FetchArtifact downloads the result archive. Artifact URLs are pre-signed,
// so no auth header is sent.
func (c *Client) FetchArtifact(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifact request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}

// DeleteModel removes the destination model.
func (c *Client) DeleteModel(ctx context.Context, owner, name string) error {
	url := fmt.Sprintf("%s/v1/models/%s/%s", c.baseURL, owner, name)
	resp, err := c.do(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apiError(resp)
	}
	return nil
}

// trainingInput builds the trainer input payload from the user's parameters.
// The dataset is inlined as a data URI; captioning and resolution settings
// are fixed for the flux trainer.
func trainingInput(dataset []byte, params models.TrainingParams, triggerWord string) map[string]interface{} {
	return map[string]interface{}{
		"steps":                  params.Steps,
		"lora_rank":              params.LoraRank,
		"optimizer":              params.Optimizer,
		"batch_size":             params.BatchSize,
		"learning_rate":          params.LearningRate,
		"input_images":           "data:application/x-tar;base64," + base64.StdEncoding.EncodeToString(dataset),
		"trigger_word":           triggerWord,
		"autocaption":            true,
		"caption_dropout_rate":   0.05,
		"gradient_checkpointing": false,
		"resolution":             "512,768,1024",
	}
}

func (c *Client) do(ctx context.Context, method, url string, payload interface{}) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
}
