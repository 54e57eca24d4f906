package replicate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testClient(baseURL string) *Client {
	return NewClient(Config{BaseURL: baseURL, Token: "test-token"}, testLogger())
}

func testParams() models.TrainingParams {
	return models.TrainingParams{
		Steps:        2000,
		LoraRank:     32,
		BatchSize:    1,
		LearningRate: 0.0001,
		Optimizer:    "adamw",
	}
}

func TestCreateModel(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Token test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).CreateModel(context.Background(), "acme", "api_train_lora", "gpu-a100-large"); err != nil {
		t.Fatalf("CreateModel failed: %v", err)
	}
	if gotBody["owner"] != "acme" || gotBody["name"] != "api_train_lora" || gotBody["hardware"] != "gpu-a100-large" {
		t.Errorf("unexpected payload: %+v", gotBody)
	}
}

func TestCreateModelConflictMeansExisting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).CreateModel(context.Background(), "acme", "api_train_lora", "gpu-a100-large"); err != nil {
		t.Fatalf("a conflict must be treated as success, got: %v", err)
	}
}

func TestStartTraining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/trainings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body struct {
			Destination string                 `json:"destination"`
			Version     string                 `json:"version"`
			Input       map[string]interface{} `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		if body.Destination != "acme/api_train_lora" {
			t.Errorf("unexpected destination %q", body.Destination)
		}
		if body.Input["trigger_word"] != "mylora" {
			t.Errorf("unexpected trigger word %v", body.Input["trigger_word"])
		}
		if images, _ := body.Input["input_images"].(string); !strings.HasPrefix(images, "data:application/x-tar;base64,") {
			t.Errorf("dataset was not inlined as a data URI: %.40q", images)
		}

		json.NewEncoder(w).Encode(Training{
			ID:     "train-1",
			Status: StatusTraining,
			URLs:   TrainingURLs{Get: "https://api.test/v1/trainings/train-1"},
		})
	}))
	defer srv.Close()

	training, err := testClient(srv.URL).StartTraining(context.Background(), "acme/api_train_lora", []byte("dataset"), testParams(), "mylora")
	if err != nil {
		t.Fatalf("StartTraining failed: %v", err)
	}
	if training.URLs.Get != "https://api.test/v1/trainings/train-1" {
		t.Errorf("unexpected poll URL %q", training.URLs.Get)
	}
}

func TestStartTrainingMissingPollURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Training{ID: "train-1", Status: StatusTraining})
	}))
	defer srv.Close()

	if _, err := testClient(srv.URL).StartTraining(context.Background(), "acme/m", []byte("dataset"), testParams(), "mylora"); err == nil {
		t.Fatal("expected an error for a response without a poll URL")
	}
}

func TestPollStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token test-token" {
			t.Errorf("unexpected auth header %q", got)
		}
		json.NewEncoder(w).Encode(Training{
			ID:     "train-1",
			Status: StatusSucceeded,
			Output: &TrainingOutput{Weights: "https://delivery.test/weights.tar"},
		})
	}))
	defer srv.Close()

	st, err := testClient(srv.URL).PollStatus(context.Background(), srv.URL+"/v1/trainings/train-1")
	if err != nil {
		t.Fatalf("PollStatus failed: %v", err)
	}
	if st.Status != StatusSucceeded || st.Output == nil || st.Output.Weights != "https://delivery.test/weights.tar" {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestFetchArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("artifact fetch must not send credentials")
		}
		w.Write([]byte("tar bytes"))
	}))
	defer srv.Close()

	data, err := testClient(srv.URL).FetchArtifact(context.Background(), srv.URL+"/weights.tar")
	if err != nil {
		t.Fatalf("FetchArtifact failed: %v", err)
	}
	if string(data) != "tar bytes" {
		t.Errorf("unexpected artifact content %q", data)
	}
}

func TestDeleteModel(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/models/acme/api_train_lora" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).DeleteModel(context.Background(), "acme", "api_train_lora"); err != nil {
		t.Fatalf("DeleteModel failed: %v", err)
	}
	if !called {
		t.Error("delete endpoint was never called")
	}
}

func TestAPIErrorSurfacesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"detail":"out of credit"}`))
	}))
	defer srv.Close()

	err := testClient(srv.URL).CreateModel(context.Background(), "acme", "m", "gpu-a100-large")
	if err == nil {
		t.Fatal("expected an error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected APIError with status 402, got %v", err)
	}
}
