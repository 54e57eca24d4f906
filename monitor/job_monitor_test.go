package monitor

import (
	"io"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/lorastudio/backend/config"
	"github.com/lorastudio/backend/models"
	"github.com/lorastudio/backend/repository"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&config.TrainingJob{}, &config.User{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func insertJob(t *testing.T, db *gorm.DB, id, userID string, age time.Duration) {
	t.Helper()
	created := time.Now().Add(-age)
	job := &config.TrainingJob{
		ID:             id,
		UserID:         userID,
		LoraName:       "mylora",
		TrainingParams: "{}",
		Status:         models.StatusProcessing,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("failed to insert job: %v", err)
	}
}

func TestSweepFailsOnlyStaleJobs(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewRepository(db)

	insertJob(t, db, "stale", "user-1", 7*time.Hour)
	insertJob(t, db, "fresh", "user-2", time.Minute)

	m := NewStaleJobMonitor(repo, 6*time.Hour, time.Minute, testLogger())
	m.sweep()

	stale, err := repo.GetTrainingJob("stale")
	if err != nil {
		t.Fatalf("GetTrainingJob failed: %v", err)
	}
	if stale.Status != models.StatusFailed {
		t.Errorf("expected stale job failed, got %s", stale.Status)
	}
	if stale.Message != "training exceeded the maximum duration" {
		t.Errorf("unexpected failure message %q", stale.Message)
	}

	fresh, err := repo.GetTrainingJob("fresh")
	if err != nil {
		t.Fatalf("GetTrainingJob failed: %v", err)
	}
	if fresh.Status != models.StatusProcessing {
		t.Errorf("fresh job was swept: %s", fresh.Status)
	}
}

func TestSweepLeavesTerminalJobsAlone(t *testing.T) {
	db := newTestDB(t)
	repo := repository.NewRepository(db)

	insertJob(t, db, "done", "user-1", 8*time.Hour)
	if _, err := repo.MarkTerminal("done", models.StatusCompleted, map[string]interface{}{
		"output_lora": "https://cdn.test/output-lora/user-1/mylora.safetensors",
	}); err != nil {
		t.Fatalf("MarkTerminal failed: %v", err)
	}

	m := NewStaleJobMonitor(repo, 6*time.Hour, time.Minute, testLogger())
	m.sweep()

	job, err := repo.GetTrainingJob("done")
	if err != nil {
		t.Fatalf("GetTrainingJob failed: %v", err)
	}
	if job.Status != models.StatusCompleted {
		t.Errorf("completed job was swept: %s", job.Status)
	}
	if job.OutputLora == "" {
		t.Error("sweep cleared the recorded output")
	}
}
