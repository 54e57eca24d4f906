package monitor

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/models"
	"github.com/lorastudio/backend/repository"
)

// StaleJobMonitor fails processing jobs that outlived the training deadline.
// It is a backstop for runs lost to a crash or an abandoned remote job; the
// orchestrator normally reaches a terminal state on its own.
type StaleJobMonitor struct {
	repo     *repository.Repository
	maxAge   time.Duration
	interval time.Duration
	logger   *logrus.Logger
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewStaleJobMonitor creates a monitor that sweeps every interval and fails
// processing jobs older than maxAge.
func NewStaleJobMonitor(repo *repository.Repository, maxAge, interval time.Duration, logger *logrus.Logger) *StaleJobMonitor {
	return &StaleJobMonitor{
		repo:     repo,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *StaleJobMonitor) Start() {
	m.wg.Add(1)
	go m.monitorLoop()
	m.logger.WithFields(logrus.Fields{
		"interval": m.interval,
		"max_age":  m.maxAge,
	}).Info("stale job monitor started")
}

// Stop stops the monitor gracefully.
func (m *StaleJobMonitor) Stop() {
	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("stale job monitor stopped")
}

func (m *StaleJobMonitor) monitorLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep fails every processing job past the deadline. MarkTerminal is
// conditional, so racing a run that completes at the same moment is safe.
func (m *StaleJobMonitor) sweep() {
	jobs, err := m.repo.ListActiveJobs()
	if err != nil {
		m.logger.WithError(err).Error("failed to list active jobs")
		return
	}

	now := time.Now()
	for _, job := range jobs {
		if job.Status != models.StatusProcessing {
			continue
		}
		if now.Sub(job.CreatedAt) < m.maxAge {
			continue
		}

		updated, err := m.repo.MarkTerminal(job.ID, models.StatusFailed, map[string]interface{}{
			"message": "training exceeded the maximum duration",
		})
		if err != nil {
			m.logger.WithError(err).WithField("job_id", job.ID).Error("failed to fail stale job")
			continue
		}
		if updated {
			m.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"age":    now.Sub(job.CreatedAt),
			}).Warn("stale training job marked failed")
		}
	}
}
