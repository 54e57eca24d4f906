// Package notifier applies terminal job transitions and tells the user
// about them. It is driven both by the orchestrator's own polling loop and
// by the provider's webhook, and is safe to invoke more than once per job.
package notifier

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/models"
	"github.com/lorastudio/backend/repository"
)

// Mailer dispatches a single outbound notification.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// Notifier updates job records on terminal transitions and emails the owner
// on success.
type Notifier struct {
	repo   *repository.Repository
	mailer Mailer
	appURL string
	logger *logrus.Logger
}

// New creates a notifier.
func New(repo *repository.Repository, mailer Mailer, appURL string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		repo:   repo,
		mailer: mailer,
		appURL: appURL,
		logger: logger,
	}
}

// TrainingSucceeded marks the job completed with its artifact URL and, only
// when the record actually transitioned, sends one notification to the
// owner. A duplicate delivery finds the job already terminal and does
// nothing. Mail failures are logged, never rolled back into the status.
func (n *Notifier) TrainingSucceeded(ctx context.Context, jobID, userID, outputURL string) error {
	updated, err := n.repo.MarkTerminal(jobID, models.StatusCompleted, map[string]interface{}{
		"output_lora": outputURL,
		"message":     "training completed",
	})
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if !updated {
		n.logger.WithField("job_id", jobID).Info("job already terminal, skipping notification")
		return nil
	}

	n.notifyUser(ctx, jobID, userID)
	return nil
}

// TrainingFailed marks the job failed with the given reason. No notification
// is sent for failures.
func (n *Notifier) TrainingFailed(ctx context.Context, jobID, reason string) error {
	updated, err := n.repo.MarkTerminal(jobID, models.StatusFailed, map[string]interface{}{
		"message": reason,
	})
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if !updated {
		n.logger.WithField("job_id", jobID).Info("job already terminal, failure not recorded")
	}
	return nil
}

func (n *Notifier) notifyUser(ctx context.Context, jobID, userID string) {
	email, err := n.repo.GetUserEmail(userID)
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"job_id":  jobID,
			"user_id": userID,
		}).Warn("could not resolve user email, skipping notification")
		return
	}

	subject := "Your AI Model Training is Complete"
	html := fmt.Sprintf(`<h1>Training Complete!</h1>
<p>Your AI model training has completed successfully. You can now start generating images using your custom model.</p>
<p>Visit the dashboard to start creating: <a href="%s/dashboard/generate">Generate Images</a></p>`, n.appURL)

	if err := n.mailer.Send(ctx, email, subject, html); err != nil {
		n.logger.WithError(err).WithField("job_id", jobID).Warn("failed to send completion email")
		return
	}

	n.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"to":     email,
	}).Info("completion email sent")
}
