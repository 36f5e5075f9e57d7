// Package notifications implements the push notification delivery queue:
// durable jobs stored alongside their notifications, claimed exclusively by
// workers and resolved to a terminal state or returned for retry.
package notifications

import (
	"context"
	"time"

	"github.com/streamsync/streamsync/internal/domain"
)

// Repository defines data access for notifications and delivery jobs.
type Repository interface {
	// CreateNotification stores a notification together with its pending
	// delivery job in one transaction and returns the job id.
	CreateNotification(ctx context.Context, n *domain.Notification) (jobID string, err error)

	// Read surface used by the API layer.
	ListNotifications(ctx context.Context, userID string, limit int, since *time.Time) ([]domain.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	DeleteNotification(ctx context.Context, userID, notificationID string) error

	// Device tokens.
	RegisterDeviceToken(ctx context.Context, token *domain.DeviceToken) error
	ListDeliveryTargets(ctx context.Context, userID string) ([]string, error)

	// ClaimNextJob exclusively claims the oldest pending job, marking it
	// processing within the claim transaction. Returns nil, nil when no
	// eligible job exists or every candidate row is locked by another worker.
	ClaimNextJob(ctx context.Context) (*ClaimedJob, error)

	// MarkJobSent finalizes a successful delivery: job -> sent and the parent
	// notification's sent flag -> true, in one transaction.
	MarkJobSent(ctx context.Context, jobID, notificationID string) error

	// MarkJobDone finalizes a job without claiming delivery (degraded mode).
	MarkJobDone(ctx context.Context, jobID string) error

	// MarkJobFailed finalizes a job as permanently failed.
	MarkJobFailed(ctx context.Context, jobID, reason string) error

	// RetryOrFail returns a processing job to pending with an incremented
	// retry count, or fails it terminally once maxRetries is reached.
	// Returns the resulting status and retry count.
	RetryOrFail(ctx context.Context, jobID, reason string, maxRetries int) (JobStatus, int, error)

	// RecoverStuckJobs requeues jobs left in processing longer than olderThan,
	// e.g. after a worker crash between claim and finalize.
	RecoverStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error)

	GetQueueStats(ctx context.Context) (*QueueStats, error)
}
