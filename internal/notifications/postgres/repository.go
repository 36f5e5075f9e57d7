// Package postgres provides the PostgreSQL implementation of the
// notifications repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/streamsync/streamsync/internal/domain"
	"github.com/streamsync/streamsync/internal/notifications"
)

// Repository implements notifications.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateNotification stores a notification and its pending delivery job in
// one transaction. Returns the job id.
func (r *Repository) CreateNotification(ctx context.Context, n *domain.Notification) (string, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = tx.QueryRow(ctx, `
		INSERT INTO notifications (id, user_id, title, body, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING received_at
	`, n.ID, n.UserID, n.Title, n.Body, n.Metadata).Scan(&n.ReceivedAt)
	if err != nil {
		return "", fmt.Errorf("insert notification: %w", err)
	}

	var jobID string
	err = tx.QueryRow(ctx, `
		INSERT INTO notification_jobs (notification_id)
		VALUES ($1)
		RETURNING id
	`, n.ID).Scan(&jobID)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return jobID, nil
}

// ListNotifications returns the user's visible notifications, newest first.
func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int, since *time.Time) ([]domain.Notification, error) {
	query := `
		SELECT id, user_id, title, body, metadata, received_at, is_read, is_deleted, sent
		FROM notifications
		WHERE user_id = $1 AND is_deleted = FALSE
	`
	args := []any{userID}
	if since != nil {
		query += ` AND received_at > $2`
		args = append(args, *since)
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Notification, 0)
	for rows.Next() {
		var n domain.Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Title, &n.Body, &n.Metadata,
			&n.ReceivedAt, &n.IsRead, &n.IsDeleted, &n.Sent)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	return items, rows.Err()
}

// MarkNotificationRead sets the read flag on a user's notification.
func (r *Repository) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrNotificationNotFound
	}
	return nil
}

// DeleteNotification soft-deletes a user's notification.
func (r *Repository) DeleteNotification(ctx context.Context, userID, notificationID string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE notifications SET is_deleted = TRUE
		WHERE id = $1 AND user_id = $2 AND is_deleted = FALSE
	`, notificationID, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrNotificationNotFound
	}
	return nil
}

// RegisterDeviceToken upserts a device token. A token re-registered by a
// different account moves to that account.
func (r *Repository) RegisterDeviceToken(ctx context.Context, token *domain.DeviceToken) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO device_tokens (id, user_id, token, platform)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform
	`, token.ID, token.UserID, token.Token, token.Platform)
	if err != nil {
		return fmt.Errorf("register device token: %w", err)
	}
	return nil
}

// ListDeliveryTargets returns all device tokens registered by a user.
func (r *Repository) ListDeliveryTargets(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT token FROM device_tokens WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list delivery targets: %w", err)
	}
	defer rows.Close()

	tokens := make([]string, 0)
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// ClaimNextJob selects the oldest pending job joined with its notification
// and owning user, skipping rows locked by concurrent claimants, and marks it
// processing before committing. At most one worker can claim a given job:
// the row lock excludes it from every other claim attempt until the commit
// has durably recorded the processing status.
func (r *Repository) ClaimNextJob(ctx context.Context) (*notifications.ClaimedJob, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var job notifications.ClaimedJob
	err = tx.QueryRow(ctx, `
		SELECT nj.id, nj.notification_id, nj.retries, COALESCE(nj.last_error, ''), nj.created_at,
		       n.user_id, n.title, n.body, n.metadata
		FROM notification_jobs nj
		JOIN notifications n ON n.id = nj.notification_id
		JOIN users u ON u.id = n.user_id
		WHERE nj.status = 'pending'
		ORDER BY nj.created_at ASC
		LIMIT 1
		FOR UPDATE OF nj SKIP LOCKED
	`).Scan(&job.ID, &job.NotificationID, &job.Retries, &job.LastError, &job.CreatedAt,
		&job.UserID, &job.Title, &job.Body, &job.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	var processingAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE notification_jobs
		SET status = 'processing', processing_at = NOW()
		WHERE id = $1
		RETURNING processing_at
	`, job.ID).Scan(&processingAt)
	if err != nil {
		return nil, fmt.Errorf("mark job processing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = notifications.JobStatusProcessing
	job.ProcessingAt = &processingAt
	return &job, nil
}

// MarkJobSent finalizes a successful delivery. Calling it again for an
// already sent job is a no-op; a terminal failed job is never revived.
func (r *Repository) MarkJobSent(ctx context.Context, jobID, notificationID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	result, err := tx.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'sent', last_error = NULL
		WHERE id = $1 AND status IN ('processing', 'sent')
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark job sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}

	_, err = tx.Exec(ctx, `UPDATE notifications SET sent = TRUE WHERE id = $1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// MarkJobDone finalizes a job without claiming delivery: the job leaves the
// queue but the parent notification's sent flag stays false.
func (r *Repository) MarkJobDone(ctx context.Context, jobID string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'sent', last_error = 'push delivery not configured'
		WHERE id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// MarkJobFailed finalizes a job as permanently failed.
func (r *Repository) MarkJobFailed(ctx context.Context, jobID, reason string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'failed', last_error = $2
		WHERE id = $1 AND status = 'processing'
	`, jobID, reason)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrJobNotFound
	}
	return nil
}

// RetryOrFail returns a processing job to pending with retries incremented,
// or fails it terminally once the retry budget is spent. The read and the
// conditional write share one transaction so the count and status move
// together.
func (r *Repository) RetryOrFail(ctx context.Context, jobID, reason string, maxRetries int) (notifications.JobStatus, int, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return "", 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var retries int
	err = tx.QueryRow(ctx, `
		SELECT retries FROM notification_jobs
		WHERE id = $1 AND status = 'processing'
		FOR UPDATE
	`, jobID).Scan(&retries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, notifications.ErrJobNotFound
		}
		return "", 0, fmt.Errorf("select job for retry: %w", err)
	}

	status := notifications.JobStatusPending
	if retries >= maxRetries {
		status = notifications.JobStatusFailed
		_, err = tx.Exec(ctx, `
			UPDATE notification_jobs SET status = 'failed', last_error = $2 WHERE id = $1
		`, jobID, "max retries exceeded: "+reason)
		if err != nil {
			return "", 0, fmt.Errorf("fail job: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE notification_jobs
			SET status = 'pending', retries = retries + 1, last_error = $2, processing_at = NULL
			WHERE id = $1
			RETURNING retries
		`, jobID, reason).Scan(&retries)
		if err != nil {
			return "", 0, fmt.Errorf("requeue job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", 0, fmt.Errorf("commit transaction: %w", err)
	}
	return status, retries, nil
}

// RecoverStuckJobs requeues jobs left in processing past the lease timeout.
// The retry count is untouched: a crashed worker is not a delivery failure.
func (r *Repository) RecoverStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE notification_jobs
		SET status = 'pending', processing_at = NULL
		WHERE status = 'processing' AND processing_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetQueueStats returns job counts by status.
func (r *Repository) GetQueueStats(ctx context.Context) (*notifications.QueueStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, COUNT(*) FROM notification_jobs GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("get queue stats: %w", err)
	}
	defer rows.Close()

	stats := &notifications.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue stats: %w", err)
		}
		switch notifications.JobStatus(status) {
		case notifications.JobStatusPending:
			stats.Pending = count
		case notifications.JobStatusProcessing:
			stats.Processing = count
		case notifications.JobStatusSent:
			stats.Sent = count
		case notifications.JobStatusFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}
