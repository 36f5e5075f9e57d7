package notifications

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/streamsync/streamsync/internal/domain"
)

// Service provides the producer and read surface over the job store. It only
// inserts notification and job rows and reads them back; delivery itself is
// the worker's business.
type Service struct {
	repo Repository
}

// NewService creates a notifications service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateTestNotification stores a notification and enqueues its delivery job.
// The job enters the queue as pending; the sent flag stays false until the
// worker reports a successful push.
func (s *Service) CreateTestNotification(ctx context.Context, userID, title, body string) (*domain.Notification, string, error) {
	if title == "" {
		title = "Test Notification"
	}
	if body == "" {
		body = "This is a test notification from StreamSync"
	}

	n := &domain.Notification{
		ID:       uuid.New().String(),
		UserID:   userID,
		Title:    title,
		Body:     body,
		Metadata: map[string]string{"type": "test"},
	}

	jobID, err := s.repo.CreateNotification(ctx, n)
	if err != nil {
		return nil, "", err
	}
	return n, jobID, nil
}

// ListNotifications returns the user's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID string, limit int, since *time.Time) ([]domain.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListNotifications(ctx, userID, limit, since)
}

// MarkRead marks a user's notification as read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.repo.MarkNotificationRead(ctx, userID, notificationID)
}

// Delete soft-deletes a user's notification.
func (s *Service) Delete(ctx context.Context, userID, notificationID string) error {
	return s.repo.DeleteNotification(ctx, userID, notificationID)
}

// RegisterDeviceToken registers a push delivery target for the user.
func (s *Service) RegisterDeviceToken(ctx context.Context, userID, token, platform string) error {
	return s.repo.RegisterDeviceToken(ctx, &domain.DeviceToken{
		ID:       uuid.New().String(),
		UserID:   userID,
		Token:    token,
		Platform: platform,
	})
}
