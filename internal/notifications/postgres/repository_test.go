//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamsync/streamsync/internal/domain"
	"github.com/streamsync/streamsync/internal/notifications"
	pgutil "github.com/streamsync/streamsync/internal/pkg/postgres"
	"github.com/streamsync/streamsync/internal/testutil"
	"github.com/streamsync/streamsync/migrations"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start container: %v", err)
	}

	pool, err := pgutil.Connect(ctx, pgutil.Config{
		URL:             container.ConnectionString,
		MaxOpenConns:    10,
		ConnectAttempts: 5,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}

	if err := pgutil.Migrate(migrations.FS, ".", container.ConnectionString); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	testPool = pool
	code := m.Run()

	pool.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func createUser(t *testing.T) string {
	t.Helper()
	id := uuid.New().String()
	_, err := testPool.Exec(context.Background(), `
		INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
	`, id, "Test User", fmt.Sprintf("%s@example.com", id))
	require.NoError(t, err)
	return id
}

func enqueue(t *testing.T, repo *Repository, userID string) (notificationID, jobID string) {
	t.Helper()
	n := &domain.Notification{
		ID:       uuid.New().String(),
		UserID:   userID,
		Title:    "hello",
		Body:     "world",
		Metadata: map[string]string{"type": "test"},
	}
	jobID, err := repo.CreateNotification(context.Background(), n)
	require.NoError(t, err)
	return n.ID, jobID
}

func drainQueue(t *testing.T, repo *Repository) {
	t.Helper()
	ctx := context.Background()
	for {
		job, err := repo.ClaimNextJob(ctx)
		require.NoError(t, err)
		if job == nil {
			return
		}
		require.NoError(t, repo.MarkJobFailed(ctx, job.ID, "drained"))
	}
}

func TestClaimNextJob_Exclusive(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)

	userID := createUser(t)
	_, jobID := enqueue(t, repo, userID)

	const claimants = 8
	var wg sync.WaitGroup
	claimed := make(chan *notifications.ClaimedJob, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := repo.ClaimNextJob(context.Background())
			assert.NoError(t, err)
			if job != nil {
				claimed <- job
			}
		}()
	}
	wg.Wait()
	close(claimed)

	var winners []*notifications.ClaimedJob
	for job := range claimed {
		winners = append(winners, job)
	}
	require.Len(t, winners, 1, "exactly one claimant must win")
	assert.Equal(t, jobID, winners[0].ID)
	assert.Equal(t, notifications.JobStatusProcessing, winners[0].Status)
	assert.Equal(t, userID, winners[0].UserID)
	assert.Equal(t, "hello", winners[0].Title)
	assert.NotNil(t, winners[0].ProcessingAt)
}

func TestClaimNextJob_OldestFirst(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)

	userID := createUser(t)
	_, first := enqueue(t, repo, userID)
	time.Sleep(10 * time.Millisecond)
	_, second := enqueue(t, repo, userID)

	job, err := repo.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)

	job, err = repo.ClaimNextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)

	job, err = repo.ClaimNextJob(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRetryOrFail(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)
	ctx := context.Background()

	userID := createUser(t)
	_, jobID := enqueue(t, repo, userID)

	const maxRetries = 2

	for attempt := 1; attempt <= maxRetries; attempt++ {
		job, err := repo.ClaimNextJob(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)

		status, retries, err := repo.RetryOrFail(ctx, job.ID, "push timeout", maxRetries)
		require.NoError(t, err)
		assert.Equal(t, notifications.JobStatusPending, status)
		assert.Equal(t, attempt, retries)
	}

	job, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "push timeout", job.LastError)

	status, retries, err := repo.RetryOrFail(ctx, jobID, "push timeout", maxRetries)
	require.NoError(t, err)
	assert.Equal(t, notifications.JobStatusFailed, status)
	assert.Equal(t, maxRetries, retries)

	var lastError string
	err = testPool.QueryRow(ctx, `SELECT last_error FROM notification_jobs WHERE id = $1`, jobID).Scan(&lastError)
	require.NoError(t, err)
	assert.Equal(t, "max retries exceeded: push timeout", lastError)

	// Terminal jobs never re-enter the queue.
	job, err = repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	_, _, err = repo.RetryOrFail(ctx, jobID, "push timeout", maxRetries)
	assert.ErrorIs(t, err, notifications.ErrJobNotFound)
}

func TestMarkJobSent(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)
	ctx := context.Background()

	userID := createUser(t)
	notificationID, jobID := enqueue(t, repo, userID)

	job, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, repo.MarkJobSent(ctx, jobID, notificationID))

	var sent bool
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT sent FROM notifications WHERE id = $1`, notificationID).Scan(&sent))
	assert.True(t, sent)

	// Idempotent for an already sent job.
	require.NoError(t, repo.MarkJobSent(ctx, jobID, notificationID))
}

func TestMarkJobSent_NeverRevivesFailedJob(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)
	ctx := context.Background()

	userID := createUser(t)
	notificationID, jobID := enqueue(t, repo, userID)

	job, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, repo.MarkJobFailed(ctx, jobID, "no delivery targets"))

	err = repo.MarkJobSent(ctx, jobID, notificationID)
	assert.ErrorIs(t, err, notifications.ErrJobNotFound)

	var status string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT status FROM notification_jobs WHERE id = $1`, jobID).Scan(&status))
	assert.Equal(t, "failed", status)
}

func TestMarkJobDone_LeavesNotificationUnsent(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)
	ctx := context.Background()

	userID := createUser(t)
	notificationID, jobID := enqueue(t, repo, userID)

	job, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, repo.MarkJobDone(ctx, jobID))

	var status, lastError string
	var sent bool
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT status, last_error FROM notification_jobs WHERE id = $1`, jobID).Scan(&status, &lastError))
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT sent FROM notifications WHERE id = $1`, notificationID).Scan(&sent))

	assert.Equal(t, "sent", status)
	assert.Equal(t, "push delivery not configured", lastError)
	assert.False(t, sent)
}

func TestRecoverStuckJobs(t *testing.T) {
	repo := NewRepository(testPool)
	drainQueue(t, repo)
	ctx := context.Background()

	userID := createUser(t)
	_, jobID := enqueue(t, repo, userID)

	job, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Backdate the claim past the lease.
	_, err = testPool.Exec(ctx, `
		UPDATE notification_jobs SET processing_at = NOW() - INTERVAL '1 hour' WHERE id = $1
	`, jobID)
	require.NoError(t, err)

	n, err := repo.RecoverStuckJobs(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	reclaimed, err := repo.ClaimNextJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, jobID, reclaimed.ID)
	assert.Equal(t, 0, reclaimed.Retries, "lease recovery must not consume the retry budget")
}

func TestNotificationReadSurface(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()

	userID := createUser(t)
	otherID := createUser(t)
	notificationID, _ := enqueue(t, repo, userID)

	items, err := repo.ListNotifications(ctx, userID, 50, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, notificationID, items[0].ID)
	assert.False(t, items[0].IsRead)

	// Other users cannot touch it.
	assert.ErrorIs(t, repo.MarkNotificationRead(ctx, otherID, notificationID), notifications.ErrNotificationNotFound)
	assert.ErrorIs(t, repo.DeleteNotification(ctx, otherID, notificationID), notifications.ErrNotificationNotFound)

	require.NoError(t, repo.MarkNotificationRead(ctx, userID, notificationID))
	items, err = repo.ListNotifications(ctx, userID, 50, nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].IsRead)

	require.NoError(t, repo.DeleteNotification(ctx, userID, notificationID))
	items, err = repo.ListNotifications(ctx, userID, 50, nil)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDeviceTokens(t *testing.T) {
	repo := NewRepository(testPool)
	ctx := context.Background()

	userID := createUser(t)
	otherID := createUser(t)

	token := uuid.New().String()
	require.NoError(t, repo.RegisterDeviceToken(ctx, &domain.DeviceToken{
		ID: uuid.New().String(), UserID: userID, Token: token, Platform: "android",
	}))

	targets, err := repo.ListDeliveryTargets(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, targets)

	// Re-registration by another account moves the token.
	require.NoError(t, repo.RegisterDeviceToken(ctx, &domain.DeviceToken{
		ID: uuid.New().String(), UserID: otherID, Token: token, Platform: "android",
	}))

	targets, err = repo.ListDeliveryTargets(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, targets)

	targets, err = repo.ListDeliveryTargets(ctx, otherID)
	require.NoError(t, err)
	assert.Equal(t, []string{token}, targets)
}
