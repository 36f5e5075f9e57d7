package notifications

import "time"

// JobStatus represents the status of a delivery job.
type JobStatus string

// Job statuses. Transitions are monotonic: pending -> processing ->
// {sent | failed | pending for retry}; sent and failed are terminal.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSent       JobStatus = "sent"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one unit of delivery work bound to a notification.
type Job struct {
	ID             string
	NotificationID string
	Status         JobStatus
	Retries        int
	LastError      string
	CreatedAt      time.Time
	ProcessingAt   *time.Time
}

// ClaimedJob is a job joined with its parent notification and owning user,
// as returned by an exclusive claim.
type ClaimedJob struct {
	Job
	UserID   string
	Title    string
	Body     string
	Metadata map[string]string
}

// QueueStats holds job counts by status.
type QueueStats struct {
	Pending    int
	Processing int
	Sent       int
	Failed     int
}
