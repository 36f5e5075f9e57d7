package domain

import "time"

// Notification is a single user-facing message. The Sent flag is owned by the
// delivery worker: it flips to true only after a successful push, never at
// creation time.
type Notification struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
	IsRead     bool              `json:"is_read"`
	IsDeleted  bool              `json:"-"`
	Sent       bool              `json:"sent"`
}

// DeviceToken is a push delivery destination registered by one of a user's
// devices. Tokens are looked up at send time, not stored on the job.
type DeviceToken struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
