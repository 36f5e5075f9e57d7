package notifications

import "errors"

// Repository errors.
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrJobNotFound          = errors.New("notification job not found")
)
