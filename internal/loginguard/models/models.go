package models

import (
	"time"

	id "clavis/pkg/domain"
)

// Attempt is one failed authentication attempt. Attempts are scoped to
// (email, application): one tenant's brute-force traffic can never lock
// the same email out of a different tenant's application.
type Attempt struct {
	Email         string
	ApplicationID id.ApplicationID
	IPAddress     string
	CreatedAt     time.Time
}

// WindowStats summarizes the attempts inside the sliding window.
// Oldest is zero when Count is zero.
type WindowStats struct {
	Count  int
	Oldest time.Time
}
