package models

import (
	"time"

	id "clavis/pkg/domain"
)

// Status is the lifecycle state of a session. All transitions out of
// Active are terminal.
type Status string

const (
	// StatusActive sessions hold the only refresh token in their family
	// that can still be redeemed.
	StatusActive Status = "active"
	// StatusRotated sessions were refreshed; the digest is retained so a
	// replayed token can be recognized as reuse.
	StatusRotated Status = "rotated"
	// StatusRevoked sessions were terminated by logout, admin action, or
	// a theft signal.
	StatusRevoked Status = "revoked"
	// StatusExpired sessions aged out past expires_at.
	StatusExpired Status = "expired"
)

// DeviceInfo is captured at session creation for tenant-facing session
// listings. The raw user agent is kept alongside the parsed name.
type DeviceInfo struct {
	UserAgent   string
	DisplayName string
	IPAddress   string
}

// Session is one refresh-token-backed login for a principal.
// FamilyID is invariant across rotations; only the token digest changes.
// The refresh token itself is never stored, only its SHA-256 digest.
type Session struct {
	ID                 id.SessionID
	Principal          id.Principal
	ApplicationID      id.ApplicationID
	FamilyID           id.FamilyID
	RefreshTokenDigest string
	Status             Status
	Device             DeviceInfo
	CreatedAt          time.Time
	ExpiresAt          time.Time
	LastUsedAt         time.Time
	RotatedAt          *time.Time
	RevokedAt          *time.Time
}

// IsActive reports whether the session can still redeem its token at
// the given time.
func (s *Session) IsActive(now time.Time) bool {
	return s.Status == StatusActive && now.Before(s.ExpiresAt)
}

// TimedOut reports whether an Active session has aged past expiry
// without being swept yet.
func (s *Session) TimedOut(now time.Time) bool {
	return s.Status == StatusActive && !now.Before(s.ExpiresAt)
}

// ApplyRotation marks the session as consumed by a successful refresh.
func (s *Session) ApplyRotation(at time.Time) {
	s.Status = StatusRotated
	s.RotatedAt = &at
	s.LastUsedAt = at
}

// ApplyRevocation terminates the session.
func (s *Session) ApplyRevocation(at time.Time) {
	s.Status = StatusRevoked
	s.RevokedAt = &at
}

// ApplyExpiry marks an aged-out session. Used by the sweep.
func (s *Session) ApplyExpiry() {
	s.Status = StatusExpired
}

// Successor builds the next Active session in the same family after a
// rotation. Device info carries over; the caller supplies the new digest.
func (s *Session) Successor(sessionID id.SessionID, digest string, at, expiresAt time.Time) *Session {
	return &Session{
		ID:                 sessionID,
		Principal:          s.Principal,
		ApplicationID:      s.ApplicationID,
		FamilyID:           s.FamilyID,
		RefreshTokenDigest: digest,
		Status:             StatusActive,
		Device:             s.Device,
		CreatedAt:          at,
		ExpiresAt:          expiresAt,
		LastUsedAt:         at,
	}
}
