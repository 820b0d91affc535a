package models

import (
	"time"

	id "clavis/pkg/domain"
)

// KeyStatus is the lifecycle state of a signing key.
type KeyStatus string

const (
	// StatusActive keys sign new tokens. Exactly one per application.
	StatusActive KeyStatus = "active"
	// StatusRetiring keys no longer sign but still verify, until the
	// rotation grace window elapses.
	StatusRetiring KeyStatus = "retiring"
	// StatusRevoked keys neither sign nor verify.
	StatusRevoked KeyStatus = "revoked"
)

// Algorithm identifies the signature algorithm bound to a key pair.
type Algorithm string

const (
	AlgRS256 Algorithm = "RS256"
	AlgES256 Algorithm = "ES256"
)

// Valid reports whether the algorithm is supported.
func (a Algorithm) Valid() bool {
	return a == AlgRS256 || a == AlgES256
}

func (a Algorithm) String() string { return string(a) }

// SigningKey is one asymmetric key pair bound to an application.
// The private half is stored AES-256-GCM encrypted under the process
// master key and only ever decrypted in memory.
type SigningKey struct {
	Kid           id.KeyID
	ApplicationID id.ApplicationID
	Algorithm     Algorithm
	PublicKeyPEM  []byte
	PrivateKeyEnc []byte
	Status        KeyStatus
	CreatedAt     time.Time
	RetiredAt     *time.Time
	RevokedAt     *time.Time
}

// IsActive reports whether the key currently signs new tokens.
func (k *SigningKey) IsActive() bool {
	return k.Status == StatusActive
}

// Verifiable reports whether tokens signed by this key should still
// verify at the given time, honoring the rotation grace window.
func (k *SigningKey) Verifiable(now time.Time, grace time.Duration) bool {
	switch k.Status {
	case StatusActive:
		return true
	case StatusRetiring:
		return k.RetiredAt != nil && now.Before(k.RetiredAt.Add(grace))
	default:
		return false
	}
}

// Retire demotes an active key to retiring.
// Returns true if the transition occurred.
func (k *SigningKey) Retire(at time.Time) bool {
	if k.Status != StatusActive {
		return false
	}
	k.Status = StatusRetiring
	k.RetiredAt = &at
	return true
}

// Revoke terminally removes the key from verification.
// Returns true if the transition occurred, false if already revoked.
func (k *SigningKey) Revoke(at time.Time) bool {
	if k.Status == StatusRevoked {
		return false
	}
	k.Status = StatusRevoked
	if k.RevokedAt == nil || at.After(*k.RevokedAt) {
		k.RevokedAt = &at
	}
	return true
}

// GraceElapsed reports whether a retiring key's grace window ended at the
// given time. Always false for non-retiring keys.
func (k *SigningKey) GraceElapsed(now time.Time, grace time.Duration) bool {
	return k.Status == StatusRetiring && k.RetiredAt != nil && !now.Before(k.RetiredAt.Add(grace))
}
