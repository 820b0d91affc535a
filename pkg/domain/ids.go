// Package domain provides type-safe identifiers to prevent mixing up IDs at compile time.
package domain

import (
	"github.com/google/uuid"

	dErrors "clavis/pkg/domain-errors"
)

// Distinct ID types - compiler prevents passing a TenantID where an
// ApplicationID is expected.
type (
	TenantID      uuid.UUID
	ApplicationID uuid.UUID
	SessionID     uuid.UUID
	FamilyID      uuid.UUID
	UserID        uuid.UUID
)

// KeyID is the `kid` published in token headers and JWKS documents.
// It is a prefixed string (e.g. "key_4f2a...") rather than a bare UUID so
// it is recognizable in logs and tenant configuration.
type KeyID string

// Parse functions - use at trust boundaries (handlers, API inputs).

func ParseTenantID(s string) (TenantID, error) {
	id, err := parseUUID(s, "tenant ID")
	return TenantID(id), err
}

func ParseApplicationID(s string) (ApplicationID, error) {
	id, err := parseUUID(s, "application ID")
	return ApplicationID(id), err
}

func ParseSessionID(s string) (SessionID, error) {
	id, err := parseUUID(s, "session ID")
	return SessionID(id), err
}

func ParseFamilyID(s string) (FamilyID, error) {
	id, err := parseUUID(s, "token family ID")
	return FamilyID(id), err
}

func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s, "user ID")
	return UserID(id), err
}

func ParseKeyID(s string) (KeyID, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "key ID cannot be empty")
	}
	return KeyID(s), nil
}

// New functions - mint fresh identifiers.

func NewTenantID() TenantID           { return TenantID(uuid.New()) }
func NewApplicationID() ApplicationID { return ApplicationID(uuid.New()) }
func NewSessionID() SessionID         { return SessionID(uuid.New()) }
func NewFamilyID() FamilyID           { return FamilyID(uuid.New()) }
func NewUserID() UserID               { return UserID(uuid.New()) }

// NewKeyID mints a fresh key identifier.
func NewKeyID() KeyID {
	return KeyID("key_" + uuid.New().String())
}

// String methods - for logging and debugging.

func (id TenantID) String() string      { return uuid.UUID(id).String() }
func (id ApplicationID) String() string { return uuid.UUID(id).String() }
func (id SessionID) String() string     { return uuid.UUID(id).String() }
func (id FamilyID) String() string      { return uuid.UUID(id).String() }
func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id KeyID) String() string         { return string(id) }

// UUID accessors - for store parameters and principal construction.

func (id TenantID) UUID() uuid.UUID      { return uuid.UUID(id) }
func (id ApplicationID) UUID() uuid.UUID { return uuid.UUID(id) }
func (id SessionID) UUID() uuid.UUID     { return uuid.UUID(id) }
func (id FamilyID) UUID() uuid.UUID      { return uuid.UUID(id) }
func (id UserID) UUID() uuid.UUID        { return uuid.UUID(id) }

// IsNil checks - used for service-layer validation.

func (id TenantID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id ApplicationID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id FamilyID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id UserID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id KeyID) IsNil() bool         { return id == "" }

// parseUUID is the shared validation logic.
// Nil UUIDs are allowed here; use IsNil() at the service layer for
// business validation so store lookups can return proper "not found"
// errors for consistency.
func parseUUID(s, label string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, label+" cannot be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+label+" format")
	}
	return id, nil
}
