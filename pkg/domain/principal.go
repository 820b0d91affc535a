package domain

import (
	"github.com/google/uuid"

	dErrors "clavis/pkg/domain-errors"
)

// PrincipalType tags the kind of actor holding a session or token.
type PrincipalType string

const (
	PrincipalAdmin  PrincipalType = "admin"
	PrincipalTenant PrincipalType = "tenant"
	PrincipalUser   PrincipalType = "user"
)

// Valid reports whether the type is one of the known variants.
func (t PrincipalType) Valid() bool {
	switch t {
	case PrincipalAdmin, PrincipalTenant, PrincipalUser:
		return true
	}
	return false
}

// Principal is a tagged variant identifying any authenticated actor.
// It replaces the nullable-foreign-key union of (admin_id | tenant_id |
// user_id) columns: exactly one identity, always set.
type Principal struct {
	Type PrincipalType
	ID   uuid.UUID
}

// NewPrincipal validates and constructs a Principal.
func NewPrincipal(pt PrincipalType, id uuid.UUID) (Principal, error) {
	if !pt.Valid() {
		return Principal{}, dErrors.New(dErrors.CodeInvalidInput, "unknown principal type")
	}
	if id == uuid.Nil {
		return Principal{}, dErrors.New(dErrors.CodeInvalidInput, "principal ID cannot be nil")
	}
	return Principal{Type: pt, ID: id}, nil
}

// ParsePrincipal builds a Principal from string inputs at trust boundaries.
func ParsePrincipal(pt, id string) (Principal, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Principal{}, dErrors.New(dErrors.CodeInvalidInput, "invalid principal ID format")
	}
	return NewPrincipal(PrincipalType(pt), parsed)
}

func (p Principal) String() string {
	return string(p.Type) + ":" + p.ID.String()
}

// Subject renders the `sub` claim value for tokens issued to this principal.
func (p Principal) Subject() string {
	return p.ID.String()
}

func (p Principal) IsZero() bool {
	return p.Type == "" && p.ID == uuid.Nil
}
