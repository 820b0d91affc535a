package models

import (
	"time"

	id "clavis/pkg/domain"
)

// This file contains pure domain models for the tenant directory:
// entities that should not depend on transport or HTTP-specific concerns.

// Tenant represents an organization account on the platform.
// Tenants are never hard-deleted, only soft-disabled via Active.
type Tenant struct {
	ID           id.TenantID
	Name         string
	ContactEmail string
	Active       bool
	CreatedAt    time.Time
}

// Application is a tenant-owned namespace with its own signing keys and
// token audience. Signing keys are provisioned immediately on creation.
type Application struct {
	ID             id.ApplicationID
	TenantID       id.TenantID
	Name           string
	AllowedOrigins []string
	DefaultRole    string

	// Webhook delivery configuration. The secret signs outgoing payloads
	// so tenants can verify authenticity; it is stored encrypted at rest.
	WebhookURL             string
	WebhookSecretEncrypted []byte

	Active    bool
	CreatedAt time.Time
}

// Issuer renders the tenant-scoped issuer string for tokens minted in
// this application's namespace.
func (a *Application) Issuer(base string) string {
	return base + "/" + a.ID.String()
}

// Audience is the `aud` claim value for this application.
func (a *Application) Audience() string {
	return a.ID.String()
}
