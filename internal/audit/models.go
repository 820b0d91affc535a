package audit

import (
	"time"

	"github.com/google/uuid"

	id "clavis/pkg/domain"
)

// Entry is one append-only audit record. Keep it transport-agnostic so
// stores and sinks can fan out.
type Entry struct {
	ID            uuid.UUID
	Timestamp     time.Time
	Actor         id.Principal
	TenantID      id.TenantID
	ApplicationID id.ApplicationID
	Action        string
	ResourceType  string
	ResourceID    string
	RequestID     string
	Metadata      map[string]string
}

// Actions recorded by the platform. Services pass these as Entry.Action;
// free-form strings are allowed for one-off events.
const (
	ActionLoginSucceeded      = "login_succeeded"
	ActionLoginFailed         = "login_failed"
	ActionAccountLocked       = "account_locked"
	ActionTokenIssued         = "token_issued"
	ActionTokenRefreshed      = "token_refreshed"
	ActionSessionCreated      = "session_created"
	ActionSessionRevoked      = "session_revoked"
	ActionSessionsRevoked     = "sessions_revoked"
	ActionReuseDetected       = "refresh_reuse_detected"
	ActionFamilyRevoked       = "session_family_revoked"
	ActionKeyProvisioned      = "signing_key_provisioned"
	ActionKeyRotated          = "signing_key_rotated"
	ActionKeyRevoked          = "signing_key_revoked"
	ActionWebhookExhausted    = "webhook_delivery_exhausted"
	ActionApplicationCreated  = "application_created"
	ActionApplicationDisabled = "application_disabled"
)
