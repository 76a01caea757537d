package audit

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds recorded by the consent engine. Every access-affecting
// decision lands here exactly once.
const (
	EventDelegationCreated = "DELEGATION_CREATED"
	EventDelegationRevoked = "DELEGATION_REVOKED"
	EventConsentRequested  = "CONSENT_REQUESTED"
	EventConsentResent     = "CONSENT_RESENT"
	EventConsentGranted    = "CONSENT_GRANTED"
	EventConsentDenied     = "CONSENT_DENIED"
	EventConsentExpired    = "CONSENT_EXPIRED"
	EventConsentVerify     = "CONSENT_VERIFY_ATTEMPT"
	EventAccessGranted     = "ACCESS_GRANTED"
	EventAccessDenied      = "ACCESS_DENIED"
)

// Outcome values.
const (
	OutcomeSuccess = "success"
	OutcomeDenied  = "denied"
	OutcomeFailure = "failure"
)

// Entry maps to the audit_entry table. Entries are append-only; nothing in
// this service updates or deletes them.
type Entry struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	ActorID      uuid.UUID              `db:"actor_id" json:"actor_id"`
	EventKind    string                 `db:"event_kind" json:"event_kind"`
	DelegationID *uuid.UUID             `db:"delegation_id" json:"delegation_id,omitempty"`
	PatientID    *uuid.UUID             `db:"patient_id" json:"patient_id,omitempty"`
	Outcome      string                 `db:"outcome" json:"outcome"`
	Detail       map[string]interface{} `db:"detail" json:"detail,omitempty"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
}
