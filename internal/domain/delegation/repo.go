package delegation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Create persists a new delegation. The storage layer's partial unique
	// index on (patient_id, delegate_id) WHERE is_active is the source of
	// truth for the one-active-delegation invariant; Create returns
	// ErrConflict when it fires.
	Create(ctx context.Context, d *Delegation) error

	GetByID(ctx context.Context, id uuid.UUID) (*Delegation, error)

	// GetActive returns the single active delegation for a (patient,
	// delegate) pair, or ErrNotFound.
	GetActive(ctx context.Context, patientID, delegateID uuid.UUID) (*Delegation, error)

	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Delegation, int, error)
	ListByDelegate(ctx context.Context, delegateID uuid.UUID, limit, offset int) ([]*Delegation, int, error)

	// SetConsentStatus performs a guarded status update: the row is only
	// touched while its current status equals from. A no-op update returns
	// ErrInvalidStateTransition, which makes concurrent drivers of the
	// state machine safe against double transitions.
	SetConsentStatus(ctx context.Context, id uuid.UUID, from, to ConsentStatus, grantedAt *time.Time) error

	Deactivate(ctx context.Context, id uuid.UUID) error

	// ListByConsentStatus feeds the reconciliation sweep.
	ListByConsentStatus(ctx context.Context, status ConsentStatus, limit int) ([]*Delegation, error)

	// DeactivatePastExpiry retires active delegations whose own expires_at
	// has passed, returning how many rows were touched.
	DeactivatePastExpiry(ctx context.Context, now time.Time) (int64, error)
}
