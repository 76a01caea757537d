package audit

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Append(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id uuid.UUID) (*Entry, error)
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Entry, int, error)
}

// Filter narrows audit queries. Zero values mean "no constraint".
type Filter struct {
	ActorID      *uuid.UUID
	PatientID    *uuid.UUID
	DelegationID *uuid.UUID
	EventKind    string
	Outcome      string
}
