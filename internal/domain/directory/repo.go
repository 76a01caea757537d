package directory

import (
	"context"

	"github.com/google/uuid"
)

type OrganizationRepository interface {
	Create(ctx context.Context, o *Organization) error
	GetByID(ctx context.Context, id uuid.UUID) (*Organization, error)
	List(ctx context.Context, limit, offset int) ([]*Organization, int, error)
}

type ClinicianRepository interface {
	Create(ctx context.Context, c *Clinician) error
	GetByID(ctx context.Context, id uuid.UUID) (*Clinician, error)
	List(ctx context.Context, limit, offset int) ([]*Clinician, int, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	SetPrimaryClinician(ctx context.Context, id, clinicianID uuid.UUID) error
}
