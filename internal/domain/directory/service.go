package directory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	orgs       OrganizationRepository
	clinicians ClinicianRepository
	patients   PatientRepository
}

func NewService(orgs OrganizationRepository, clinicians ClinicianRepository, patients PatientRepository) *Service {
	return &Service{orgs: orgs, clinicians: clinicians, patients: patients}
}

func (s *Service) CreateOrganization(ctx context.Context, o *Organization) error {
	if o.Name == "" {
		return fmt.Errorf("name is required")
	}
	return s.orgs.Create(ctx, o)
}

func (s *Service) GetOrganization(ctx context.Context, id uuid.UUID) (*Organization, error) {
	return s.orgs.GetByID(ctx, id)
}

func (s *Service) ListOrganizations(ctx context.Context, limit, offset int) ([]*Organization, int, error) {
	return s.orgs.List(ctx, limit, offset)
}

func (s *Service) CreateClinician(ctx context.Context, c *Clinician) error {
	if c.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if c.OrganizationID != nil {
		if _, err := s.orgs.GetByID(ctx, *c.OrganizationID); err != nil {
			return fmt.Errorf("organization %s: %w", c.OrganizationID, err)
		}
	}
	return s.clinicians.Create(ctx, c)
}

// GetClinician returns a clinician in good standing. Inactive clinicians
// are reported as not found so callers cannot delegate to them.
func (s *Service) GetClinician(ctx context.Context, id uuid.UUID) (*Clinician, error) {
	c, err := s.clinicians.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, ErrNotFound
	}
	return c, nil
}

func (s *Service) ListClinicians(ctx context.Context, limit, offset int) ([]*Clinician, int, error) {
	return s.clinicians.List(ctx, limit, offset)
}

func (s *Service) SetClinicianActive(ctx context.Context, id uuid.UUID, active bool) error {
	return s.clinicians.SetActive(ctx, id, active)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FullName == "" {
		return fmt.Errorf("full_name is required")
	}
	if p.PrimaryClinicianID != nil {
		if _, err := s.GetClinician(ctx, *p.PrimaryClinicianID); err != nil {
			return fmt.Errorf("primary clinician %s: %w", p.PrimaryClinicianID, err)
		}
	}
	return s.patients.Create(ctx, p)
}

// GetPatient returns an active patient record.
func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	p, err := s.patients.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

func (s *Service) SetPrimaryClinician(ctx context.Context, patientID, clinicianID uuid.UUID) error {
	if _, err := s.GetClinician(ctx, clinicianID); err != nil {
		return err
	}
	return s.patients.SetPrimaryClinician(ctx, patientID, clinicianID)
}
