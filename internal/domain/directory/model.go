package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates an unknown or inactive directory record.
var ErrNotFound = errors.New("directory record not found")

// Organization maps to the organization table.
type Organization struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Clinician maps to the clinician table. Health-service-provider delegates
// are clinicians too; the directory does not distinguish them.
type Clinician struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	FullName       string     `db:"full_name" json:"full_name"`
	Specialty      *string    `db:"specialty" json:"specialty,omitempty"`
	OrganizationID *uuid.UUID `db:"organization_id" json:"organization_id,omitempty"`
	IsActive       bool       `db:"is_active" json:"is_active"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// Patient maps to the patient table. Contact fields feed the consent-code
// notification path.
type Patient struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	FullName           string     `db:"full_name" json:"full_name"`
	PrimaryClinicianID *uuid.UUID `db:"primary_clinician_id" json:"primary_clinician_id,omitempty"`
	ContactPhone       *string    `db:"contact_phone" json:"contact_phone,omitempty"`
	ContactEmail       *string    `db:"contact_email" json:"contact_email,omitempty"`
	IsActive           bool       `db:"is_active" json:"is_active"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}
