package delegation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies a delegation and determines its capability snapshot.
type Type string

const (
	TypePrimary     Type = "PRIMARY"
	TypeSpecialist  Type = "SPECIALIST"
	TypeSubstitute  Type = "SUBSTITUTE"
	TypeTransferred Type = "TRANSFERRED"
)

// ParseType validates a raw delegation type string.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypePrimary, TypeSpecialist, TypeSubstitute, TypeTransferred:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown delegation type %q", ErrInvalidRequest, s)
	}
}

// ConsentStatus is the lifecycle state of patient consent for one delegation.
type ConsentStatus string

const (
	StatusNotRequired ConsentStatus = "NOT_REQUIRED"
	StatusPending     ConsentStatus = "PENDING"
	StatusRequested   ConsentStatus = "REQUESTED"
	StatusGranted     ConsentStatus = "GRANTED"
	StatusDenied      ConsentStatus = "DENIED"
	StatusExpired     ConsentStatus = "EXPIRED"
)

// Terminal reports whether no further consent transition is possible.
func (s ConsentStatus) Terminal() bool {
	switch s {
	case StatusNotRequired, StatusGranted, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// AccessGranted reports whether the status activates the delegation.
// It is derived, never stored, so it cannot drift from ConsentStatus.
func (s ConsentStatus) AccessGranted() bool {
	return s == StatusNotRequired || s == StatusGranted
}

// CapabilitySet is the fixed flag record describing what a delegate may do.
type CapabilitySet struct {
	CanView              bool `db:"can_view" json:"can_view"`
	CanCreatePlans       bool `db:"can_create_plans" json:"can_create_plans"`
	CanModifyPlans       bool `db:"can_modify_plans" json:"can_modify_plans"`
	CanPrescribe         bool `db:"can_prescribe" json:"can_prescribe"`
	CanOrderTests        bool `db:"can_order_tests" json:"can_order_tests"`
	CanAccessFullHistory bool `db:"can_access_full_history" json:"can_access_full_history"`
}

// FullCapabilities is the set granted to the patient, admins, and the
// primary-care clinician.
func FullCapabilities() CapabilitySet {
	return CapabilitySet{
		CanView:              true,
		CanCreatePlans:       true,
		CanModifyPlans:       true,
		CanPrescribe:         true,
		CanOrderTests:        true,
		CanAccessFullHistory: true,
	}
}

// Delegation maps to the delegation table. Capabilities are a snapshot of
// the matrix row at creation time; later matrix edits do not retroactively
// change already-granted access.
type Delegation struct {
	ID                 uuid.UUID     `db:"id" json:"id"`
	PatientID          uuid.UUID     `db:"patient_id" json:"patient_id"`
	PrimaryClinicianID uuid.UUID     `db:"primary_clinician_id" json:"primary_clinician_id"`
	DelegateID         uuid.UUID     `db:"delegate_id" json:"delegate_id"`
	Type               Type          `db:"delegation_type" json:"delegation_type"`
	Capabilities       CapabilitySet `json:"capabilities"`
	SpecialtyFocus     []string      `db:"specialty_focus" json:"specialty_focus,omitempty"`
	LinkedRecordIDs    []uuid.UUID   `db:"linked_record_ids" json:"linked_record_ids,omitempty"`
	ConsentRequired    bool          `db:"consent_required" json:"consent_required"`
	ConsentStatus      ConsentStatus `db:"consent_status" json:"consent_status"`
	IsActive           bool          `db:"is_active" json:"is_active"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	ExpiresAt          time.Time     `db:"expires_at" json:"expires_at"`
	ConsentGrantedAt   *time.Time    `db:"consent_granted_at" json:"consent_granted_at,omitempty"`
}

// AccessGranted derives the activation flag from the consent status.
func (d *Delegation) AccessGranted() bool { return d.ConsentStatus.AccessGranted() }

// ToAPI renders the delegation for API responses, including the derived
// access_granted flag.
func (d *Delegation) ToAPI() map[string]interface{} {
	result := map[string]interface{}{
		"id":                   d.ID,
		"patient_id":           d.PatientID,
		"primary_clinician_id": d.PrimaryClinicianID,
		"delegate_id":          d.DelegateID,
		"delegation_type":      d.Type,
		"capabilities":         d.Capabilities,
		"consent_required":     d.ConsentRequired,
		"consent_status":       d.ConsentStatus,
		"access_granted":       d.AccessGranted(),
		"is_active":            d.IsActive,
		"created_at":           d.CreatedAt,
		"expires_at":           d.ExpiresAt,
	}
	if len(d.SpecialtyFocus) > 0 {
		result["specialty_focus"] = d.SpecialtyFocus
	}
	if len(d.LinkedRecordIDs) > 0 {
		result["linked_record_ids"] = d.LinkedRecordIDs
	}
	if d.ConsentGrantedAt != nil {
		result["consent_granted_at"] = *d.ConsentGrantedAt
	}
	return result
}
