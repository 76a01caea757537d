package access

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careaccess/careaccess/internal/domain/audit"
	"github.com/careaccess/careaccess/internal/domain/delegation"
	"github.com/careaccess/careaccess/internal/domain/directory"
)

// Reason explains an access decision. Denial reasons are ordinary data, not
// errors: callers branch on them for UX, never on error values.
type Reason string

const (
	ReasonSelf              Reason = "SELF"
	ReasonAdminOverride     Reason = "ADMIN_OVERRIDE"
	ReasonPrimaryCare       Reason = "PRIMARY_CARE"
	ReasonDelegationActive  Reason = "DELEGATION_ACTIVE"
	ReasonNoAssignment      Reason = "NO_ASSIGNMENT"
	ReasonConsentNotGranted Reason = "CONSENT_NOT_GRANTED"
)

// Decision is the full answer to an access evaluation.
type Decision struct {
	CanAccess     bool                     `json:"can_access"`
	Capabilities  delegation.CapabilitySet `json:"capabilities"`
	Reason        Reason                   `json:"reason"`
	ConsentStatus delegation.ConsentStatus `json:"consent_status,omitempty"`
	DelegationID  *uuid.UUID               `json:"delegation_id,omitempty"`
}

// PatientDirectory is the slice of the directory the evaluator needs.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// Delegations resolves the live delegation for an actor/patient pair and
// its effective consent status.
type Delegations interface {
	ActiveDelegation(ctx context.Context, patientID, delegateID uuid.UUID) (*delegation.Delegation, error)
	EffectiveStatus(ctx context.Context, d *delegation.Delegation) (delegation.ConsentStatus, error)
}

// Auditor is the write side of the audit sink.
type Auditor interface {
	Emit(ctx context.Context, e *audit.Entry)
}

// Evaluator answers "may this actor see this patient's record, and with
// which capabilities". It holds no state beyond the audit sampling counter.
type Evaluator struct {
	patients    PatientDirectory
	delegations Delegations
	auditor     Auditor
	logger      zerolog.Logger

	// Self and admin grants are high frequency; only every Nth is
	// audited. Denials and delegate grants are always audited.
	sampleEvery uint64
	sampleSeq   atomic.Uint64
}

func NewEvaluator(patients PatientDirectory, delegations Delegations, auditor Auditor,
	logger zerolog.Logger, sampleEvery int) *Evaluator {
	if sampleEvery < 1 {
		sampleEvery = 1
	}
	return &Evaluator{
		patients:    patients,
		delegations: delegations,
		auditor:     auditor,
		logger:      logger,
		sampleEvery: uint64(sampleEvery),
	}
}

func adminActor(roles []string) bool {
	for _, r := range roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Evaluate runs the decision ladder: self, admin override, primary-care
// relationship, then delegation lookup with consent gating.
func (e *Evaluator) Evaluate(ctx context.Context, actorID, patientID uuid.UUID, roles []string) (*Decision, error) {
	patient, err := e.patients.GetPatient(ctx, patientID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, delegation.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if actorID == patientID {
		return e.grant(ctx, actorID, patientID, nil, ReasonSelf, delegation.FullCapabilities()), nil
	}
	if adminActor(roles) {
		return e.grant(ctx, actorID, patientID, nil, ReasonAdminOverride, delegation.FullCapabilities()), nil
	}
	if patient.PrimaryClinicianID != nil && *patient.PrimaryClinicianID == actorID {
		return e.grant(ctx, actorID, patientID, nil, ReasonPrimaryCare, delegation.FullCapabilities()), nil
	}

	d, err := e.delegations.ActiveDelegation(ctx, patientID, actorID)
	if errors.Is(err, delegation.ErrNotFound) {
		return e.deny(ctx, actorID, patientID, nil, ReasonNoAssignment, ""), nil
	}
	if err != nil {
		return nil, err
	}

	status, err := e.delegations.EffectiveStatus(ctx, d)
	if err != nil {
		return nil, err
	}
	if !status.AccessGranted() {
		return e.deny(ctx, actorID, patientID, &d.ID, ReasonConsentNotGranted, status), nil
	}
	return e.grant(ctx, actorID, patientID, &d.ID, ReasonDelegationActive, d.Capabilities), nil
}

func (e *Evaluator) grant(ctx context.Context, actorID, patientID uuid.UUID,
	delegationID *uuid.UUID, reason Reason, caps delegation.CapabilitySet) *Decision {
	audited := true
	if reason == ReasonSelf || reason == ReasonAdminOverride {
		audited = e.sampleSeq.Add(1)%e.sampleEvery == 0
	}
	if audited {
		e.auditor.Emit(ctx, &audit.Entry{
			ActorID:      actorID,
			EventKind:    audit.EventAccessGranted,
			DelegationID: delegationID,
			PatientID:    &patientID,
			Outcome:      audit.OutcomeSuccess,
			Detail:       map[string]interface{}{"reason": string(reason)},
		})
	}
	return &Decision{
		CanAccess:    true,
		Capabilities: caps,
		Reason:       reason,
		DelegationID: delegationID,
	}
}

func (e *Evaluator) deny(ctx context.Context, actorID, patientID uuid.UUID,
	delegationID *uuid.UUID, reason Reason, status delegation.ConsentStatus) *Decision {
	detail := map[string]interface{}{"reason": string(reason)}
	if status != "" {
		detail["consent_status"] = string(status)
	}
	e.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    audit.EventAccessDenied,
		DelegationID: delegationID,
		PatientID:    &patientID,
		Outcome:      audit.OutcomeDenied,
		Detail:       detail,
	})
	return &Decision{
		CanAccess:     false,
		Reason:        reason,
		ConsentStatus: status,
		DelegationID:  delegationID,
	}
}
