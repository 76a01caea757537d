package delegation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careaccess/careaccess/internal/domain/audit"
	"github.com/careaccess/careaccess/internal/domain/challenge"
	"github.com/careaccess/careaccess/internal/domain/directory"
)

// ActorDirectory is the slice of the directory service the manager needs
// for existence checks and the same-organization rule.
type ActorDirectory interface {
	GetClinician(ctx context.Context, id uuid.UUID) (*directory.Clinician, error)
	GetPatient(ctx context.Context, id uuid.UUID) (*directory.Patient, error)
}

// ChallengeEngine mints and verifies one-time consent codes.
type ChallengeEngine interface {
	Issue(ctx context.Context, delegationID uuid.UUID) (*challenge.Issued, error)
	Verify(ctx context.Context, delegationID uuid.UUID, code string) (challenge.VerifyOutcome, error)
	Live(ctx context.Context, delegationID uuid.UUID) (*challenge.Challenge, error)
}

// PatientNotifier reaches the patient out of band: one-time consent codes
// plus grant and revocation notices. Delivery failure never rolls back the
// state change that prompted it.
type PatientNotifier interface {
	SendConsentCode(ctx context.Context, patientID uuid.UUID, code string, expiresAt time.Time) error
	SendGrantNotice(ctx context.Context, patientID uuid.UUID, grantedAt time.Time) error
	SendRevokeNotice(ctx context.Context, patientID uuid.UUID, revokedAt time.Time) error
}

// Auditor is the write side of the audit sink.
type Auditor interface {
	Emit(ctx context.Context, e *audit.Entry)
}

// Options carries the tunable policy knobs.
type Options struct {
	DelegationTTL time.Duration
}

// DefaultOptions returns the standard 90-day delegation lifetime.
func DefaultOptions() Options {
	return Options{DelegationTTL: 90 * 24 * time.Hour}
}

// Service orchestrates delegation creation, the consent lifecycle, and
// revocation. All durable state lives in the repositories; the service is
// stateless between calls.
type Service struct {
	repo       Repository
	dir        ActorDirectory
	challenges ChallengeEngine
	sender     PatientNotifier
	auditor    Auditor
	logger     zerolog.Logger
	opts       Options
	now        func() time.Time
}

func NewService(repo Repository, dir ActorDirectory, challenges ChallengeEngine,
	sender PatientNotifier, auditor Auditor, logger zerolog.Logger, opts Options) *Service {
	if opts.DelegationTTL <= 0 {
		opts.DelegationTTL = DefaultOptions().DelegationTTL
	}
	return &Service{
		repo:       repo,
		dir:        dir,
		challenges: challenges,
		sender:     sender,
		auditor:    auditor,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
	}
}

// SameOrganization is the trust-bypass predicate: consent is waived for
// SPECIALIST and SUBSTITUTE delegations only when both clinicians belong to
// the same organization. A missing organization on either side counts as
// different, so the conservative default is to require consent.
func SameOrganization(a, b *directory.Clinician) bool {
	if a == nil || b == nil || a.OrganizationID == nil || b.OrganizationID == nil {
		return false
	}
	return *a.OrganizationID == *b.OrganizationID
}

func consentRequiredFor(t Type, primary, delegate *directory.Clinician) bool {
	switch t {
	case TypePrimary:
		return false
	case TypeTransferred:
		return true
	default:
		return !SameOrganization(primary, delegate)
	}
}

// CreateInput carries the caller-supplied fields of a new delegation.
type CreateInput struct {
	PatientID          uuid.UUID
	PrimaryClinicianID uuid.UUID
	DelegateID         uuid.UUID
	Type               Type
	SpecialtyFocus     []string
	LinkedRecordIDs    []uuid.UUID
}

// CreateResult reports the persisted delegation and whether a consent
// challenge was minted as part of creation.
type CreateResult struct {
	Delegation      *Delegation
	ChallengeIssued bool
}

// ConsentRequestResult reports a minted challenge. Delivered is false when
// the notification collaborator failed; the code stays valid and resendable.
type ConsentRequestResult struct {
	ChallengeID   uuid.UUID `json:"challenge_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	Delivered     bool      `json:"delivered"`
	DeliveryError string    `json:"delivery_error,omitempty"`
}

func (s *Service) lookupClinician(ctx context.Context, id uuid.UUID) (*directory.Clinician, error) {
	c, err := s.dir.GetClinician(ctx, id)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, depErr("directory", err)
	}
	return c, nil
}

// Create validates the actors, enforces the one-active-delegation
// invariant, computes the consent requirement, snapshots capabilities, and
// persists the delegation. TRANSFERRED delegations get a consent challenge
// minted immediately.
func (s *Service) Create(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.PrimaryClinicianID == in.DelegateID {
		return nil, ErrInvalidRequest
	}
	if _, err := ParseType(string(in.Type)); err != nil {
		return nil, err
	}

	if _, err := s.dir.GetPatient(ctx, in.PatientID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, depErr("directory", err)
	}
	primary, err := s.lookupClinician(ctx, in.PrimaryClinicianID)
	if err != nil {
		return nil, err
	}
	delegate, err := s.lookupClinician(ctx, in.DelegateID)
	if err != nil {
		return nil, err
	}

	// Best-effort pre-check; the unique index behind repo.Create is the
	// authority under concurrency.
	if _, err := s.repo.GetActive(ctx, in.PatientID, in.DelegateID); err == nil {
		return nil, ErrConflict
	} else if !errors.Is(err, ErrNotFound) {
		return nil, depErr("store", err)
	}

	caps, err := CapabilitiesFor(in.Type)
	if err != nil {
		return nil, err
	}

	consentRequired := consentRequiredFor(in.Type, primary, delegate)
	status := StatusNotRequired
	if consentRequired {
		status = StatusPending
	}

	d := &Delegation{
		PatientID:          in.PatientID,
		PrimaryClinicianID: in.PrimaryClinicianID,
		DelegateID:         in.DelegateID,
		Type:               in.Type,
		Capabilities:       caps,
		SpecialtyFocus:     in.SpecialtyFocus,
		LinkedRecordIDs:    in.LinkedRecordIDs,
		ConsentRequired:    consentRequired,
		ConsentStatus:      status,
		IsActive:           true,
		CreatedAt:          s.now(),
		ExpiresAt:          s.now().Add(s.opts.DelegationTTL),
	}
	if err := s.repo.Create(ctx, d); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrConflict
		}
		return nil, depErr("store", err)
	}

	result := &CreateResult{Delegation: d}

	// TRANSFERRED carries no implicit trust at all: mint the challenge as
	// part of creation rather than waiting for an explicit request.
	if d.Type == TypeTransferred {
		if _, err := s.requestConsent(ctx, d); err != nil {
			s.logger.Error().Err(err).
				Str("delegation_id", d.ID.String()).
				Msg("immediate consent challenge failed; delegation stays PENDING")
		} else {
			result.ChallengeIssued = true
		}
	}

	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      in.PrimaryClinicianID,
		EventKind:    audit.EventDelegationCreated,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      audit.OutcomeSuccess,
		Detail: map[string]interface{}{
			"delegation_type":  string(d.Type),
			"consent_required": d.ConsentRequired,
			"consent_status":   string(d.ConsentStatus),
			"delegate_id":      d.DelegateID.String(),
		},
	})

	return result, nil
}

// requestConsent drives PENDING -> REQUESTED (or REQUESTED -> REQUESTED on
// resend), mints a challenge, and hands the plaintext code to the sender.
func (s *Service) requestConsent(ctx context.Context, d *Delegation) (*ConsentRequestResult, error) {
	if err := Transition(d.ConsentStatus, StatusRequested); err != nil {
		return nil, err
	}
	if d.ConsentStatus == StatusPending {
		if err := s.repo.SetConsentStatus(ctx, d.ID, StatusPending, StatusRequested, nil); err != nil {
			if errors.Is(err, ErrInvalidStateTransition) {
				return nil, err
			}
			return nil, depErr("store", err)
		}
		d.ConsentStatus = StatusRequested
	}

	issued, err := s.challenges.Issue(ctx, d.ID)
	if err != nil {
		return nil, depErr("challenge store", err)
	}

	result := &ConsentRequestResult{
		ChallengeID: issued.ChallengeID,
		ExpiresAt:   issued.ExpiresAt,
		Delivered:   true,
	}
	if err := s.sender.SendConsentCode(ctx, d.PatientID, issued.Code, issued.ExpiresAt); err != nil {
		// Reported to the caller, never rolled back: the code stays valid
		// and a resend can retry delivery.
		s.logger.Warn().Err(err).
			Str("delegation_id", d.ID.String()).
			Msg("consent code delivery failed")
		result.Delivered = false
		result.DeliveryError = err.Error()
	}
	return result, nil
}

func (s *Service) getActiveByID(ctx context.Context, delegationID uuid.UUID) (*Delegation, error) {
	d, err := s.repo.GetByID(ctx, delegationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, depErr("store", err)
	}
	if !d.IsActive {
		return nil, ErrNotFound
	}
	return d, nil
}

// RequestConsent mints the first challenge for a PENDING delegation.
func (s *Service) RequestConsent(ctx context.Context, delegationID, actorID uuid.UUID) (*ConsentRequestResult, error) {
	d, err := s.getActiveByID(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	result, err := s.requestConsent(ctx, d)
	if err != nil {
		return nil, err
	}
	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    audit.EventConsentRequested,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      audit.OutcomeSuccess,
		Detail:       map[string]interface{}{"delivered": result.Delivered},
	})
	return result, nil
}

// ResendConsentCode supersedes the outstanding challenge with a fresh one.
// Only valid while the delegation is REQUESTED.
func (s *Service) ResendConsentCode(ctx context.Context, delegationID, actorID uuid.UUID) (*ConsentRequestResult, error) {
	d, err := s.getActiveByID(ctx, delegationID)
	if err != nil {
		return nil, err
	}
	if d.ConsentStatus != StatusRequested {
		return nil, fmt.Errorf("%w: resend requires REQUESTED, delegation is %s",
			ErrInvalidStateTransition, d.ConsentStatus)
	}
	result, err := s.requestConsent(ctx, d)
	if err != nil {
		return nil, err
	}
	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    audit.EventConsentResent,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      audit.OutcomeSuccess,
		Detail:       map[string]interface{}{"delivered": result.Delivered},
	})
	return result, nil
}

// VerifyConsent checks a supplied code and drives the state machine from
// the outcome: VERIFIED grants, EXPIRED expires, ATTEMPTS_EXHAUSTED denies;
// the remaining outcomes leave state unchanged. Every outcome is audited.
func (s *Service) VerifyConsent(ctx context.Context, delegationID, actorID uuid.UUID, code string) (challenge.VerifyOutcome, error) {
	d, err := s.getActiveByID(ctx, delegationID)
	if err != nil {
		return "", err
	}

	outcome, err := s.challenges.Verify(ctx, delegationID, code)
	if err != nil {
		return "", depErr("challenge store", err)
	}

	switch outcome {
	case challenge.OutcomeVerified:
		now := s.now()
		if err := s.repo.SetConsentStatus(ctx, d.ID, StatusRequested, StatusGranted, &now); err != nil &&
			!errors.Is(err, ErrInvalidStateTransition) {
			return "", depErr("store", err)
		}
		s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentGranted, audit.OutcomeSuccess, outcome)
		if err := s.sender.SendGrantNotice(ctx, d.PatientID, now); err != nil {
			s.logger.Warn().Err(err).
				Str("delegation_id", d.ID.String()).
				Msg("grant notice delivery failed")
		}
	case challenge.OutcomeAlreadyVerified:
		// A prior verify may have marked the challenge but failed to persist
		// the grant. Re-drive REQUESTED -> GRANTED so a retry completes it;
		// the guarded update is a no-op when the grant already landed.
		if d.ConsentStatus == StatusRequested {
			now := s.now()
			if err := s.repo.SetConsentStatus(ctx, d.ID, StatusRequested, StatusGranted, &now); err != nil &&
				!errors.Is(err, ErrInvalidStateTransition) {
				return "", depErr("store", err)
			}
			s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentGranted, audit.OutcomeSuccess, outcome)
			break
		}
		s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentVerify, audit.OutcomeFailure, outcome)
	case challenge.OutcomeExpired:
		s.persistLazyTransition(ctx, d, StatusExpired)
		s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentExpired, audit.OutcomeDenied, outcome)
	case challenge.OutcomeAttemptsExhausted:
		s.persistLazyTransition(ctx, d, StatusDenied)
		s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentDenied, audit.OutcomeDenied, outcome)
	default:
		s.emitConsentOutcome(ctx, actorID, d, audit.EventConsentVerify, audit.OutcomeFailure, outcome)
	}

	return outcome, nil
}

// persistLazyTransition records REQUESTED -> to, tolerating a concurrent
// caller having already done so.
func (s *Service) persistLazyTransition(ctx context.Context, d *Delegation, to ConsentStatus) {
	err := s.repo.SetConsentStatus(ctx, d.ID, StatusRequested, to, nil)
	if err != nil && !errors.Is(err, ErrInvalidStateTransition) {
		s.logger.Error().Err(err).
			Str("delegation_id", d.ID.String()).
			Str("to", string(to)).
			Msg("persisting consent transition failed")
	}
}

func (s *Service) emitConsentOutcome(ctx context.Context, actorID uuid.UUID, d *Delegation,
	kind, auditOutcome string, verify challenge.VerifyOutcome) {
	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    kind,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      auditOutcome,
		Detail:       map[string]interface{}{"verify_outcome": string(verify)},
	})
}

// DenyConsent records an explicit patient denial (REQUESTED -> DENIED).
func (s *Service) DenyConsent(ctx context.Context, delegationID, actorID uuid.UUID) error {
	d, err := s.getActiveByID(ctx, delegationID)
	if err != nil {
		return err
	}
	if err := Transition(d.ConsentStatus, StatusDenied); err != nil {
		return err
	}
	if err := s.repo.SetConsentStatus(ctx, d.ID, StatusRequested, StatusDenied, nil); err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			return err
		}
		return depErr("store", err)
	}
	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    audit.EventConsentDenied,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      audit.OutcomeDenied,
		Detail:       map[string]interface{}{"reason": "patient_denied"},
	})
	return nil
}

// Revoke deactivates a delegation. Permitted for the delegation's primary
// clinician, the delegate, or an administrative actor; always audited,
// including refused attempts.
func (s *Service) Revoke(ctx context.Context, delegationID, actorID uuid.UUID, roles []string) error {
	d, err := s.getActiveByID(ctx, delegationID)
	if err != nil {
		return err
	}

	permitted := actorID == d.PrimaryClinicianID || actorID == d.DelegateID
	for _, role := range roles {
		if role == "admin" {
			permitted = true
		}
	}
	if !permitted {
		s.auditor.Emit(ctx, &audit.Entry{
			ActorID:      actorID,
			EventKind:    audit.EventDelegationRevoked,
			DelegationID: &d.ID,
			PatientID:    &d.PatientID,
			Outcome:      audit.OutcomeDenied,
			Detail:       map[string]interface{}{"reason": "actor_not_authorized"},
		})
		return ErrPermissionDenied
	}

	if err := s.repo.Deactivate(ctx, d.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return depErr("store", err)
	}
	s.auditor.Emit(ctx, &audit.Entry{
		ActorID:      actorID,
		EventKind:    audit.EventDelegationRevoked,
		DelegationID: &d.ID,
		PatientID:    &d.PatientID,
		Outcome:      audit.OutcomeSuccess,
	})
	if err := s.sender.SendRevokeNotice(ctx, d.PatientID, s.now()); err != nil {
		s.logger.Warn().Err(err).
			Str("delegation_id", d.ID.String()).
			Msg("revocation notice delivery failed")
	}
	return nil
}

// Get returns a delegation by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Delegation, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, depErr("store", err)
	}
	return d, nil
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Delegation, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListByDelegate(ctx context.Context, delegateID uuid.UUID, limit, offset int) ([]*Delegation, int, error) {
	return s.repo.ListByDelegate(ctx, delegateID, limit, offset)
}

// ActiveDelegation returns the live delegation for a (patient, delegate)
// pair. A delegation past its own expires_at is reported as not found even
// before the reconciliation sweep has retired the row.
func (s *Service) ActiveDelegation(ctx context.Context, patientID, delegateID uuid.UUID) (*Delegation, error) {
	d, err := s.repo.GetActive(ctx, patientID, delegateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, depErr("store", err)
	}
	if s.now().After(d.ExpiresAt) {
		return nil, ErrNotFound
	}
	return d, nil
}

// EffectiveStatus evaluates the lazy EXPIRED rule: a REQUESTED delegation
// whose challenge has passed its expiry reads as EXPIRED without waiting
// for anything to be persisted.
func (s *Service) EffectiveStatus(ctx context.Context, d *Delegation) (ConsentStatus, error) {
	if d.ConsentStatus != StatusRequested {
		return d.ConsentStatus, nil
	}
	ch, err := s.challenges.Live(ctx, d.ID)
	if errors.Is(err, challenge.ErrNoLiveChallenge) {
		return StatusRequested, nil
	}
	if err != nil {
		return "", depErr("challenge store", err)
	}
	if !ch.IsVerified && s.now().After(ch.ExpiresAt) {
		return StatusExpired, nil
	}
	return StatusRequested, nil
}

// ConsentStatusView is the answer to getConsentStatus.
type ConsentStatusView struct {
	DelegationID    uuid.UUID     `json:"delegation_id"`
	ConsentRequired bool          `json:"consent_required"`
	ConsentStatus   ConsentStatus `json:"consent_status"`
	AccessGranted   bool          `json:"access_granted"`
}

// GetConsentStatus reports the effective consent state of the active
// delegation between a patient and an actor.
func (s *Service) GetConsentStatus(ctx context.Context, patientID, actorID uuid.UUID) (*ConsentStatusView, error) {
	d, err := s.ActiveDelegation(ctx, patientID, actorID)
	if err != nil {
		return nil, err
	}
	status, err := s.EffectiveStatus(ctx, d)
	if err != nil {
		return nil, err
	}
	return &ConsentStatusView{
		DelegationID:    d.ID,
		ConsentRequired: d.ConsentRequired,
		ConsentStatus:   status,
		AccessGranted:   status.AccessGranted(),
	}, nil
}

// ReconcileStats reports what a reconciliation sweep changed.
type ReconcileStats struct {
	DelegationsDeactivated int64
	ConsentsExpired        int
}

// Reconcile persists the lazy transitions: REQUESTED delegations whose
// challenge expired move to EXPIRED, and delegations past their own
// expires_at are deactivated. Safe to run concurrently with live traffic.
func (s *Service) Reconcile(ctx context.Context, batchSize int) (ReconcileStats, error) {
	var stats ReconcileStats

	deactivated, err := s.repo.DeactivatePastExpiry(ctx, s.now())
	if err != nil {
		return stats, depErr("store", err)
	}
	stats.DelegationsDeactivated = deactivated

	candidates, err := s.repo.ListByConsentStatus(ctx, StatusRequested, batchSize)
	if err != nil {
		return stats, depErr("store", err)
	}
	for _, d := range candidates {
		status, err := s.EffectiveStatus(ctx, d)
		if err != nil {
			s.logger.Error().Err(err).Str("delegation_id", d.ID.String()).Msg("reconcile status check failed")
			continue
		}
		if status != StatusExpired {
			continue
		}
		s.persistLazyTransition(ctx, d, StatusExpired)
		stats.ConsentsExpired++
		s.auditor.Emit(ctx, &audit.Entry{
			ActorID:      d.PatientID,
			EventKind:    audit.EventConsentExpired,
			DelegationID: &d.ID,
			PatientID:    &d.PatientID,
			Outcome:      audit.OutcomeDenied,
			Detail:       map[string]interface{}{"reason": "challenge_expired"},
		})
	}
	return stats, nil
}
