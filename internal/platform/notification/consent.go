package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Contact describes the channels a patient can be reached on.
type Contact struct {
	Phone string
	Email string
}

// ContactResolver looks up a patient's delivery channels. Implemented by the
// directory service through an adapter in the server entrypoint.
type ContactResolver interface {
	ContactForPatient(ctx context.Context, patientID uuid.UUID) (Contact, error)
}

// ConsentCodeSender delivers one-time consent codes and consent-lifecycle
// notices to patients. Codes prefer SMS and fall back to email; lifecycle
// notices are email only.
type ConsentCodeSender struct {
	manager  *NotificationManager
	contacts ContactResolver
}

func NewConsentCodeSender(manager *NotificationManager, contacts ContactResolver) *ConsentCodeSender {
	return &ConsentCodeSender{manager: manager, contacts: contacts}
}

// SendConsentCode renders the consent-code template for the patient's best
// channel and dispatches it. The plaintext code is never logged or stored.
func (s *ConsentCodeSender) SendConsentCode(ctx context.Context, patientID uuid.UUID, code string, expiresAt time.Time) error {
	contact, err := s.contacts.ContactForPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("resolve patient contact: %w", err)
	}

	data := map[string]string{
		"code":       code,
		"expires_at": expiresAt.UTC().Format("15:04 MST, Jan 2"),
	}

	switch {
	case contact.Phone != "":
		_, err = s.manager.SendFromTemplate(ctx, "consent-code-sms", data, contact.Phone)
	case contact.Email != "":
		_, err = s.manager.SendFromTemplate(ctx, "consent-code-email", data, contact.Email)
	default:
		return fmt.Errorf("patient %s has no reachable contact channel", patientID)
	}
	return err
}

// SendGrantNotice confirms to the patient that they granted care-team access.
// Email only; delivery is best effort and the caller decides whether a miss
// matters.
func (s *ConsentCodeSender) SendGrantNotice(ctx context.Context, patientID uuid.UUID, grantedAt time.Time) error {
	return s.sendLifecycleNotice(ctx, patientID, "consent-granted", map[string]string{
		"granted_at": grantedAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	})
}

// SendRevokeNotice tells the patient a care-team member's access was revoked.
func (s *ConsentCodeSender) SendRevokeNotice(ctx context.Context, patientID uuid.UUID, revokedAt time.Time) error {
	return s.sendLifecycleNotice(ctx, patientID, "delegation-revoked", map[string]string{
		"revoked_at": revokedAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	})
}

func (s *ConsentCodeSender) sendLifecycleNotice(ctx context.Context, patientID uuid.UUID, templateID string, data map[string]string) error {
	contact, err := s.contacts.ContactForPatient(ctx, patientID)
	if err != nil {
		return fmt.Errorf("resolve patient contact: %w", err)
	}
	if contact.Email == "" {
		return fmt.Errorf("patient %s has no email on file", patientID)
	}
	_, err = s.manager.SendFromTemplate(ctx, templateID, data, contact.Email)
	return err
}
