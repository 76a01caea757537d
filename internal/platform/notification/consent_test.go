package notification

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

type stubContacts struct {
	contact Contact
	err     error
}

func (s *stubContacts) ContactForPatient(_ context.Context, _ uuid.UUID) (Contact, error) {
	return s.contact, s.err
}

func newCodeSender(contact Contact) (*ConsentCodeSender, *fakeEmailSender, *fakeSMSSender) {
	email := &fakeEmailSender{}
	sms := &fakeSMSSender{}
	mgr := NewNotificationManager(email, sms, NewTemplateEngine())
	return NewConsentCodeSender(mgr, &stubContacts{contact: contact}), email, sms
}

func TestConsentCodeSender_PrefersSMS(t *testing.T) {
	sender, email, sms := newCodeSender(Contact{Phone: "+15551234567", Email: "p@example.com"})

	err := sender.SendConsentCode(context.Background(), uuid.New(), "482913", time.Now().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sms.calls) != 1 {
		t.Fatalf("sms calls = %d, want 1", len(sms.calls))
	}
	if sms.calls[0].to != "+15551234567" {
		t.Errorf("to = %q, want phone number", sms.calls[0].to)
	}
	if !strings.Contains(sms.calls[0].body, "482913") {
		t.Errorf("body should contain the code, got %q", sms.calls[0].body)
	}
	if len(email.calls) != 0 {
		t.Errorf("email should not be used when phone is available")
	}
}

func TestConsentCodeSender_EmailFallback(t *testing.T) {
	sender, email, _ := newCodeSender(Contact{Email: "p@example.com"})

	if err := sender.SendConsentCode(context.Background(), uuid.New(), "111111", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.calls) != 1 {
		t.Fatalf("email calls = %d, want 1", len(email.calls))
	}
}

func TestConsentCodeSender_NoChannel(t *testing.T) {
	sender, _, _ := newCodeSender(Contact{})

	err := sender.SendConsentCode(context.Background(), uuid.New(), "222222", time.Now())
	if err == nil {
		t.Fatal("expected error for patient with no contact channel")
	}
}

func TestConsentCodeSender_GrantNotice(t *testing.T) {
	sender, email, sms := newCodeSender(Contact{Phone: "+15551234567", Email: "p@example.com"})

	grantedAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	if err := sender.SendGrantNotice(context.Background(), uuid.New(), grantedAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.calls) != 1 {
		t.Fatalf("email calls = %d, want 1", len(email.calls))
	}
	if len(sms.calls) != 0 {
		t.Error("lifecycle notices must not go out over SMS")
	}
	if !strings.Contains(email.calls[0].body, "Mar 14, 2026") {
		t.Errorf("body should carry the grant timestamp, got %q", email.calls[0].body)
	}
}

func TestConsentCodeSender_RevokeNotice(t *testing.T) {
	sender, email, _ := newCodeSender(Contact{Email: "p@example.com"})

	if err := sender.SendRevokeNotice(context.Background(), uuid.New(), time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(email.calls) != 1 {
		t.Fatalf("email calls = %d, want 1", len(email.calls))
	}
	if email.calls[0].subject != "Care-team access revoked" {
		t.Errorf("subject = %q", email.calls[0].subject)
	}
}

func TestConsentCodeSender_NoticeWithoutEmail(t *testing.T) {
	sender, _, _ := newCodeSender(Contact{Phone: "+15551234567"})

	if err := sender.SendGrantNotice(context.Background(), uuid.New(), time.Now()); err == nil {
		t.Fatal("expected error when patient has no email on file")
	}
}
