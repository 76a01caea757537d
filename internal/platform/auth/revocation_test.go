package auth

import (
	"testing"
	"time"
)

func TestSessionRevoker_RevokeAndCheck(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	if r.IsRevoked("jti-1") {
		t.Error("fresh revoker should not report jti-1 revoked")
	}
	r.Revoke("jti-1", time.Now().Add(time.Hour))
	if !r.IsRevoked("jti-1") {
		t.Error("jti-1 should be revoked")
	}
	if r.IsRevoked("jti-2") {
		t.Error("jti-2 was never revoked")
	}
}

func TestSessionRevoker_RevokeActorCutsObservedSessions(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	exp := time.Now().Add(time.Hour)
	r.Observe("clinician-1", "jti-a", exp)
	r.Observe("clinician-1", "jti-b", exp)
	r.Observe("clinician-2", "jti-c", exp)

	count := r.RevokeActor("clinician-1")
	if count != 2 {
		t.Errorf("revoked count = %d, want 2", count)
	}
	if !r.IsRevoked("jti-a") || !r.IsRevoked("jti-b") {
		t.Error("both of clinician-1's sessions should be revoked")
	}
	if r.IsRevoked("jti-c") {
		t.Error("clinician-2's session should be untouched")
	}

	// Revoking again finds nothing new.
	if count := r.RevokeActor("clinician-1"); count != 0 {
		t.Errorf("repeat revocation count = %d, want 0", count)
	}
}

func TestSessionRevoker_RevokeUnknownActor(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	if count := r.RevokeActor("nobody"); count != 0 {
		t.Errorf("count = %d, want 0 for an actor with no sessions", count)
	}
}

func TestSessionRevoker_ObserveIgnoresEmptyJTI(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	r.Observe("clinician-1", "", time.Now().Add(time.Hour))
	if count := r.RevokeActor("clinician-1"); count != 0 {
		t.Errorf("count = %d, want 0 when only an empty JTI was observed", count)
	}
}

func TestSessionRevoker_PruneDropsExpired(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	r.Revoke("jti-old", past)
	r.Revoke("jti-new", future)
	r.Observe("clinician-1", "jti-old-seen", past)

	r.prune(time.Now())

	if r.IsRevoked("jti-old") {
		t.Error("entry past token expiry should be pruned")
	}
	if !r.IsRevoked("jti-new") {
		t.Error("live entry should survive pruning")
	}
	if count := r.RevokeActor("clinician-1"); count != 0 {
		t.Errorf("pruned session still revocable, count = %d", count)
	}
}

func TestSessionRevoker_Sessions(t *testing.T) {
	r := NewSessionRevoker()
	defer r.Close()

	r.Revoke("jti-1", time.Now().Add(time.Hour))
	r.Revoke("jti-2", time.Now().Add(2*time.Hour))

	sessions := r.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	seen := map[string]bool{}
	for _, s := range sessions {
		seen[s.JTI] = true
		if s.ExpiresAt.IsZero() {
			t.Errorf("session %s has zero expiry", s.JTI)
		}
	}
	if !seen["jti-1"] || !seen["jti-2"] {
		t.Error("snapshot should include both revoked sessions")
	}
}

func TestSessionRevoker_CloseIdempotent(t *testing.T) {
	r := NewSessionRevoker()
	r.Close()
	r.Close()
}
