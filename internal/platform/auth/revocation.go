package auth

import (
	"sync"
	"time"
)

// SessionRevoker cuts JWT sessions off before their natural expiry. The JWT
// middleware reports every JTI it accepts, so the revoker knows which
// sessions belong to which actor; revoking an actor then severs all of them
// at once. That backs the offboarding flow: when a clinician's delegations
// are withdrawn their open sessions stop working too, instead of riding out
// the token lifetime.
//
// Entries drop out on their own once the underlying token expires, because
// an expired token fails validation regardless of the revocation list.
type SessionRevoker struct {
	mu      sync.RWMutex
	revoked map[string]time.Time            // jti -> token expiry
	seen    map[string]map[string]time.Time // actorID -> jti -> token expiry
	done    chan struct{}
}

// RevokedSession describes one entry on the revocation list.
type RevokedSession struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewSessionRevoker creates a revoker and starts its janitor, which prunes
// entries for tokens past their natural expiry every 5 minutes.
func NewSessionRevoker() *SessionRevoker {
	r := &SessionRevoker{
		revoked: make(map[string]time.Time),
		seen:    make(map[string]map[string]time.Time),
		done:    make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Observe records that a valid token with this JTI was presented by the
// actor. Called by the JWT middleware on every authenticated request.
func (r *SessionRevoker) Observe(actorID, jti string, expiresAt time.Time) {
	if jti == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions, ok := r.seen[actorID]
	if !ok {
		sessions = make(map[string]time.Time)
		r.seen[actorID] = sessions
	}
	sessions[jti] = expiresAt
}

// Revoke blacklists a single JTI until the token's natural expiry.
func (r *SessionRevoker) Revoke(jti string, expiresAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revoked[jti] = expiresAt
}

// RevokeActor blacklists every session observed for the actor and returns
// how many were cut.
func (r *SessionRevoker) RevokeActor(actorID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for jti, exp := range r.seen[actorID] {
		if _, already := r.revoked[jti]; !already {
			count++
		}
		r.revoked[jti] = exp
	}
	return count
}

// IsRevoked reports whether the JTI is on the revocation list.
func (r *SessionRevoker) IsRevoked(jti string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.revoked[jti]
	return ok
}

// Sessions returns a snapshot of the current revocation list.
func (r *SessionRevoker) Sessions() []RevokedSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RevokedSession, 0, len(r.revoked))
	for jti, exp := range r.revoked {
		out = append(out, RevokedSession{JTI: jti, ExpiresAt: exp})
	}
	return out
}

// Close stops the janitor. Safe to call more than once.
func (r *SessionRevoker) Close() {
	select {
	case <-r.done:
	default:
		close(r.done)
	}
}

func (r *SessionRevoker) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.prune(time.Now())
		}
	}
}

// prune drops entries for tokens past their natural expiry.
func (r *SessionRevoker) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for jti, exp := range r.revoked {
		if now.After(exp) {
			delete(r.revoked, jti)
		}
	}
	for actorID, sessions := range r.seen {
		for jti, exp := range sessions {
			if now.After(exp) {
				delete(sessions, jti)
			}
		}
		if len(sessions) == 0 {
			delete(r.seen, actorID)
		}
	}
}
