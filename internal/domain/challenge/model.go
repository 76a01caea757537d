package challenge

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoLiveChallenge indicates the delegation has no unverified,
	// unsuperseded challenge on record.
	ErrNoLiveChallenge = errors.New("no live consent challenge")

	// ErrSuperseded indicates the challenge was replaced by a newer one
	// between lookup and update.
	ErrSuperseded = errors.New("consent challenge superseded")
)

// Challenge maps to the consent_challenge table. Only the SHA-256 hash of
// the code is persisted; the plaintext exists solely in the Issued value
// handed to the notification path.
type Challenge struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	DelegationID  uuid.UUID  `db:"delegation_id" json:"delegation_id"`
	CodeHash      string     `db:"code_hash" json:"-"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expires_at"`
	AttemptsCount int        `db:"attempts_count" json:"attempts_count"`
	MaxAttempts   int        `db:"max_attempts" json:"max_attempts"`
	IsVerified    bool       `db:"is_verified" json:"is_verified"`
	SupersededAt  *time.Time `db:"superseded_at" json:"superseded_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Live reports whether the challenge can still accept verification attempts'
// bookkeeping: it has not been replaced by a newer issue.
func (c *Challenge) Live() bool { return c.SupersededAt == nil }

// Issued is returned from Engine.Issue. Code is the plaintext one-time code
// for out-of-band delivery and is never persisted.
type Issued struct {
	ChallengeID uuid.UUID `json:"challenge_id"`
	Code        string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// VerifyOutcome is the result of a verification attempt. Outcomes are data,
// not errors: every one of them is a normal, expected engine answer.
type VerifyOutcome string

const (
	OutcomeVerified          VerifyOutcome = "VERIFIED"
	OutcomeIncorrect         VerifyOutcome = "INCORRECT"
	OutcomeExpired           VerifyOutcome = "EXPIRED"
	OutcomeAttemptsExhausted VerifyOutcome = "ATTEMPTS_EXHAUSTED"
	OutcomeNoActiveChallenge VerifyOutcome = "NO_ACTIVE_CHALLENGE"
	OutcomeAlreadyVerified   VerifyOutcome = "ALREADY_VERIFIED"
)

// Verified reports whether the outcome completes consent.
func (o VerifyOutcome) Verified() bool { return o == OutcomeVerified }
