package challenge

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Options configures code generation and verification.
type Options struct {
	CodeLength  int
	TTL         time.Duration
	MaxAttempts int
}

// DefaultOptions returns the standard 6-digit, 30-minute, 5-attempt policy.
func DefaultOptions() Options {
	return Options{CodeLength: 6, TTL: 30 * time.Minute, MaxAttempts: 5}
}

func (o Options) validate() error {
	if o.CodeLength < 4 || o.CodeLength > 10 {
		return fmt.Errorf("code length must be between 4 and 10, got %d", o.CodeLength)
	}
	if o.TTL <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", o.TTL)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	return nil
}

// Engine issues and verifies one-time consent codes. Delivery of codes to
// the patient belongs to the notification collaborator, never to the engine.
type Engine struct {
	repo Repository
	opts Options
	now  func() time.Time
}

func NewEngine(repo Repository, opts Options) (*Engine, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Engine{repo: repo, opts: opts, now: time.Now}, nil
}

// Issue mints a fresh challenge for the delegation, invalidating any prior
// unverified one. The plaintext code is returned once and never stored.
func (e *Engine) Issue(ctx context.Context, delegationID uuid.UUID) (*Issued, error) {
	code, err := generateCode(e.opts.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}

	ch := &Challenge{
		DelegationID: delegationID,
		CodeHash:     HashCode(code),
		ExpiresAt:    e.now().Add(e.opts.TTL),
		MaxAttempts:  e.opts.MaxAttempts,
	}
	if err := e.repo.CreateSuperseding(ctx, ch); err != nil {
		return nil, fmt.Errorf("store challenge: %w", err)
	}

	return &Issued{ChallengeID: ch.ID, Code: code, ExpiresAt: ch.ExpiresAt}, nil
}

// Verify checks a supplied code against the delegation's live challenge.
// Expired and exhausted checks consume no attempt; a hash comparison does.
func (e *Engine) Verify(ctx context.Context, delegationID uuid.UUID, code string) (VerifyOutcome, error) {
	ch, err := e.repo.GetLive(ctx, delegationID)
	if errors.Is(err, ErrNoLiveChallenge) {
		return OutcomeNoActiveChallenge, nil
	}
	if err != nil {
		return "", err
	}

	if ch.IsVerified {
		return OutcomeAlreadyVerified, nil
	}
	if e.now().After(ch.ExpiresAt) {
		return OutcomeExpired, nil
	}
	if ch.AttemptsCount >= ch.MaxAttempts {
		return OutcomeAttemptsExhausted, nil
	}

	attempts, ok, err := e.repo.IncrementAttempts(ctx, ch.ID)
	if errors.Is(err, ErrSuperseded) {
		// A newer challenge was issued while this call was in flight; the
		// presented code is permanently unverifiable.
		return OutcomeNoActiveChallenge, nil
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return OutcomeAttemptsExhausted, nil
	}

	if subtle.ConstantTimeCompare([]byte(HashCode(code)), []byte(ch.CodeHash)) == 1 {
		if err := e.repo.MarkVerified(ctx, ch.ID); err != nil {
			if errors.Is(err, ErrSuperseded) {
				return OutcomeNoActiveChallenge, nil
			}
			return "", err
		}
		return OutcomeVerified, nil
	}

	if attempts >= ch.MaxAttempts {
		return OutcomeAttemptsExhausted, nil
	}
	return OutcomeIncorrect, nil
}

// Live returns the delegation's current unsuperseded challenge, or
// ErrNoLiveChallenge when none exists.
func (e *Engine) Live(ctx context.Context, delegationID uuid.UUID) (*Challenge, error) {
	return e.repo.GetLive(ctx, delegationID)
}

// HashCode returns the hex SHA-256 of a plaintext code.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// generateCode produces a fixed-length numeric code using crypto/rand.
// Leading zeros are allowed, so the space is exactly 10^n.
func generateCode(length int) (string, error) {
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits), nil
}
