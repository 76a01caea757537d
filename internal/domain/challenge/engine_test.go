package challenge

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// memChallengeRepo mirrors the supersede-on-insert semantics of the Postgres
// implementation.
type memChallengeRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*Challenge
}

func newMemChallengeRepo() *memChallengeRepo {
	return &memChallengeRepo{rows: make(map[uuid.UUID]*Challenge)}
}

func (r *memChallengeRepo) CreateSuperseding(_ context.Context, ch *Challenge) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, row := range r.rows {
		if row.DelegationID == ch.DelegationID && row.SupersededAt == nil {
			row.SupersededAt = &now
		}
	}
	ch.ID = uuid.New()
	ch.CreatedAt = now
	cp := *ch
	r.rows[ch.ID] = &cp
	return nil
}

func (r *memChallengeRepo) GetLive(_ context.Context, delegationID uuid.UUID) (*Challenge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.DelegationID == delegationID && row.SupersededAt == nil {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ErrNoLiveChallenge
}

func (r *memChallengeRepo) IncrementAttempts(_ context.Context, id uuid.UUID) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return 0, false, ErrNoLiveChallenge
	}
	if row.SupersededAt != nil {
		return 0, false, ErrSuperseded
	}
	if row.AttemptsCount >= row.MaxAttempts {
		return 0, false, nil
	}
	row.AttemptsCount++
	return row.AttemptsCount, true, nil
}

func (r *memChallengeRepo) MarkVerified(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return ErrNoLiveChallenge
	}
	if row.SupersededAt != nil {
		return ErrSuperseded
	}
	row.IsVerified = true
	return nil
}

func newTestEngine(t *testing.T, opts Options) (*Engine, *memChallengeRepo) {
	t.Helper()
	repo := newMemChallengeRepo()
	eng, err := NewEngine(repo, opts)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng, repo
}

func TestIssue_ReturnsPlaintextOnce(t *testing.T) {
	eng, repo := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()

	issued, err := eng.Issue(context.Background(), delegationID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(issued.Code) != 6 {
		t.Errorf("code length = %d, want 6", len(issued.Code))
	}
	if strings.Trim(issued.Code, "0123456789") != "" {
		t.Errorf("code %q should be numeric", issued.Code)
	}

	stored, err := repo.GetLive(context.Background(), delegationID)
	if err != nil {
		t.Fatalf("GetLive: %v", err)
	}
	if stored.CodeHash == issued.Code {
		t.Error("plaintext code must never be persisted")
	}
	if stored.CodeHash != HashCode(issued.Code) {
		t.Error("stored hash should be the SHA-256 of the code")
	}
}

func TestVerify_CorrectCode(t *testing.T) {
	eng, repo := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()
	issued, _ := eng.Issue(context.Background(), delegationID)

	outcome, err := eng.Verify(context.Background(), delegationID, issued.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeVerified {
		t.Errorf("outcome = %s, want VERIFIED", outcome)
	}
	stored, _ := repo.GetLive(context.Background(), delegationID)
	if !stored.IsVerified {
		t.Error("challenge should be marked verified")
	}
}

func TestVerify_IncorrectCodeConsumesAttempt(t *testing.T) {
	eng, repo := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()
	issued, _ := eng.Issue(context.Background(), delegationID)

	wrong := "000000"
	if wrong == issued.Code {
		wrong = "000001"
	}
	outcome, err := eng.Verify(context.Background(), delegationID, wrong)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeIncorrect {
		t.Errorf("outcome = %s, want INCORRECT", outcome)
	}
	stored, _ := repo.GetLive(context.Background(), delegationID)
	if stored.AttemptsCount != 1 {
		t.Errorf("attempts = %d, want 1", stored.AttemptsCount)
	}
}

func TestVerify_AttemptsExhausted(t *testing.T) {
	eng, _ := newTestEngine(t, Options{CodeLength: 6, TTL: time.Hour, MaxAttempts: 3})
	delegationID := uuid.New()
	issued, _ := eng.Issue(context.Background(), delegationID)

	wrong := "000000"
	if wrong == issued.Code {
		wrong = "000001"
	}
	for i := 0; i < 2; i++ {
		if outcome, _ := eng.Verify(context.Background(), delegationID, wrong); outcome != OutcomeIncorrect {
			t.Fatalf("attempt %d: outcome = %s, want INCORRECT", i+1, outcome)
		}
	}
	// Third wrong attempt reaches the ceiling.
	outcome, err := eng.Verify(context.Background(), delegationID, wrong)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeAttemptsExhausted {
		t.Errorf("outcome = %s, want ATTEMPTS_EXHAUSTED", outcome)
	}

	// Even the correct code is refused afterwards, without consuming an
	// attempt.
	outcome, err = eng.Verify(context.Background(), delegationID, issued.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeAttemptsExhausted {
		t.Errorf("post-exhaustion outcome = %s, want ATTEMPTS_EXHAUSTED", outcome)
	}
}

func TestVerify_Expired(t *testing.T) {
	eng, repo := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()
	issued, _ := eng.Issue(context.Background(), delegationID)

	eng.now = func() time.Time { return issued.ExpiresAt.Add(time.Second) }

	outcome, err := eng.Verify(context.Background(), delegationID, issued.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeExpired {
		t.Errorf("outcome = %s, want EXPIRED", outcome)
	}
	stored, _ := repo.GetLive(context.Background(), delegationID)
	if stored.AttemptsCount != 0 {
		t.Error("expiry check must not consume an attempt")
	}
}

func TestVerify_AlreadyVerified(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()
	issued, _ := eng.Issue(context.Background(), delegationID)

	if outcome, _ := eng.Verify(context.Background(), delegationID, issued.Code); outcome != OutcomeVerified {
		t.Fatalf("first verify outcome = %s", outcome)
	}
	outcome, err := eng.Verify(context.Background(), delegationID, issued.Code)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeAlreadyVerified {
		t.Errorf("outcome = %s, want ALREADY_VERIFIED", outcome)
	}
}

func TestVerify_NoActiveChallenge(t *testing.T) {
	eng, _ := newTestEngine(t, DefaultOptions())

	outcome, err := eng.Verify(context.Background(), uuid.New(), "123456")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if outcome != OutcomeNoActiveChallenge {
		t.Errorf("outcome = %s, want NO_ACTIVE_CHALLENGE", outcome)
	}
}

func TestIssue_SupersedesPriorChallenge(t *testing.T) {
	eng, repo := newTestEngine(t, DefaultOptions())
	delegationID := uuid.New()

	first, _ := eng.Issue(context.Background(), delegationID)
	second, err := eng.Issue(context.Background(), delegationID)
	if err != nil {
		t.Fatalf("second Issue: %v", err)
	}

	live, err := repo.GetLive(context.Background(), delegationID)
	if err != nil {
		t.Fatalf("GetLive: %v", err)
	}
	if live.ID != second.ChallengeID {
		t.Error("live challenge should be the most recent issue")
	}

	// The old code only verifies if it happens to collide with the new one.
	if first.Code != second.Code {
		outcome, _ := eng.Verify(context.Background(), delegationID, first.Code)
		if outcome != OutcomeIncorrect {
			t.Errorf("superseded code outcome = %s, want INCORRECT", outcome)
		}
	}
}

func TestNewEngine_RejectsBadOptions(t *testing.T) {
	repo := newMemChallengeRepo()
	bad := []Options{
		{CodeLength: 3, TTL: time.Hour, MaxAttempts: 5},
		{CodeLength: 11, TTL: time.Hour, MaxAttempts: 5},
		{CodeLength: 6, TTL: 0, MaxAttempts: 5},
		{CodeLength: 6, TTL: time.Hour, MaxAttempts: 0},
	}
	for _, opts := range bad {
		if _, err := NewEngine(repo, opts); err == nil {
			t.Errorf("NewEngine(%+v) should fail", opts)
		}
	}
}

func TestGenerateCode_SpaceIncludesLeadingZeros(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode(6)
		if err != nil {
			t.Fatalf("generateCode: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("length = %d, want 6", len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit %q in code %q", r, code)
			}
		}
	}
}
