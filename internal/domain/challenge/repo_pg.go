package challenge

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careaccess/careaccess/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const cols = `id, delegation_id, code_hash, expires_at, attempts_count,
	max_attempts, is_verified, superseded_at, created_at`

func scan(row pgx.Row) (*Challenge, error) {
	var c Challenge
	err := row.Scan(&c.ID, &c.DelegationID, &c.CodeHash, &c.ExpiresAt,
		&c.AttemptsCount, &c.MaxAttempts, &c.IsVerified, &c.SupersededAt, &c.CreatedAt)
	return &c, err
}

func (r *repoPG) CreateSuperseding(ctx context.Context, ch *Challenge) error {
	ch.ID = uuid.New()
	// Retire the live predecessor, then insert, inside one transaction.
	// This must be two statements: an unreferenced data-modifying CTE runs
	// after the main query, so a single WITH...UPDATE would still trip the
	// partial unique index on live rows.
	run := func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			UPDATE consent_challenge SET superseded_at = NOW()
			WHERE delegation_id = $1 AND superseded_at IS NULL`, ch.DelegationID); err != nil {
			return err
		}
		_, err := q.Exec(ctx, `
			INSERT INTO consent_challenge
				(id, delegation_id, code_hash, expires_at, attempts_count, max_attempts, is_verified)
			VALUES ($1, $2, $3, $4, 0, $5, FALSE)`,
			ch.ID, ch.DelegationID, ch.CodeHash, ch.ExpiresAt, ch.MaxAttempts)
		return err
	}
	if db.TxFromContext(ctx) != nil {
		return run(ctx)
	}
	// Begin on the request's pinned connection when there is one so the
	// transaction keeps the tenant search path.
	if c := db.ConnFromContext(ctx); c != nil {
		tx, err := c.Begin(ctx)
		if err != nil {
			return err
		}
		if err := run(db.WithTx(ctx, tx)); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
		return tx.Commit(ctx)
	}
	return db.InTx(ctx, r.pool, run)
}

func (r *repoPG) GetLive(ctx context.Context, delegationID uuid.UUID) (*Challenge, error) {
	ch, err := scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+cols+` FROM consent_challenge
		WHERE delegation_id = $1 AND superseded_at IS NULL`, delegationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoLiveChallenge
	}
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (r *repoPG) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, bool, error) {
	var count int
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE consent_challenge
		SET attempts_count = attempts_count + 1
		WHERE id = $1 AND superseded_at IS NULL AND attempts_count < max_attempts
		RETURNING attempts_count`, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either superseded or the ceiling was reached by a concurrent call.
		var superseded bool
		if lookupErr := r.conn(ctx).QueryRow(ctx,
			`SELECT superseded_at IS NOT NULL FROM consent_challenge WHERE id = $1`,
			id).Scan(&superseded); lookupErr != nil {
			return 0, false, lookupErr
		}
		if superseded {
			return 0, false, ErrSuperseded
		}
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

func (r *repoPG) MarkVerified(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE consent_challenge SET is_verified = TRUE
		WHERE id = $1 AND superseded_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSuperseded
	}
	return nil
}
