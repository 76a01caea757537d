package audit

import (
	"context"
	"encoding/json"
	"fmt"

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

const cols = `id, actor_id, event_kind, delegation_id, patient_id, outcome, detail, created_at`

func scan(row pgx.Row) (*Entry, error) {
	var e Entry
	var detail []byte
	err := row.Scan(&e.ID, &e.ActorID, &e.EventKind, &e.DelegationID,
		&e.PatientID, &e.Outcome, &detail, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return nil, fmt.Errorf("decode audit detail: %w", err)
		}
	}
	return &e, nil
}

func (r *repoPG) Append(ctx context.Context, e *Entry) error {
	e.ID = uuid.New()
	var detail []byte
	if e.Detail != nil {
		var err error
		detail, err = json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO audit_entry (id, actor_id, event_kind, delegation_id, patient_id, outcome, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ActorID, e.EventKind, e.DelegationID, e.PatientID, e.Outcome, detail)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM audit_entry WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, filter Filter, limit, offset int) ([]*Entry, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.ActorID != nil {
		where += " AND actor_id = " + arg(*filter.ActorID)
	}
	if filter.PatientID != nil {
		where += " AND patient_id = " + arg(*filter.PatientID)
	}
	if filter.DelegationID != nil {
		where += " AND delegation_id = " + arg(*filter.DelegationID)
	}
	if filter.EventKind != "" {
		where += " AND event_kind = " + arg(filter.EventKind)
	}
	if filter.Outcome != "" {
		where += " AND outcome = " + arg(filter.Outcome)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM audit_entry `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + cols + ` FROM audit_entry ` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, nil
}
