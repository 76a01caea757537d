package delegation

import (
	"context"
	"errors"
	"time"

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

const cols = `id, patient_id, primary_clinician_id, delegate_id, delegation_type,
	can_view, can_create_plans, can_modify_plans, can_prescribe, can_order_tests,
	can_access_full_history, specialty_focus, linked_record_ids,
	consent_required, consent_status, is_active, created_at, expires_at, consent_granted_at`

func scan(row pgx.Row) (*Delegation, error) {
	var d Delegation
	err := row.Scan(&d.ID, &d.PatientID, &d.PrimaryClinicianID, &d.DelegateID, &d.Type,
		&d.Capabilities.CanView, &d.Capabilities.CanCreatePlans, &d.Capabilities.CanModifyPlans,
		&d.Capabilities.CanPrescribe, &d.Capabilities.CanOrderTests, &d.Capabilities.CanAccessFullHistory,
		&d.SpecialtyFocus, &d.LinkedRecordIDs,
		&d.ConsentRequired, &d.ConsentStatus, &d.IsActive,
		&d.CreatedAt, &d.ExpiresAt, &d.ConsentGrantedAt)
	return &d, err
}

func (r *repoPG) Create(ctx context.Context, d *Delegation) error {
	d.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO delegation (id, patient_id, primary_clinician_id, delegate_id, delegation_type,
			can_view, can_create_plans, can_modify_plans, can_prescribe, can_order_tests,
			can_access_full_history, specialty_focus, linked_record_ids,
			consent_required, consent_status, is_active, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,TRUE,$16)`,
		d.ID, d.PatientID, d.PrimaryClinicianID, d.DelegateID, d.Type,
		d.Capabilities.CanView, d.Capabilities.CanCreatePlans, d.Capabilities.CanModifyPlans,
		d.Capabilities.CanPrescribe, d.Capabilities.CanOrderTests, d.Capabilities.CanAccessFullHistory,
		d.SpecialtyFocus, d.LinkedRecordIDs,
		d.ConsentRequired, d.ConsentStatus, d.ExpiresAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Delegation, error) {
	d, err := scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM delegation WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) GetActive(ctx context.Context, patientID, delegateID uuid.UUID) (*Delegation, error) {
	d, err := scan(r.conn(ctx).QueryRow(ctx, `
		SELECT `+cols+` FROM delegation
		WHERE patient_id = $1 AND delegate_id = $2 AND is_active`, patientID, delegateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repoPG) list(ctx context.Context, where string, key uuid.UUID, limit, offset int) ([]*Delegation, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM delegation WHERE `+where, key).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+cols+` FROM delegation WHERE `+where+`
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, key, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Delegation
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Delegation, int, error) {
	return r.list(ctx, `patient_id = $1`, patientID, limit, offset)
}

func (r *repoPG) ListByDelegate(ctx context.Context, delegateID uuid.UUID, limit, offset int) ([]*Delegation, int, error) {
	return r.list(ctx, `delegate_id = $1`, delegateID, limit, offset)
}

func (r *repoPG) SetConsentStatus(ctx context.Context, id uuid.UUID, from, to ConsentStatus, grantedAt *time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE delegation
		SET consent_status = $3, consent_granted_at = COALESCE($4, consent_granted_at)
		WHERE id = $1 AND consent_status = $2`, id, from, to, grantedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE delegation SET is_active = FALSE WHERE id = $1 AND is_active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByConsentStatus(ctx context.Context, status ConsentStatus, limit int) ([]*Delegation, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+cols+` FROM delegation
		WHERE consent_status = $1 AND is_active
		ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Delegation
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, nil
}

func (r *repoPG) DeactivatePastExpiry(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE delegation SET is_active = FALSE WHERE is_active AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
