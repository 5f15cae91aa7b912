package careaccess

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oncocompanion/companion/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *repoPG) HasActiveAccess(ctx context.Context, doctorID, patientID uuid.UUID) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT has_active_doctor_access($1, $2)`, doctorID, patientID).Scan(&ok)
	return ok, err
}

const accessCols = `id, doctor_id, patient_id, status, granted_at, revoked_at`

func (r *repoPG) ListPatients(ctx context.Context, doctorID uuid.UUID, limit, offset int) ([]*Access, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM doctor_patient_access WHERE doctor_id = $1 AND status = 'active'`,
		doctorID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+accessCols+` FROM doctor_patient_access
		WHERE doctor_id = $1 AND status = 'active'
		ORDER BY granted_at DESC LIMIT $2 OFFSET $3`, doctorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Access
	for rows.Next() {
		var a Access
		if err := rows.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.Status, &a.GrantedAt, &a.RevokedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &a)
	}
	return items, total, rows.Err()
}
