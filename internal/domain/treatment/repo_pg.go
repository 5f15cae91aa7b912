package treatment

import (
	"context"
	"errors"
	"fmt"

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
	Begin(ctx context.Context) (pgx.Tx, error)
}

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository {
	return &planRepoPG{pool: pool}
}

func (r *planRepoPG) conn(ctx context.Context) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const planCols = `id, patient_id, regimen_name, planned_cycles, periodicity_days, start_date,
	weight_kg, height_cm, bsa_m2, note, created_by, created_at, updated_at`

func scanPlan(row pgx.Row) (*TreatmentPlan, error) {
	var p TreatmentPlan
	err := row.Scan(&p.ID, &p.PatientID, &p.RegimenName, &p.PlannedCycles, &p.PeriodicityDays, &p.StartDate,
		&p.WeightKG, &p.HeightCM, &p.BSAM2, &p.Note, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &p, err
}

func (r *planRepoPG) Create(ctx context.Context, p *TreatmentPlan) error {
	tx, err := r.conn(ctx).Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin plan transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	p.ID = uuid.New()
	err = tx.QueryRow(ctx, `
		INSERT INTO treatment_plan (id, patient_id, regimen_name, planned_cycles, periodicity_days,
			start_date, weight_kg, height_cm, bsa_m2, note, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		p.ID, p.PatientID, p.RegimenName, p.PlannedCycles, p.PeriodicityDays,
		p.StartDate, p.WeightKG, p.HeightCM, p.BSAM2, p.Note, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}

	batch := &pgx.Batch{}
	for _, d := range p.Drugs {
		d.ID = uuid.New()
		d.PlanID = p.ID
		batch.Queue(`
			INSERT INTO treatment_drug (id, plan_id, drug_name, reference_dose, dose_unit, route,
				administration_days, sequence_order, calculated_dose)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			d.ID, d.PlanID, d.DrugName, d.ReferenceDose, string(d.DoseUnit), d.Route,
			d.AdministrationDays, d.SequenceOrder, d.CalculatedDose)
	}
	// Cycles are only ever written here, after the plan and drug rows.
	for _, c := range p.Cycles {
		c.ID = uuid.New()
		c.PlanID = p.ID
		batch.Queue(`
			INSERT INTO treatment_cycle (id, plan_id, cycle_number, scheduled_date, status)
			VALUES ($1,$2,$3,$4,$5)`,
			c.ID, c.PlanID, c.CycleNumber, c.ScheduledDate, c.Status)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	br := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert plan children: %w", err)
		}
	}
	return br.Close()
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM treatment_plan WHERE id = $1`, id))
}

func (r *planRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM treatment_plan WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM treatment_plan
		WHERE patient_id = $1 ORDER BY start_date DESC, created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TreatmentPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}

func (r *planRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM treatment_plan WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *planRepoPG) GetDrugs(ctx context.Context, planID uuid.UUID) ([]*TreatmentDrug, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, plan_id, drug_name, reference_dose, dose_unit, route,
			administration_days, sequence_order, calculated_dose
		FROM treatment_drug WHERE plan_id = $1 ORDER BY sequence_order, drug_name`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TreatmentDrug
	for rows.Next() {
		var d TreatmentDrug
		if err := rows.Scan(&d.ID, &d.PlanID, &d.DrugName, &d.ReferenceDose, &d.DoseUnit, &d.Route,
			&d.AdministrationDays, &d.SequenceOrder, &d.CalculatedDose); err != nil {
			return nil, err
		}
		items = append(items, &d)
	}
	return items, rows.Err()
}

const cycleCols = `id, plan_id, cycle_number, scheduled_date, status,
	neutrophils, platelets, creatinine, ast, alt, bilirubin, note, updated_at`

func scanCycle(row pgx.Row) (*TreatmentCycle, error) {
	var c TreatmentCycle
	err := row.Scan(&c.ID, &c.PlanID, &c.CycleNumber, &c.ScheduledDate, &c.Status,
		&c.Neutrophils, &c.Platelets, &c.Creatinine, &c.AST, &c.ALT, &c.Bilirubin, &c.Note, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &c, err
}

func (r *planRepoPG) GetCycles(ctx context.Context, planID uuid.UUID) ([]*TreatmentCycle, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+cycleCols+` FROM treatment_cycle WHERE plan_id = $1 ORDER BY cycle_number`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TreatmentCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *planRepoPG) GetCycle(ctx context.Context, id uuid.UUID) (*TreatmentCycle, error) {
	return scanCycle(r.conn(ctx).QueryRow(ctx, `SELECT `+cycleCols+` FROM treatment_cycle WHERE id = $1`, id))
}

func (r *planRepoPG) UpdateCycle(ctx context.Context, c *TreatmentCycle) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE treatment_cycle SET status=$2, neutrophils=$3, platelets=$4, creatinine=$5,
			ast=$6, alt=$7, bilirubin=$8, note=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Status, c.Neutrophils, c.Platelets, c.Creatinine, c.AST, c.ALT, c.Bilirubin, c.Note,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
