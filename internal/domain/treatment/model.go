package treatment

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/oncocompanion/companion/internal/domain/dosing"
)

const (
	CycleScheduled = "scheduled"
	CycleCompleted = "completed"
	CycleDelayed   = "delayed"
	CycleCancelled = "cancelled"
)

var validCycleStatuses = map[string]bool{
	CycleScheduled: true, CycleCompleted: true, CycleDelayed: true, CycleCancelled: true,
}

// TreatmentPlan maps to the treatment_plan table. BSAM2 is derived from
// weight and height when a plan is created and never recomputed.
type TreatmentPlan struct {
	ID              uuid.UUID `db:"id" json:"id"`
	PatientID       uuid.UUID `db:"patient_id" json:"patient_id"`
	RegimenName     string    `db:"regimen_name" json:"regimen_name"`
	PlannedCycles   int       `db:"planned_cycles" json:"planned_cycles"`
	PeriodicityDays int       `db:"periodicity_days" json:"periodicity_days"`
	StartDate       time.Time `db:"start_date" json:"start_date"`
	WeightKG        *float64  `db:"weight_kg" json:"weight_kg,omitempty"`
	HeightCM        *float64  `db:"height_cm" json:"height_cm,omitempty"`
	BSAM2           *float64  `db:"bsa_m2" json:"bsa_m2,omitempty"`
	Note            *string   `db:"note" json:"note,omitempty"`
	CreatedBy       uuid.UUID `db:"created_by" json:"created_by"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`

	Drugs  []*TreatmentDrug  `db:"-" json:"drugs,omitempty"`
	Cycles []*TreatmentCycle `db:"-" json:"cycles,omitempty"`
}

// UnmarshalJSON accepts start_date as a plain calendar date.
func (p *TreatmentPlan) UnmarshalJSON(b []byte) error {
	type plain TreatmentPlan
	aux := struct {
		*plain
		StartDate dosing.Date `json:"start_date"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	p.StartDate = aux.StartDate.Time
	return nil
}

// TreatmentDrug maps to the treatment_drug table.
type TreatmentDrug struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	PlanID             uuid.UUID       `db:"plan_id" json:"plan_id"`
	DrugName           string          `db:"drug_name" json:"drug_name"`
	ReferenceDose      float64         `db:"reference_dose" json:"reference_dose"`
	DoseUnit           dosing.DoseUnit `db:"dose_unit" json:"dose_unit"`
	Route              *string         `db:"route" json:"route,omitempty"`
	AdministrationDays []string        `db:"administration_days" json:"administration_days"`
	SequenceOrder      int             `db:"sequence_order" json:"sequence_order"`
	CalculatedDose     float64         `db:"calculated_dose" json:"calculated_dose"`
}

// TreatmentCycle maps to the treatment_cycle table.
type TreatmentCycle struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PlanID        uuid.UUID `db:"plan_id" json:"plan_id"`
	CycleNumber   int       `db:"cycle_number" json:"cycle_number"`
	ScheduledDate time.Time `db:"scheduled_date" json:"scheduled_date"`
	Status        string    `db:"status" json:"status"`
	Neutrophils   *float64  `db:"neutrophils" json:"neutrophils,omitempty"`
	Platelets     *float64  `db:"platelets" json:"platelets,omitempty"`
	Creatinine    *float64  `db:"creatinine" json:"creatinine,omitempty"`
	AST           *float64  `db:"ast" json:"ast,omitempty"`
	ALT           *float64  `db:"alt" json:"alt,omitempty"`
	Bilirubin     *float64  `db:"bilirubin" json:"bilirubin,omitempty"`
	Note          *string   `db:"note" json:"note,omitempty"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// CycleUpdate is a partial update of a cycle; nil fields are left as is.
type CycleUpdate struct {
	Status      *string  `json:"status,omitempty"`
	Neutrophils *float64 `json:"neutrophils,omitempty"`
	Platelets   *float64 `json:"platelets,omitempty"`
	Creatinine  *float64 `json:"creatinine,omitempty"`
	AST         *float64 `json:"ast,omitempty"`
	ALT         *float64 `json:"alt,omitempty"`
	Bilirubin   *float64 `json:"bilirubin,omitempty"`
	Note        *string  `json:"note,omitempty"`
}

func (u CycleUpdate) apply(c *TreatmentCycle) {
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.Neutrophils != nil {
		c.Neutrophils = u.Neutrophils
	}
	if u.Platelets != nil {
		c.Platelets = u.Platelets
	}
	if u.Creatinine != nil {
		c.Creatinine = u.Creatinine
	}
	if u.AST != nil {
		c.AST = u.AST
	}
	if u.ALT != nil {
		c.ALT = u.ALT
	}
	if u.Bilirubin != nil {
		c.Bilirubin = u.Bilirubin
	}
	if u.Note != nil {
		c.Note = u.Note
	}
}
