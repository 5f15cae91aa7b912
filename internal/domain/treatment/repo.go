package treatment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

type PlanRepository interface {
	// Create writes the plan with its drugs and cycles in one transaction.
	Create(ctx context.Context, p *TreatmentPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error)
	// Delete removes the plan; drugs and cycles go with it.
	Delete(ctx context.Context, id uuid.UUID) error

	GetDrugs(ctx context.Context, planID uuid.UUID) ([]*TreatmentDrug, error)
	GetCycles(ctx context.Context, planID uuid.UUID) ([]*TreatmentCycle, error)
	GetCycle(ctx context.Context, id uuid.UUID) (*TreatmentCycle, error)
	UpdateCycle(ctx context.Context, c *TreatmentCycle) error
}
