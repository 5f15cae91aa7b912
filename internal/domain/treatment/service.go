package treatment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/domain/dosing"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/messaging"
	"github.com/oncocompanion/companion/internal/platform/telemetry"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("not allowed to act on this patient's treatment")
)

// AccessAuthorizer is satisfied by careaccess.Service.
type AccessAuthorizer interface {
	Authorize(ctx context.Context, doctorID, patientID uuid.UUID) (careaccess.Grant, error)
}

type Service struct {
	plans   PlanRepository
	access  AccessAuthorizer
	events  messaging.EventPublisher
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func NewService(plans PlanRepository, access AccessAuthorizer, events messaging.EventPublisher, metrics *telemetry.Metrics, logger zerolog.Logger) *Service {
	return &Service{plans: plans, access: access, events: events, metrics: metrics, logger: logger}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// authorize lets patients act on themselves, physicians on patients under
// their care, and admins on anyone.
func (s *Service) authorize(ctx context.Context, caller auth.Identity, patientID uuid.UUID) error {
	if caller.HasRole(auth.RoleAdmin) || caller.UserID == patientID {
		return nil
	}
	if !caller.HasRole(auth.RolePhysician) {
		return ErrForbidden
	}
	if _, err := s.access.Authorize(ctx, caller.UserID, patientID); err != nil {
		if errors.Is(err, careaccess.ErrNoAccess) {
			return ErrForbidden
		}
		return err
	}
	return nil
}

func validatePlan(p *TreatmentPlan) error {
	if p.PatientID == uuid.Nil {
		return invalid("patient_id is required")
	}
	p.RegimenName = strings.TrimSpace(p.RegimenName)
	if p.RegimenName == "" {
		return invalid("regimen_name is required")
	}
	if p.PlannedCycles <= 0 || p.PlannedCycles > dosing.MaxCycles {
		return invalid("planned_cycles must be between 1 and %d", dosing.MaxCycles)
	}
	if p.PeriodicityDays <= 0 {
		return invalid("periodicity_days must be positive")
	}
	if p.StartDate.IsZero() {
		return invalid("start_date is required")
	}
	if p.WeightKG != nil && *p.WeightKG <= 0 {
		return invalid("weight_kg must be positive")
	}
	if p.HeightCM != nil && *p.HeightCM <= 0 {
		return invalid("height_cm must be positive")
	}
	for i, d := range p.Drugs {
		if d == nil || strings.TrimSpace(d.DrugName) == "" {
			return invalid("drugs[%d].drug_name is required", i)
		}
		// The calculator passes unknown units through; plans refuse them.
		if !d.DoseUnit.IsKnown() {
			return invalid("drugs[%d].dose_unit %q is not one of mg, mg/m2, mg/kg", i, d.DoseUnit)
		}
		if d.ReferenceDose < 0 {
			return invalid("drugs[%d].reference_dose must not be negative", i)
		}
	}
	return nil
}

// CreatePlan derives BSA, per-drug doses and the cycle schedule, then stores
// everything at once. Cycles are not regenerated later.
func (s *Service) CreatePlan(ctx context.Context, caller auth.Identity, p *TreatmentPlan) error {
	if p.PatientID == uuid.Nil && !caller.HasRole(auth.RolePhysician) {
		p.PatientID = caller.UserID
	}
	if err := validatePlan(p); err != nil {
		return err
	}
	if err := s.authorize(ctx, caller, p.PatientID); err != nil {
		return err
	}

	y, m, d := p.StartDate.Date()
	p.StartDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	p.CreatedBy = caller.UserID

	var bsa float64
	p.BSAM2 = nil
	if p.WeightKG != nil && p.HeightCM != nil {
		bsa = dosing.BodySurfaceArea(*p.WeightKG, *p.HeightCM)
		p.BSAM2 = &bsa
	}

	for i, drug := range p.Drugs {
		drug.DrugName = strings.TrimSpace(drug.DrugName)
		if drug.SequenceOrder == 0 {
			drug.SequenceOrder = i + 1
		}
		if drug.AdministrationDays == nil {
			drug.AdministrationDays = []string{}
		}
		drug.CalculatedDose = dosing.Dose(drug.ReferenceDose, drug.DoseUnit, bsa, p.WeightKG)
	}

	dates := dosing.CycleSchedule(p.StartDate, p.PlannedCycles, p.PeriodicityDays)
	p.Cycles = make([]*TreatmentCycle, len(dates))
	for i, date := range dates {
		p.Cycles[i] = &TreatmentCycle{CycleNumber: i + 1, ScheduledDate: date, Status: CycleScheduled}
	}

	if err := s.plans.Create(ctx, p); err != nil {
		return fmt.Errorf("create treatment plan: %w", err)
	}

	s.metrics.RecordPlanCreated(ctx, p.PlannedCycles)
	s.publish(ctx, messaging.EventTreatmentPlanCreated, messaging.TreatmentPlanCreatedData{
		PlanID:        p.ID.String(),
		PatientID:     p.PatientID.String(),
		RegimenName:   p.RegimenName,
		PlannedCycles: p.PlannedCycles,
		StartDate:     p.StartDate,
		CreatedBy:     p.CreatedBy.String(),
	})
	return nil
}

func (s *Service) publish(ctx context.Context, key string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, key, messaging.NewEvent(key, data)); err != nil {
		s.logger.Warn().Err(err).Str("routing_key", key).Msg("publish event failed")
	}
}

// GetPlan returns the plan with drugs in sequence order and cycles in number
// order.
func (s *Service) GetPlan(ctx context.Context, caller auth.Identity, id uuid.UUID) (*TreatmentPlan, error) {
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, p.PatientID); err != nil {
		return nil, err
	}
	if p.Drugs, err = s.plans.GetDrugs(ctx, id); err != nil {
		return nil, fmt.Errorf("load drugs: %w", err)
	}
	if p.Cycles, err = s.plans.GetCycles(ctx, id); err != nil {
		return nil, fmt.Errorf("load cycles: %w", err)
	}
	return p, nil
}

func (s *Service) ListPlans(ctx context.Context, caller auth.Identity, patientID uuid.UUID, limit, offset int) ([]*TreatmentPlan, int, error) {
	if patientID == uuid.Nil {
		patientID = caller.UserID
	}
	if err := s.authorize(ctx, caller, patientID); err != nil {
		return nil, 0, err
	}
	return s.plans.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListCycles(ctx context.Context, caller auth.Identity, planID uuid.UUID) ([]*TreatmentCycle, error) {
	p, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, p.PatientID); err != nil {
		return nil, err
	}
	return s.plans.GetCycles(ctx, planID)
}

// RecordCycle updates status, lab values and note of one cycle. The schedule
// itself is immutable.
func (s *Service) RecordCycle(ctx context.Context, caller auth.Identity, cycleID uuid.UUID, u CycleUpdate) (*TreatmentCycle, error) {
	if u.Status != nil && !validCycleStatuses[*u.Status] {
		return nil, invalid("invalid status: %s", *u.Status)
	}
	for name, v := range map[string]*float64{
		"neutrophils": u.Neutrophils, "platelets": u.Platelets, "creatinine": u.Creatinine,
		"ast": u.AST, "alt": u.ALT, "bilirubin": u.Bilirubin,
	} {
		if v != nil && *v < 0 {
			return nil, invalid("%s must not be negative", name)
		}
	}

	c, err := s.plans.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	p, err := s.plans.GetByID(ctx, c.PlanID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, p.PatientID); err != nil {
		return nil, err
	}

	u.apply(c)
	if err := s.plans.UpdateCycle(ctx, c); err != nil {
		return nil, fmt.Errorf("update cycle: %w", err)
	}
	return c, nil
}

func (s *Service) DeletePlan(ctx context.Context, caller auth.Identity, id uuid.UUID) error {
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, caller, p.PatientID); err != nil {
		return err
	}
	return s.plans.Delete(ctx, id)
}
