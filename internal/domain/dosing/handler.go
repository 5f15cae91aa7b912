package dosing

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PreviewDrug is one drug line in a preview request.
type PreviewDrug struct {
	DrugName      string   `json:"drug_name"`
	ReferenceDose float64  `json:"reference_dose"`
	DoseUnit      DoseUnit `json:"dose_unit"`
}

// PreviewRequest is the body of POST /dosing/preview.
type PreviewRequest struct {
	WeightKG        *float64      `json:"weight_kg,omitempty"`
	HeightCM        *float64      `json:"height_cm,omitempty"`
	StartDate       *Date         `json:"start_date,omitempty"`
	PlannedCycles   int           `json:"planned_cycles"`
	PeriodicityDays int           `json:"periodicity_days"`
	Drugs           []PreviewDrug `json:"drugs"`
}

type PreviewDose struct {
	DrugName       string   `json:"drug_name"`
	ReferenceDose  float64  `json:"reference_dose"`
	DoseUnit       DoseUnit `json:"dose_unit"`
	CalculatedDose float64  `json:"calculated_dose"`
	KnownUnit      bool     `json:"known_unit"`
}

type PreviewResponse struct {
	BSAM2    float64       `json:"bsa_m2"`
	Doses    []PreviewDose `json:"doses"`
	Schedule []string      `json:"schedule"`
}

// Preview evaluates the calculator for a draft plan. It never persists.
func Preview(req PreviewRequest) (*PreviewResponse, error) {
	if req.PlannedCycles < 0 || req.PlannedCycles > MaxCycles {
		return nil, fmt.Errorf("planned_cycles must be between 0 and %d", MaxCycles)
	}
	if req.PlannedCycles > 0 && req.PeriodicityDays <= 0 {
		return nil, fmt.Errorf("periodicity_days must be positive")
	}

	var bsa float64
	if req.WeightKG != nil && req.HeightCM != nil {
		bsa = BodySurfaceArea(*req.WeightKG, *req.HeightCM)
	}

	resp := &PreviewResponse{
		BSAM2:    bsa,
		Doses:    make([]PreviewDose, 0, len(req.Drugs)),
		Schedule: []string{},
	}
	for _, d := range req.Drugs {
		resp.Doses = append(resp.Doses, PreviewDose{
			DrugName:       d.DrugName,
			ReferenceDose:  d.ReferenceDose,
			DoseUnit:       d.DoseUnit,
			CalculatedDose: Dose(d.ReferenceDose, d.DoseUnit, bsa, req.WeightKG),
			KnownUnit:      d.DoseUnit.IsKnown(),
		})
	}
	if req.StartDate != nil {
		for _, day := range CycleSchedule(req.StartDate.Time, req.PlannedCycles, req.PeriodicityDays) {
			resp.Schedule = append(resp.Schedule, day.Format(dateLayout))
		}
	}
	return resp, nil
}

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/dosing/preview", h.Preview)
}

func (h *Handler) Preview(c echo.Context) error {
	var req PreviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	resp, err := Preview(req)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
