package treatment

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RolePatient, auth.RolePhysician))
	g.POST("/treatment-plans", h.CreatePlan)
	g.GET("/treatment-plans", h.ListPlans)
	g.GET("/treatment-plans/:id", h.GetPlan)
	g.DELETE("/treatment-plans/:id", h.DeletePlan)
	g.GET("/treatment-plans/:id/cycles", h.ListCycles)
	g.PATCH("/treatment-cycles/:id", h.RecordCycle)
}

func caller(c echo.Context) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(c.Request().Context())
	if !ok {
		return auth.Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return id, nil
}

func toHTTPError(err error, notFound string) error {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, notFound)
	default:
		return err
	}
}

func paramID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) CreatePlan(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	var p TreatmentPlan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.CreatePlan(c.Request().Context(), who, &p); err != nil {
		return toHTTPError(err, "patient not found")
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPlan(c.Request().Context(), who, id)
	if err != nil {
		return toHTTPError(err, "treatment plan not found")
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	var patientID uuid.UUID
	if raw := c.QueryParam("patient_id"); raw != "" {
		if patientID, err = uuid.Parse(raw); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPlans(c.Request().Context(), who, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err, "patient not found")
	}
	if items == nil {
		items = []*TreatmentPlan{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListCycles(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	cycles, err := h.svc.ListCycles(c.Request().Context(), who, id)
	if err != nil {
		return toHTTPError(err, "treatment plan not found")
	}
	if cycles == nil {
		cycles = []*TreatmentCycle{}
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "data": cycles})
}

func (h *Handler) RecordCycle(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	var u CycleUpdate
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cycle, err := h.svc.RecordCycle(c.Request().Context(), who, id, u)
	if err != nil {
		return toHTTPError(err, "treatment cycle not found")
	}
	return c.JSON(http.StatusOK, cycle)
}

func (h *Handler) DeletePlan(c echo.Context) error {
	who, err := caller(c)
	if err != nil {
		return err
	}
	id, err := paramID(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeletePlan(c.Request().Context(), who, id); err != nil {
		return toHTTPError(err, "treatment plan not found")
	}
	return c.NoContent(http.StatusNoContent)
}
