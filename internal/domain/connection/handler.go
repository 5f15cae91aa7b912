package connection

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oncocompanion/companion/internal/domain/careaccess"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the handshake endpoints. Endpoints that reach the
// provider are rate limited per user.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/connections", auth.RequireRole(auth.RolePatient, auth.RolePhysician))
	limited := middleware.RateLimit(middleware.PartnerRateLimitConfig(func(c echo.Context) string {
		return auth.UserIDFromContext(c.Request().Context())
	}))

	g.POST("/initiate", h.Initiate)
	g.POST("/complete", h.Complete, limited)
	g.POST("/sync", h.Sync, limited)
	g.POST("/disconnect", h.Disconnect, limited)
	g.GET("/status", h.Status)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, ErrUnauthenticated.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusBadRequest, ErrInvalidState.Error())
	case errors.Is(err, ErrIdentityMismatch):
		return echo.NewHTTPError(http.StatusForbidden, ErrIdentityMismatch.Error())
	case errors.Is(err, careaccess.ErrNoAccess):
		return echo.NewHTTPError(http.StatusForbidden, careaccess.ErrNoAccess.Error())
	case errors.Is(err, ErrNotConnected):
		return echo.NewHTTPError(http.StatusNotFound, ErrNotConnected.Error())
	case errors.Is(err, ErrNoPendingAuthorization):
		return echo.NewHTTPError(http.StatusBadGateway, ErrNoPendingAuthorization.Error())
	case errors.Is(err, ErrMalformedTokenResponse):
		return echo.NewHTTPError(http.StatusBadGateway, ErrMalformedTokenResponse.Error())
	case errors.Is(err, ErrUpstreamFailure):
		return echo.NewHTTPError(http.StatusBadGateway, ErrUpstreamFailure.Error())
	default:
		return err
	}
}

func identity(c echo.Context) auth.Identity {
	id, _ := auth.IdentityFromContext(c.Request().Context())
	return id
}

func (h *Handler) Initiate(c echo.Context) error {
	var req InitiateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	res, err := h.svc.Initiate(c.Request().Context(), identity(c), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":       true,
		"provider":      res.Provider,
		"authorize_url": res.AuthorizeURL,
		"state":         res.State,
		"expires_at":    res.ExpiresAt,
	})
}

func (h *Handler) Complete(c echo.Context) error {
	var req CompleteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	conn, err := h.svc.Complete(c.Request().Context(), identity(c), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "connection": conn})
}

func (h *Handler) Sync(c echo.Context) error {
	var req SyncRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	summary, err := h.svc.Sync(c.Request().Context(), identity(c), req)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "summary": summary})
}

func (h *Handler) Disconnect(c echo.Context) error {
	var req DisconnectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.Disconnect(c.Request().Context(), identity(c), req); err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (h *Handler) Status(c echo.Context) error {
	conn, err := h.svc.Status(c.Request().Context(), identity(c), Provider(c.QueryParam("provider")))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":    true,
		"connected":  conn != nil,
		"connection": conn,
	})
}
