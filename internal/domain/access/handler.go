package access

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careaccess/careaccess/internal/domain/delegation"
	"github.com/careaccess/careaccess/internal/platform/auth"
)

type Handler struct {
	eval *Evaluator
}

func NewHandler(eval *Evaluator) *Handler {
	return &Handler{eval: eval}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse", "patient"))
	read.GET("/access/evaluate", h.Evaluate)
}

// Evaluate answers whether actor_id (defaulting to the caller) may access
// patient_id. A denial is a 200 with can_access=false, never an HTTP error.
func (h *Handler) Evaluate(c echo.Context) error {
	ctx := c.Request().Context()

	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}

	actorID, err := uuid.Parse(auth.UserIDFromContext(ctx))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "subject is not a valid actor id")
	}
	roles := auth.RolesFromContext(ctx)

	// Admins may evaluate on behalf of another actor.
	if v := c.QueryParam("actor_id"); v != "" {
		requested, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_id")
		}
		if requested != actorID {
			if !adminActor(roles) {
				return echo.NewHTTPError(http.StatusForbidden, "only admins may evaluate for another actor")
			}
			actorID = requested
			roles = nil
		}
	}

	decision, err := h.eval.Evaluate(ctx, actorID, patientID, roles)
	if errors.Is(err, delegation.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, "upstream dependency unavailable")
	}
	return c.JSON(http.StatusOK, decision)
}
