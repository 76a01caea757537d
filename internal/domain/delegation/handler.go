package delegation

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careaccess/careaccess/internal/platform/auth"
	"github.com/careaccess/careaccess/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinician := auth.RequireRole("admin", "physician", "nurse")
	patient := auth.RequireRole("admin", "patient")

	write := api.Group("", clinician)
	write.POST("/delegations", h.CreateDelegation)
	write.DELETE("/delegations/:id", h.RevokeDelegation)
	write.POST("/delegations/:id/consent/request", h.RequestConsent)
	write.POST("/delegations/:id/consent/resend", h.ResendConsentCode)

	read := api.Group("", clinician)
	read.GET("/delegations/:id", h.GetDelegation)
	read.GET("/delegations", h.ListDelegations)
	read.GET("/delegations/consent-status", h.GetConsentStatus)

	verify := api.Group("", patient)
	verify.POST("/delegations/:id/consent/verify", h.VerifyConsent)
	verify.POST("/delegations/:id/consent/deny", h.DenyConsent)
}

// httpError translates domain sentinels into HTTP errors.
func httpError(err error) error {
	var dep *DependencyError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "delegation not found")
	case errors.Is(err, ErrInvalidRequest):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, "an active delegation already exists for this patient and delegate")
	case errors.Is(err, ErrInvalidStateTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, "not permitted")
	case errors.As(err, &dep):
		return echo.NewHTTPError(http.StatusBadGateway, "upstream dependency unavailable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func actorFrom(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "subject is not a valid actor id")
	}
	return id, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type createDelegationRequest struct {
	PatientID          uuid.UUID   `json:"patient_id"`
	PrimaryClinicianID uuid.UUID   `json:"primary_clinician_id"`
	DelegateID         uuid.UUID   `json:"delegate_id"`
	Type               string      `json:"delegation_type"`
	SpecialtyFocus     []string    `json:"specialty_focus"`
	LinkedRecordIDs    []uuid.UUID `json:"linked_record_ids"`
}

func (h *Handler) CreateDelegation(c echo.Context) error {
	var req createDelegationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil || req.PrimaryClinicianID == uuid.Nil || req.DelegateID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id, primary_clinician_id and delegate_id are required")
	}
	t, err := ParseType(req.Type)
	if err != nil {
		return httpError(err)
	}
	result, err := h.svc.Create(c.Request().Context(), CreateInput{
		PatientID:          req.PatientID,
		PrimaryClinicianID: req.PrimaryClinicianID,
		DelegateID:         req.DelegateID,
		Type:               t,
		SpecialtyFocus:     req.SpecialtyFocus,
		LinkedRecordIDs:    req.LinkedRecordIDs,
	})
	if err != nil {
		return httpError(err)
	}
	body := result.Delegation.ToAPI()
	body["challenge_issued"] = result.ChallengeIssued
	return c.JSON(http.StatusCreated, body)
}

func (h *Handler) GetDelegation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	status, err := h.svc.EffectiveStatus(c.Request().Context(), d)
	if err != nil {
		return httpError(err)
	}
	body := d.ToAPI()
	body["consent_status"] = string(status)
	body["access_granted"] = d.IsActive && status.AccessGranted()
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) ListDelegations(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListByPatient(ctx, pid, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	if v := c.QueryParam("delegate_id"); v != "" {
		did, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid delegate_id")
		}
		items, total, err := h.svc.ListByDelegate(ctx, did, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	return echo.NewHTTPError(http.StatusBadRequest, "patient_id or delegate_id is required")
}

func (h *Handler) RevokeDelegation(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	roles := auth.RolesFromContext(c.Request().Context())
	if err := h.svc.Revoke(c.Request().Context(), id, actor, roles); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RequestConsent(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	result, err := h.svc.RequestConsent(c.Request().Context(), id, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

func (h *Handler) ResendConsentCode(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	result, err := h.svc.ResendConsentCode(c.Request().Context(), id, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, result)
}

type verifyConsentRequest struct {
	Code string `json:"code"`
}

func (h *Handler) VerifyConsent(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	var req verifyConsentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	outcome, err := h.svc.VerifyConsent(c.Request().Context(), id, actor, req.Code)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"outcome":  string(outcome),
		"verified": outcome.Verified(),
	})
}

func (h *Handler) DenyConsent(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	actor, err := actorFrom(c)
	if err != nil {
		return err
	}
	if err := h.svc.DenyConsent(c.Request().Context(), id, actor); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetConsentStatus(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	actorID := c.QueryParam("actor_id")
	var actor uuid.UUID
	if actorID != "" {
		if actor, err = uuid.Parse(actorID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid actor_id")
		}
	} else if actor, err = actorFrom(c); err != nil {
		return err
	}
	view, err := h.svc.GetConsentStatus(c.Request().Context(), patientID, actor)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}
