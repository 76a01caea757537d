package delegation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/careaccess/careaccess/internal/platform/auth"
)

func newHandlerFixture(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	t.Helper()
	f := newFixture(t)
	return NewHandler(f.svc), f, echo.New()
}

// asActor attaches an authenticated actor to the request the way the auth
// middleware would.
func asActor(c echo.Context, actorID uuid.UUID, roles ...string) {
	ctx := context.WithValue(c.Request().Context(), auth.UserIDKey, actorID.String())
	ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestHandler_CreateDelegation(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	body := `{"patient_id":"` + f.patient.String() +
		`","primary_clinician_id":"` + f.primary.String() +
		`","delegate_id":"` + f.delegate.String() +
		`","delegation_type":"SPECIALIST"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	if err := h.CreateDelegation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["consent_status"] != "NOT_REQUIRED" {
		t.Errorf("consent_status = %v, want NOT_REQUIRED", resp["consent_status"])
	}
	if resp["access_granted"] != true {
		t.Errorf("access_granted = %v, want true", resp["access_granted"])
	}
}

func TestHandler_CreateDelegation_UnknownType(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	body := `{"patient_id":"` + f.patient.String() +
		`","primary_clinician_id":"` + f.primary.String() +
		`","delegate_id":"` + f.delegate.String() +
		`","delegation_type":"OBSERVER"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	err := h.CreateDelegation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_CreateDelegation_Conflict(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	f.create(t, TypeSpecialist, f.delegate)

	body := `{"patient_id":"` + f.patient.String() +
		`","primary_clinician_id":"` + f.primary.String() +
		`","delegate_id":"` + f.delegate.String() +
		`","delegation_type":"SUBSTITUTE"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	err := h.CreateDelegation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_GetDelegation(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	res := f.create(t, TypeSpecialist, f.delegate)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, f.primary, "physician")

	if err := h.GetDelegation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_GetDelegation_NotFound(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	asActor(c, f.primary, "physician")

	err := h.GetDelegation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListDelegations_RequiresFilter(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	err := h.ListDelegations(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListDelegations_ByPatient(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	f.create(t, TypeSpecialist, f.delegate)

	req := httptest.NewRequest(http.MethodGet, "/?patient_id="+f.patient.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	if err := h.ListDelegations(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
}

func TestHandler_RevokeDelegation(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	res := f.create(t, TypeSpecialist, f.delegate)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, f.primary, "physician")

	if err := h.RevokeDelegation(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_RevokeDelegation_Forbidden(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	res := f.create(t, TypeSpecialist, f.delegate)

	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, uuid.New(), "physician")

	err := h.RevokeDelegation(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_ConsentFlow(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	res := f.create(t, TypeSpecialist, f.crossOrgDelegate)

	// Request the consent code.
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, f.primary, "physician")
	if err := h.RequestConsent(c); err != nil {
		t.Fatalf("RequestConsent: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}

	// Patient verifies.
	f.engine.outcome = "VERIFIED"
	body := `{"code":"482913"}`
	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, f.patient, "patient")
	if err := h.VerifyConsent(c); err != nil {
		t.Fatalf("VerifyConsent: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["verified"] != true {
		t.Errorf("verified = %v, want true", resp["verified"])
	}

	stored, _ := f.repo.GetByID(context.Background(), res.Delegation.ID)
	if stored.ConsentStatus != StatusGranted {
		t.Errorf("status = %s, want GRANTED", stored.ConsentStatus)
	}
}

func TestHandler_VerifyConsent_MissingCode(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	res := f.create(t, TypeSpecialist, f.crossOrgDelegate)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(res.Delegation.ID.String())
	asActor(c, f.patient, "patient")

	err := h.VerifyConsent(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_GetConsentStatus(t *testing.T) {
	h, f, e := newHandlerFixture(t)
	f.create(t, TypeSpecialist, f.delegate)

	req := httptest.NewRequest(http.MethodGet,
		"/?patient_id="+f.patient.String()+"&actor_id="+f.delegate.String(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	asActor(c, f.primary, "physician")

	if err := h.GetConsentStatus(c); err != nil {
		t.Fatalf("GetConsentStatus: %v", err)
	}
	var view ConsentStatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !view.AccessGranted {
		t.Error("same-org delegation should report access granted")
	}
}
