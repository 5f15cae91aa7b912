package connection

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/caderneta"
)

func newTestContext(method, body string, who *auth.Identity) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if who != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *who))
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_Complete(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	me := patient()
	f.partner.pending[me.UserID.String()] = true

	c, rec := newTestContext(http.MethodPost, `{"user_id":"`+me.UserID.String()+`","provider":"minha_caderneta"}`, &me)
	if err := h.Complete(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "tok-1") {
		t.Error("connection token must not be serialized")
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if body["success"] != true {
		t.Errorf("expected success envelope, got %v", body)
	}
}

func TestHandler_Complete_Unauthenticated(t *testing.T) {
	h := NewHandler(newFixture().svc)
	c, _ := newTestContext(http.MethodPost, `{"user_id":"`+uuid.NewString()+`"}`, nil)
	expectStatus(t, h.Complete(c), http.StatusUnauthorized)
}

func TestHandler_Complete_Mismatch(t *testing.T) {
	h := NewHandler(newFixture().svc)
	me := patient()
	c, _ := newTestContext(http.MethodPost, `{"user_id":"`+uuid.NewString()+`"}`, &me)
	expectStatus(t, h.Complete(c), http.StatusForbidden)
}

func TestHandler_Complete_NoPending(t *testing.T) {
	h := NewHandler(newFixture().svc)
	me := patient()
	c, _ := newTestContext(http.MethodPost, `{"user_id":"`+me.UserID.String()+`"}`, &me)
	expectStatus(t, h.Complete(c), http.StatusBadGateway)
}

func TestHandler_Complete_BadState(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	me := patient()
	c, _ := newTestContext(http.MethodPost, `{"user_id":"`+me.UserID.String()+`","state":"garbage"}`, &me)
	expectStatus(t, h.Complete(c), http.StatusBadRequest)
}

func TestHandler_Sync(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	me := patient()
	f.connect(t, me)

	c, rec := newTestContext(http.MethodPost, `{}`, &me)
	if err := h.Sync(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Success bool               `json:"success"`
		Summary VaccinationSummary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Summary.Total != 2 {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestHandler_Sync_NotConnected(t *testing.T) {
	h := NewHandler(newFixture().svc)
	me := patient()
	c, _ := newTestContext(http.MethodPost, `{}`, &me)
	expectStatus(t, h.Sync(c), http.StatusNotFound)
}

func TestHandler_Sync_PhysicianForbidden(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	p := patient()
	f.connect(t, p)
	doc := physician()

	c, _ := newTestContext(http.MethodPost, `{"patient_id":"`+p.UserID.String()+`"}`, &doc)
	expectStatus(t, h.Sync(c), http.StatusForbidden)
}

func TestHandler_Sync_Upstream(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	me := patient()
	f.connect(t, me)
	f.partner.fetchErr = &caderneta.StatusError{Op: "get-data", Code: 503}

	c, _ := newTestContext(http.MethodPost, `{}`, &me)
	expectStatus(t, h.Sync(c), http.StatusBadGateway)
}

func TestHandler_DisconnectAndStatus(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc)
	me := patient()
	f.connect(t, me)

	c, rec := newTestContext(http.MethodGet, "", &me)
	if err := h.Status(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"connected":true`) {
		t.Errorf("expected connected, got %s", rec.Body.String())
	}

	c, _ = newTestContext(http.MethodPost, `{}`, &me)
	if err := h.Disconnect(c); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	c, rec = newTestContext(http.MethodGet, "", &me)
	if err := h.Status(c); err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"connected":false`) {
		t.Errorf("expected disconnected, got %s", rec.Body.String())
	}

	c, _ = newTestContext(http.MethodPost, `{}`, &me)
	expectStatus(t, h.Disconnect(c), http.StatusNotFound)
}

func TestHandler_Initiate(t *testing.T) {
	h := NewHandler(newFixture().svc)
	me := patient()
	c, rec := newTestContext(http.MethodPost, `{"provider":"minha_caderneta"}`, &me)
	if err := h.Initiate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if u, _ := body["authorize_url"].(string); !strings.Contains(u, me.UserID.String()) {
		t.Errorf("unexpected authorize_url %v", body["authorize_url"])
	}
	if s, _ := body["state"].(string); s == "" {
		t.Error("expected state token")
	}
}
