package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/oncocompanion/companion/internal/platform/auth"
)

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		rid, _ := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}

	_ = RequestID()(handler)(c)
	if got := rec.Header().Get(RequestIDHeader); got != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", got)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "rid-1")

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}
	if err := Logger(logger)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["path"] != "/test" || line["request_id"] != "rid-1" {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["level"] != "info" {
		t.Errorf("expected info level, got %v", line["level"])
	}
}

func TestLogger_UsesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/x", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "not connected")
	}
	_ = Logger(logger)(handler)(c)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["status"] != float64(http.StatusNotFound) {
		t.Errorf("expected status 404, got %v", line["status"])
	}
	if line["level"] != "warn" {
		t.Errorf("expected warn level, got %v", line["level"])
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	handler := func(c echo.Context) error {
		panic("boom")
	}
	err := Recovery(zerolog.Nop())(handler)(c)
	if StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %v", err)
	}
}

func TestRecovery_LogsCaller(t *testing.T) {
	e := echo.New()
	uid := uuid.New()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/connections/sync", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: uid, Roles: []string{auth.RolePatient}}))
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/api/v1/connections/sync")
	c.Set("request_id", "req-1")

	var buf bytes.Buffer
	_ = Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("nil summary")
	})(c)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["user_id"] != uid.String() || entry["request_id"] != "req-1" {
		t.Errorf("missing caller fields in %v", entry)
	}
	if entry["route"] != "/api/v1/connections/sync" || entry["panic"] != "nil summary" {
		t.Errorf("unexpected route or panic in %v", entry)
	}
}

func TestErrorHandler_HTTPError(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	ErrorHandler(zerolog.Nop())(echo.NewHTTPError(http.StatusForbidden, "identity mismatch"), c)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	var body ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error != "identity mismatch" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestErrorHandler_HidesInternalErrors(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	ErrorHandler(zerolog.Nop())(errors.New("pq: password authentication failed"), c)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Errorf("internal error text leaked: %s", rec.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	handler := BodyLimit("16")(func(c echo.Context) error {
		var v map[string]any
		if err := c.Bind(&v); err != nil {
			return err
		}
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"user_id":"0123456789abcdef"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := handler(e.NewContext(req, httptest.NewRecorder()))
	if StatusOf(err) != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"a":1}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if err := handler(e.NewContext(req, httptest.NewRecorder())); err != nil {
		t.Errorf("expected small body to pass, got %v", err)
	}
}

func TestParseLimit(t *testing.T) {
	tests := map[string]int64{
		"":     1 << 20,
		"512":  512,
		"64K":  64 << 10,
		"64kb": 64 << 10,
		"2M":   2 << 20,
		"1G":   1 << 30,
		"junk": 1 << 20,
	}
	for in, want := range tests {
		if got := parseLimit(in); got != want {
			t.Errorf("parseLimit(%q) = %d, want %d", in, got, want)
		}
	}
}
