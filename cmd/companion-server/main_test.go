package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/oncocompanion/companion/internal/config"
	"github.com/oncocompanion/companion/internal/platform/auth"
	"github.com/oncocompanion/companion/internal/platform/db"
)

func contextWith(id *auth.Identity) echo.Context {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), *id))
	}
	return echo.New().NewContext(req, httptest.NewRecorder())
}

func TestSessionSubject(t *testing.T) {
	uid := uuid.New()

	if got := sessionSubject(contextWith(nil)); got != "" {
		t.Errorf("anonymous: expected empty subject, got %q", got)
	}
	if got := sessionSubject(contextWith(&auth.Identity{UserID: uid, Roles: []string{auth.RolePatient}})); got != uid.String() {
		t.Errorf("patient: expected %s, got %q", uid, got)
	}
	if got := sessionSubject(contextWith(&auth.Identity{UserID: uid, Roles: []string{auth.RolePhysician}})); got != uid.String() {
		t.Errorf("physician: expected %s, got %q", uid, got)
	}
	if got := sessionSubject(contextWith(&auth.Identity{UserID: uid, Roles: []string{auth.RoleAdmin}})); got != "" {
		t.Errorf("admin: expected service role, got %q", got)
	}
}

func TestJWTConfig(t *testing.T) {
	cfg := &config.Config{Env: "production", AuthIssuer: "https://idp.example", AuthAudience: "companion", AuthSigningKey: "k"}
	jc := jwtConfig(cfg)
	if jc.Issuer != cfg.AuthIssuer || jc.Audience != cfg.AuthAudience || string(jc.SigningKey) != "k" {
		t.Errorf("unexpected jwt config %+v", jc)
	}
}

func TestPrintStatus(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_treatment.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_connections.sql"},
	})
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %d lines:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[2], "applied") || !strings.Contains(lines[2], "2024-03-01 10:00:00") {
		t.Errorf("unexpected applied row %q", lines[2])
	}
	if !strings.Contains(lines[3], "pending") {
		t.Errorf("unexpected pending row %q", lines[3])
	}
}
