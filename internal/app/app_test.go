package app

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/toolmesh/toolproxy/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server:                 config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Upstreams:              map[string]config.Upstream{"calc": {Name: "calc", Transport: config.TransportStdio, Command: "echo"}},
		InitialConnectAttempts: 1,
		ReconnectMaxAttempts:   1,
		CallAttempts:           1,
	}
}

func TestNew_BuildsStatusStoreForEveryUpstream(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := a.Status().Get("calc")
	if rec.State != "unknown" {
		t.Errorf("state = %q, want unknown before Start", rec.State)
	}
}

func TestReloadClassifier_NilOverrides_NoError(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.ReloadClassifier(); err != nil {
		t.Errorf("ReloadClassifier with nil overrides: %v", err)
	}
}

func TestReloadClassifier_PicksUpOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.yaml")
	if err := os.WriteFile(path, []byte("recoverablePatterns:\n  - flaky upstream\n"), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	overrides, err := config.NewOverrides(path)
	if err != nil {
		t.Fatalf("NewOverrides: %v", err)
	}

	a, err := New(testConfig(), overrides)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.ReloadClassifier(); err != nil {
		t.Fatalf("ReloadClassifier: %v", err)
	}
	if !a.classifier.Recoverable(errors.New("flaky upstream detected")) {
		t.Error("expected the overrides file's pattern to be classified recoverable")
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.BearerToken = "secret"
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handler := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/calc/add", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}

	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status with valid token = %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_NoTokenConfigured_PassesThrough(t *testing.T) {
	a, err := New(testConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handler := a.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/calc/add", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}
