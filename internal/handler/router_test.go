package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/internal/store"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestRouter(t *testing.T, db Pinger) http.Handler {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "router.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	if db == nil {
		db = repo
	}

	catalog := clinicalcase.NewMemoryStore(clinicalcase.Seed())
	svc := simulation.NewService(simulation.Deps{Repo: repo, Cases: catalog}, simulation.Config{})
	return NewRouter(catalog, svc, db, []string{"*"})
}

func TestRouterServesCatalogAndHealth(t *testing.T) {
	r := newTestRouter(t, nil)

	for _, path := range []string{"/healthz", "/api/cases"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestRouterHealthReportsDatabaseFailure(t *testing.T) {
	r := newTestRouter(t, pingFunc(func(context.Context) error { return errors.New("closed") }))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestRouterUnknownSessionIs404(t *testing.T) {
	r := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/7b0c2d4e-1f0a-4b8e-9c61-3f1d2a9effff", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}
