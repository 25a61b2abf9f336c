package performance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
)

type fakeService struct {
	records map[string][]encounter.PerformanceRecord
}

func (f *fakeService) GetPerformanceRecordBySession(_ context.Context, sessionID string) (*encounter.PerformanceRecord, error) {
	for _, list := range f.records {
		for i := range list {
			if list[i].SessionID == sessionID {
				return &list[i], nil
			}
		}
	}
	return nil, &simulation.Error{Kind: simulation.KindNotFound, Msg: "not found"}
}

func (f *fakeService) GetPerformanceRecordsByUser(_ context.Context, userID string) ([]encounter.PerformanceRecord, error) {
	list := f.records[userID]
	if len(list) == 0 {
		return nil, &simulation.Error{Kind: simulation.KindNotFound, Msg: "no performance records"}
	}
	return list, nil
}

func (f *fakeService) GetProgress(_ context.Context, userID string) (*encounter.Progress, error) {
	list := f.records[userID]
	if len(list) == 0 {
		return nil, &simulation.Error{Kind: simulation.KindNotFound, Msg: "not found"}
	}
	return &encounter.Progress{UserID: userID, SessionsCompleted: len(list)}, nil
}

func setupRouter() *chi.Mux {
	svc := &fakeService{records: map[string][]encounter.PerformanceRecord{
		"learner-1": {{ID: "rec-1", SessionID: "sess-1", UserID: "learner-1", RawEvaluation: "Good job"}},
	}}
	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestRecordsByUser(t *testing.T) {
	r := setupRouter()

	resp := get(r, "/performance/users/learner-1")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var records []encounter.PerformanceRecord
	if err := json.Unmarshal(resp.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].ID != "rec-1" {
		t.Fatalf("unexpected records %+v", records)
	}

	if resp := get(r, "/performance/users/learner-2"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestRecordBySessionAndProgress(t *testing.T) {
	r := setupRouter()

	if resp := get(r, "/performance/sessions/sess-1"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp := get(r, "/performance/sessions/sess-2"); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := get(r, "/progress/learner-1"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}
