package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-clinic/backend/internal/model/clinicalcase"
	"github.com/zhouzirui/z-clinic/backend/internal/model/encounter"
	"github.com/zhouzirui/z-clinic/backend/internal/service/simulation"
	"github.com/zhouzirui/z-clinic/backend/internal/store"
)

type scriptedResponder struct {
	chunks []string
	err    error
}

func (s *scriptedResponder) StreamPatientReply(context.Context, *clinicalcase.Case, []encounter.Turn, string, bool) (encounter.ReplyStream, error) {
	return &scriptedStream{chunks: append([]string(nil), s.chunks...), err: s.err}, nil
}

type scriptedStream struct {
	chunks []string
	err    error
}

func (s *scriptedStream) Recv() (string, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) ShouldEnd() bool { return false }
func (s *scriptedStream) Close()          {}

type staticEvaluator struct{}

func (staticEvaluator) Evaluate(context.Context, *clinicalcase.Case, []encounter.Turn, []encounter.Decision) (*encounter.GeneratedEvaluation, error) {
	return &encounter.GeneratedEvaluation{Text: "Good job", Metrics: map[string]any{"overallScore": 75, "summary": "ok"}}, nil
}

func setupRouter(t *testing.T, responder *scriptedResponder) *chi.Mux {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	svc := simulation.NewService(simulation.Deps{
		Repo:      repo,
		Cases:     clinicalcase.NewMemoryStore(clinicalcase.Seed()),
		Responder: responder,
		Evaluator: staticEvaluator{},
	}, simulation.Config{})
	t.Cleanup(svc.Wait)

	r := chi.NewRouter()
	New(svc).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func startSession(t *testing.T, r http.Handler) string {
	t.Helper()
	resp := do(t, r, http.MethodPost, "/sessions", map[string]string{"caseCode": "CASE-001"}, map[string]string{UserHeader: "learner-1"})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}
	var result simulation.StartResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode start: %v", err)
	}
	if result.OpeningLine != "I have chest pain" {
		t.Fatalf("unexpected opening line %q", result.OpeningLine)
	}
	return result.SessionID
}

func TestStartUnknownCase(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{})
	resp := do(t, r, http.MethodPost, "/sessions", map[string]string{"caseCode": "CASE-999"}, nil)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestAskStreamsSSE(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{chunks: []string{"About an ", "hour ago."}})
	id := startSession(t, r)

	resp := do(t, r, http.MethodPost, "/sessions/"+id+"/ask", map[string]string{"utterance": "I think this is a heart attack"}, nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	body := resp.Body.String()
	for _, want := range []string{"event: start", "event: delta", `"content":"About an "`, "event: message", "event: ended", "event: end"} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestAskJSONAndForbiddenAfterEnd(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{chunks: []string{"Okay."}})
	id := startSession(t, r)
	accept := map[string]string{"Accept": "application/json"}

	resp := do(t, r, http.MethodPost, "/sessions/"+id+"/ask", map[string]string{"utterance": "I'm going to admit you"}, accept)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var result simulation.AskResult
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode ask: %v", err)
	}
	if !result.Ended || len(result.History) != 3 {
		t.Fatalf("unexpected ask result %+v", result)
	}

	resp = do(t, r, http.MethodPost, "/sessions/"+id+"/ask", map[string]string{"utterance": "Anything else?"}, accept)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAskNullUtterance(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{})
	id := startSession(t, r)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id+"/ask", strings.NewReader(`{"utterance": null}`))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestAskInvalidSessionID(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{})
	resp := do(t, r, http.MethodPost, "/sessions/not-a-uuid/ask", map[string]string{"utterance": "hello"}, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestAskUpstreamFailureBeforeFirstChunk(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{err: errors.New("model unavailable")})
	id := startSession(t, r)

	resp := do(t, r, http.MethodPost, "/sessions/"+id+"/ask", map[string]string{"utterance": "When did it start?"}, nil)
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.Code)
	}
}

func TestEndIsIdempotentOverHTTP(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{chunks: []string{"Okay."}})
	id := startSession(t, r)

	first := do(t, r, http.MethodPost, "/sessions/"+id+"/end", nil, nil)
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	second := do(t, r, http.MethodPost, "/sessions/"+id+"/end", nil, nil)
	if second.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", second.Code)
	}

	var result simulation.EndResult
	if err := json.Unmarshal(second.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode end: %v", err)
	}
	if !result.AlreadyFinalized || result.Evaluation != "Good job" {
		t.Fatalf("unexpected end result %+v", result)
	}

	get := do(t, r, http.MethodGet, "/sessions/"+id, nil, nil)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	if !strings.Contains(get.Body.String(), `"state":"finalized"`) {
		t.Fatalf("session view missing state: %s", get.Body.String())
	}
}

func TestDecisions(t *testing.T) {
	r := setupRouter(t, &scriptedResponder{})
	id := startSession(t, r)

	resp := do(t, r, http.MethodPost, "/sessions/"+id+"/decisions", map[string]string{"kind": "Test", "content": "Troponin"}, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = do(t, r, http.MethodPost, "/sessions/"+id+"/decisions", map[string]string{"kind": "hunch", "content": "MI"}, nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}
