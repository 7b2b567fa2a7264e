package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/croquery/croquery/internal/engine"
)

type stubService struct {
	resp     engine.Response
	err      error
	question string
	maxIters int
	session  string
	cleared  []string
	sessions []string
}

func (s *stubService) Query(_ context.Context, question string, maxIterations int, sessionID string) (engine.Response, error) {
	s.question = question
	s.maxIters = maxIterations
	s.session = sessionID
	return s.resp, s.err
}

func (s *stubService) ClearSession(_ context.Context, id string) error {
	s.cleared = append(s.cleared, id)
	return nil
}

func (s *stubService) ListSessions(_ context.Context) ([]string, error) {
	return s.sessions, nil
}

func doRequest(t *testing.T, svc QueryService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := NewEcho()
	NewHandlers(svc).Register(e)

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	svc := &stubService{resp: engine.Response{Answer: "42", Confidence: 0.9, SessionID: "s1"}}
	rec := doRequest(t, svc, http.MethodPost, "/api/query",
		`{"question":"total pipeline?","session_id":"s1","max_iterations":2}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if svc.question != "total pipeline?" || svc.maxIters != 2 || svc.session != "s1" {
		t.Fatalf("request not passed through: %+v", svc)
	}
	var resp engine.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if resp.Answer != "42" {
		t.Fatalf("answer = %q", resp.Answer)
	}
}

func TestQueryEndpointRequiresQuestion(t *testing.T) {
	rec := doRequest(t, &stubService{}, http.MethodPost, "/api/query", `{"question":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "question is required") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestQueryEndpointNoResults(t *testing.T) {
	svc := &stubService{err: &engine.NoResultError{Question: "ghosts?"}}
	rec := doRequest(t, svc, http.MethodPost, "/api/query", `{"question":"ghosts?"}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["no_results"] != true {
		t.Fatalf("expected no_results marker: %v", body)
	}
}

func TestSessionEndpoints(t *testing.T) {
	svc := &stubService{sessions: []string{"a", "b"}}

	rec := doRequest(t, svc, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string][]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(body["sessions"]) != 2 {
		t.Fatalf("sessions = %v", body)
	}

	rec = doRequest(t, svc, http.MethodDelete, "/api/sessions/a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(svc.cleared) != 1 || svc.cleared[0] != "a" {
		t.Fatalf("cleared = %v", svc.cleared)
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := doRequest(t, &stubService{}, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
}
