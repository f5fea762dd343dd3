package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type fakeStoreForHealth struct {
	fakeStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
}

func TestReadyEndpointDatabaseFailure(t *testing.T) {
	fs := &fakeStoreForHealth{
		pingFn: func(context.Context) error {
			return errors.New("connection refused")
		},
	}
	svc := &Service{store: fs}
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/ready", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if status := response["status"]; status != "not_ready" {
		t.Errorf("expected status=not_ready, got %v", status)
	}
}

func TestOptionsRequestShortCircuits(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/issues/iss-1", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for OPTIONS, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
}

func TestMissingActorHeaderIsForbidden(t *testing.T) {
	fs := &fakeStore{}
	wireIssueFixture(fs)
	svc := newTestService(fs, nil)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/issues/iss-1", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rr.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["code"] != "FORBIDDEN" {
		t.Errorf("expected code FORBIDDEN, got %v", response["code"])
	}
}

func TestGetIssueRoute(t *testing.T) {
	fs := &fakeStore{}
	wireIssueFixture(fs)
	svc := newTestService(fs, nil)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/issues/iss-1", nil)
	req.Header.Set("X-Actor", "alice")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["key"] != "QRY-7" {
		t.Errorf("expected key QRY-7, got %v", response["key"])
	}
}

func TestInvalidTransitionMapsToConflict(t *testing.T) {
	fs := &fakeStore{}
	wireIssueFixture(fs)
	svc := newTestService(fs, nil)
	server := NewHTTPServer(svc, "*")

	body := strings.NewReader(`{"state":"Done"}`)
	req := httptest.NewRequest(http.MethodPatch, "/api/issues/iss-1", body)
	req.Header.Set("X-Actor", "alice")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d (%s)", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["code"] != "INVALID_TRANSITION" {
		t.Errorf("expected code INVALID_TRANSITION, got %v", response["code"])
	}
	details, ok := response["details"].(map[string]any)
	if !ok {
		t.Fatalf("expected details object, got %v", response["details"])
	}
	if details["from"] != "Backlog" || details["to"] != "Done" {
		t.Errorf("expected from=Backlog to=Done, got %v", details)
	}
}

func TestCreateCommentRoute(t *testing.T) {
	fs := &fakeStore{}
	wireIssueFixture(fs)
	svc := newTestService(fs, nil)
	server := NewHTTPServer(svc, "*")

	body := strings.NewReader(`{"text":"Looks good to me, @carol"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/issues/iss-1/comments", body)
	req.Header.Set("X-Actor", "dave")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if response["content"] != "Looks good to me, @carol" {
		t.Errorf("unexpected content: %v", response["content"])
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	fs := &fakeStore{}
	wireIssueFixture(fs)
	svc := newTestService(fs, nil)
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/unknown", nil)
	req.Header.Set("X-Actor", "alice")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rr.Code)
	}
}
