package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/deploy"
	"github.com/omdev04/nodepilot/internal/service/materialize"
	"github.com/omdev04/nodepilot/internal/service/project"
)

func okHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func TestRequireTokenConstantTimeGate(t *testing.T) {
	r := &Router{apiToken: "s3cret"}
	handler := r.requireToken(okHandler)

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"token without scheme", "s3cret", http.StatusOK},
		{"correct bearer token", "Bearer s3cret", http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/projects/1/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestRequireTokenDisabledWhenUnset(t *testing.T) {
	r := &Router{}
	handler := r.requireToken(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/projects/1/status", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unconfigured token must not block, got %d", rec.Code)
	}
}

func TestWithRateLimitEnforcesWindow(t *testing.T) {
	limiter := NewMemoryRateLimiter()
	defer limiter.Close()
	r := &Router{limiter: limiter}
	handler := r.withRateLimit(3, time.Minute, okHandler)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/projects/1/deploy", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d should pass, got %d", i+1, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/projects/1/deploy", nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 over the limit, got %d", rec.Code)
	}

	// Another client is unaffected.
	req = httptest.NewRequest(http.MethodPost, "/projects/1/deploy", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client should pass, got %d", rec.Code)
	}
}

// stubProjectRepo covers the slice of the repository the provisioning
// handler exercises.
type stubProjectRepo struct {
	created int
}

func (s *stubProjectRepo) CreateProject(ctx context.Context, p *domain.Project) error {
	s.created++
	p.ID = int64(s.created)
	return nil
}

func (s *stubProjectRepo) GetProjectByID(context.Context, int64) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepo) GetProjectByName(context.Context, string) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}

func (s *stubProjectRepo) ListProjects(context.Context) ([]domain.Project, error) { return nil, nil }

func (s *stubProjectRepo) UpdateProjectStatus(context.Context, int64, string) error { return nil }

func (s *stubProjectRepo) UpdateProjectDeployState(context.Context, domain.ProjectDeployState) error {
	return nil
}

func (s *stubProjectRepo) DeleteProject(context.Context, int64) error { return nil }

func TestHandleCreateProject(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := &stubProjectRepo{}
	r := &Router{provision: project.New(repo, log, "test-key")}

	body := strings.NewReader(`{"name":"blog","start_command":"node server.js","deploy_method":"zip"}`)
	req := httptest.NewRequest(http.MethodPost, "/projects", body)
	rec := httptest.NewRecorder()
	r.handleCreateProject(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if repo.created != 1 {
		t.Fatalf("expected one insert, got %d", repo.created)
	}

	req = httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	r.handleCreateProject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body should 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/projects", strings.NewReader(`{"name":"../etc","start_command":"x","deploy_method":"zip"}`))
	rec = httptest.NewRecorder()
	r.handleCreateProject(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid name should 400, got %d", rec.Code)
	}
}

func TestPathID(t *testing.T) {
	cases := []struct {
		value string
		ok    bool
	}{
		{"12", true},
		{"0", false},
		{"-3", false},
		{"abc", false},
		{"", false},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/projects/x/status", nil)
		req.SetPathValue("id", tc.value)
		rec := httptest.NewRecorder()
		id, ok := pathID(rec, req, "id")
		if ok != tc.ok {
			t.Fatalf("pathID(%q) ok = %v, want %v", tc.value, ok, tc.ok)
		}
		if ok && fmt.Sprint(id) != tc.value {
			t.Fatalf("pathID(%q) = %d", tc.value, id)
		}
		if !ok && rec.Code != http.StatusBadRequest {
			t.Fatalf("invalid id should 400, got %d", rec.Code)
		}
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{deploy.ErrDeploymentInProgress, http.StatusConflict},
		{project.ErrNameTaken, http.StatusConflict},
		{project.ErrInvalidName, http.StatusBadRequest},
		{project.ErrInvalidMethod, http.StatusBadRequest},
		{repository.ErrNotFound, http.StatusNotFound},
		{deploy.ErrSourceMismatch, http.StatusBadRequest},
		{deploy.ErrNoRollbackSource, http.StatusBadRequest},
		{materialize.ErrPathTraversal, http.StatusUnprocessableEntity},
		{materialize.ErrArchiveCorrupt, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", deploy.ErrDeploymentInProgress), http.StatusConflict},
		{fmt.Errorf("anything else"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := statusForError(tc.err); got != tc.want {
			t.Fatalf("statusForError(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
