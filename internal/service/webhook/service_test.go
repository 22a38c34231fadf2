package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omdev04/nodepilot/internal/crypto"
	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/deploy"
)

const testKey = "unit-test-key"

type stubProjects struct {
	project *domain.Project
}

func (s stubProjects) CreateProject(context.Context, *domain.Project) error { return nil }

func (s stubProjects) GetProjectByID(ctx context.Context, id int64) (*domain.Project, error) {
	if s.project == nil || s.project.ID != id {
		return nil, repository.ErrNotFound
	}
	clone := *s.project
	return &clone, nil
}

func (s stubProjects) GetProjectByName(context.Context, string) (*domain.Project, error) {
	return nil, repository.ErrNotFound
}

func (s stubProjects) ListProjects(context.Context) ([]domain.Project, error) { return nil, nil }

func (s stubProjects) UpdateProjectStatus(context.Context, int64, string) error { return nil }

func (s stubProjects) UpdateProjectDeployState(context.Context, domain.ProjectDeployState) error {
	return nil
}

func (s stubProjects) DeleteProject(context.Context, int64) error { return nil }

type stubDeployer struct {
	busy      bool
	triggered chan deploy.Source
	calls     atomic.Int32
}

func newStubDeployer() *stubDeployer {
	return &stubDeployer{triggered: make(chan deploy.Source, 1)}
}

func (d *stubDeployer) Trigger(ctx context.Context, projectID int64, source deploy.Source) (*domain.Deployment, error) {
	d.calls.Add(1)
	d.triggered <- source
	return &domain.Deployment{ProjectID: projectID, Status: domain.DeploySuccess}, nil
}

func (d *stubDeployer) Busy(projectID int64) bool { return d.busy }

func gitProject(t *testing.T, secret string) *domain.Project {
	t.Helper()
	encrypted, err := crypto.EncryptString(testKey, secret)
	if err != nil {
		t.Fatalf("encrypt secret: %v", err)
	}
	return &domain.Project{
		ID:            1,
		Name:          "blog",
		DeployMethod:  domain.MethodGit,
		GitBranch:     "main",
		WebhookSecret: encrypted,
	}
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func newGateway(t *testing.T, project *domain.Project, deployer Deployer) Service {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(stubProjects{project: project}, deployer, log, testKey)
}

func TestHandleRejectsBadSignatureBeforeAnythingElse(t *testing.T) {
	deployer := newStubDeployer()
	svc := newGateway(t, gitProject(t, "correct-secret"), deployer)

	// Even a payload for the right branch must be rejected on signature.
	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	_, err := svc.Handle(context.Background(), 1, payload, sign("wrong-secret", payload))
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
	if deployer.calls.Load() != 0 {
		t.Fatal("invalid signature must never reach the deployer")
	}
}

func TestHandleRejectsMissingSignature(t *testing.T) {
	deployer := newStubDeployer()
	svc := newGateway(t, gitProject(t, "correct-secret"), deployer)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	if _, err := svc.Handle(context.Background(), 1, payload, ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for empty signature, got %v", err)
	}
}

func TestHandleIgnoresOtherBranches(t *testing.T) {
	deployer := newStubDeployer()
	svc := newGateway(t, gitProject(t, "secret"), deployer)

	payload := []byte(`{"ref":"refs/heads/feature-x","after":"abc123"}`)
	ack, err := svc.Handle(context.Background(), 1, payload, sign("secret", payload))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !ack.Accepted || ack.Deployed {
		t.Fatalf("expected accepted-but-not-deployed, got %+v", ack)
	}
	if deployer.calls.Load() != 0 {
		t.Fatal("non-matching branch must not trigger a deployment")
	}
}

func TestHandleStartsDeploymentForMatchingBranch(t *testing.T) {
	deployer := newStubDeployer()
	svc := newGateway(t, gitProject(t, "secret"), deployer)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	ack, err := svc.Handle(context.Background(), 1, payload, sign("secret", payload))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !ack.Accepted || !ack.Deployed {
		t.Fatalf("expected deployment start, got %+v", ack)
	}

	select {
	case source := <-deployer.triggered:
		if source.Method != domain.MethodGit {
			t.Fatalf("expected a git pull source, got %+v", source)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deployment was never triggered")
	}
}

func TestHandleReportsContention(t *testing.T) {
	deployer := newStubDeployer()
	deployer.busy = true
	svc := newGateway(t, gitProject(t, "secret"), deployer)

	payload := []byte(`{"ref":"refs/heads/main","after":"abc123"}`)
	ack, err := svc.Handle(context.Background(), 1, payload, sign("secret", payload))
	if err != nil {
		t.Fatalf("Handle returned error: %v", err)
	}
	if !ack.Accepted || ack.Deployed {
		t.Fatalf("expected accepted-but-not-deployed under contention, got %+v", ack)
	}
	if ack.Reason == "" {
		t.Fatal("contention ack should say why nothing was deployed")
	}
	if deployer.calls.Load() != 0 {
		t.Fatal("contention must not trigger a deployment")
	}
}

func TestHandleRequiresConfiguredSecret(t *testing.T) {
	project := gitProject(t, "secret")
	project.WebhookSecret = nil
	deployer := newStubDeployer()
	svc := newGateway(t, project, deployer)

	payload := []byte(`{"ref":"refs/heads/main"}`)
	if _, err := svc.Handle(context.Background(), 1, payload, sign("secret", payload)); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}

func TestValidateSignatureAcceptsUnprefixedHex(t *testing.T) {
	svc := newGateway(t, nil, newStubDeployer())
	payload := []byte("payload")

	mac := hmac.New(sha256.New, []byte("k"))
	mac.Write(payload)
	raw := hex.EncodeToString(mac.Sum(nil))

	if err := svc.ValidateSignature(payload, []byte("k"), raw); err != nil {
		t.Fatalf("unprefixed signature rejected: %v", err)
	}
	if err := svc.ValidateSignature(payload, []byte("k"), "sha256="+raw); err != nil {
		t.Fatalf("prefixed signature rejected: %v", err)
	}
}
