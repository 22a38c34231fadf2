// Package webhook validates inbound push notifications and hands matching
// pushes to the deployment state machine. The HTTP acknowledgment is shallow
// and fast; the pipeline runs asynchronously.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/omdev04/nodepilot/internal/crypto"
	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/deploy"
)

// ErrInvalidSignature rejects a payload whose HMAC does not match. Callers
// must not leak why.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// ErrNoSecret means the project has no webhook secret configured.
var ErrNoSecret = errors.New("webhook: project has no webhook secret")

// Deployer is the slice of the deployment service the gateway needs.
type Deployer interface {
	Trigger(ctx context.Context, projectID int64, source deploy.Source) (*domain.Deployment, error)
	Busy(projectID int64) bool
}

// Ack is the shallow response returned to the webhook caller.
type Ack struct {
	Accepted bool   `json:"accepted"`
	Deployed bool   `json:"deployed"`
	Reason   string `json:"reason,omitempty"`
}

// Service is the webhook trigger gateway.
type Service struct {
	projects      repository.ProjectRepository
	deployer      Deployer
	logger        *slog.Logger
	encryptionKey string
}

// New constructs a webhook gateway.
func New(projects repository.ProjectRepository, deployer Deployer, logger *slog.Logger, encryptionKey string) Service {
	return Service{projects: projects, deployer: deployer, logger: logger, encryptionKey: encryptionKey}
}

// pushPayload mirrors the provider's push notification fields the gateway
// reads.
type pushPayload struct {
	Ref   string `json:"ref"`
	After string `json:"after"`
}

// ValidateSignature checks the HMAC-SHA256 hex signature for payload using a
// constant-time comparison. A "sha256=" prefix on the provided value is
// accepted.
func (s Service) ValidateSignature(payload []byte, secret []byte, provided string) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	if provided == "" {
		return ErrInvalidSignature
	}
	hasher := hmac.New(sha256.New, secret)
	hasher.Write(payload)
	expected := hex.EncodeToString(hasher.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return ErrInvalidSignature
	}
	return nil
}

// Handle verifies a push notification and, when the pushed branch matches the
// project's configured branch, starts a deployment through the same state
// machine manual triggers use. Signature verification happens before any
// branch or lock logic.
func (s Service) Handle(ctx context.Context, projectID int64, payload []byte, signature string) (Ack, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return Ack{}, err
	}
	if len(project.WebhookSecret) == 0 {
		return Ack{}, ErrNoSecret
	}
	secret, err := crypto.DecryptToString(s.encryptionKey, project.WebhookSecret)
	if err != nil {
		return Ack{}, err
	}
	if err := s.ValidateSignature(payload, []byte(secret), signature); err != nil {
		return Ack{}, err
	}

	var push pushPayload
	if err := json.Unmarshal(payload, &push); err != nil {
		return Ack{Accepted: true, Reason: "unparseable payload"}, nil
	}

	branch := strings.TrimPrefix(push.Ref, "refs/heads/")
	if branch != project.GitBranch {
		// An intentional push to another branch is a no-op, not an error.
		return Ack{Accepted: true, Reason: "branch " + branch + " does not match configured branch " + project.GitBranch}, nil
	}
	if s.deployer.Busy(project.ID) {
		return Ack{Accepted: true, Reason: "deployment in progress, retry later"}, nil
	}

	go func() {
		// The pipeline outlives the webhook request.
		record, err := s.deployer.Trigger(context.WithoutCancel(ctx), project.ID, deploy.PullSource())
		if err != nil {
			s.logger.Error("webhook deployment failed", "project", project.Name, "error", err)
			return
		}
		s.logger.Info("webhook deployment finished", "project", project.Name, "status", record.Status, "version", record.Version)
	}()

	return Ack{Accepted: true, Deployed: true, Reason: "deployment started for " + push.After}, nil
}
