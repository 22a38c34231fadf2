// Package project provisions new deployable applications: it validates the
// configuration, seals the secrets, and writes the project row the rest of
// the daemon operates on. Nothing is materialized or started here; the first
// deployment does that.
package project

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/omdev04/nodepilot/internal/crypto"
	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/materialize"
)

var (
	ErrInvalidName   = errors.New("project: invalid name")
	ErrNameTaken     = errors.New("project: name already in use")
	ErrInvalidMethod = errors.New("project: invalid deploy method")
	ErrMissingField  = errors.New("project: missing required field")
)

// namePattern constrains names to what is safe in a filesystem path and a
// supervisor process name: lowercase, digits, inner hyphens.
var namePattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// Input is the operator-supplied configuration for a new project.
type Input struct {
	Name           string            `json:"name"`
	DisplayName    string            `json:"display_name"`
	StartCommand   string            `json:"start_command"`
	InstallCommand string            `json:"install_command"`
	BuildCommand   string            `json:"build_command"`
	Port           int               `json:"port"`
	EnvVars        map[string]string `json:"env_vars"`
	DeployMethod   string            `json:"deploy_method"`
	GitURL         string            `json:"git_url"`
	GitBranch      string            `json:"git_branch"`
}

// Created pairs the stored project with its webhook secret. The secret is
// handed back exactly once, in the clear, so the operator can configure the
// git provider; only the sealed form is persisted.
type Created struct {
	Project       *domain.Project
	WebhookSecret string
}

// Service creates project rows.
type Service struct {
	projects      repository.ProjectRepository
	logger        *slog.Logger
	encryptionKey string
}

// New constructs a provisioning service.
func New(projects repository.ProjectRepository, logger *slog.Logger, encryptionKey string) Service {
	return Service{projects: projects, logger: logger, encryptionKey: encryptionKey}
}

// Create validates the input, seals env vars and the generated webhook
// secret, and persists the project in the stopped state.
func (s Service) Create(ctx context.Context, in Input) (Created, error) {
	name := strings.ToLower(strings.TrimSpace(in.Name))
	if !namePattern.MatchString(name) {
		return Created{}, fmt.Errorf("%w: %q", ErrInvalidName, in.Name)
	}
	if strings.TrimSpace(in.StartCommand) == "" {
		return Created{}, fmt.Errorf("%w: start_command", ErrMissingField)
	}

	method := strings.ToLower(strings.TrimSpace(in.DeployMethod))
	branch := strings.TrimSpace(in.GitBranch)
	switch method {
	case domain.MethodZip:
	case domain.MethodGit:
		if strings.TrimSpace(in.GitURL) == "" {
			return Created{}, fmt.Errorf("%w: git_url", ErrMissingField)
		}
		if branch == "" {
			branch = "main"
		}
		if err := materialize.ValidateBranch(branch); err != nil {
			return Created{}, err
		}
	default:
		return Created{}, fmt.Errorf("%w: %q", ErrInvalidMethod, in.DeployMethod)
	}

	// Name uniqueness is checked up front for a clean error; the UNIQUE
	// constraint still backstops concurrent creates.
	if _, err := s.projects.GetProjectByName(ctx, name); err == nil {
		return Created{}, fmt.Errorf("%w: %q", ErrNameTaken, name)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return Created{}, err
	}

	envJSON, err := json.Marshal(in.EnvVars)
	if err != nil {
		return Created{}, err
	}
	sealedEnv, err := crypto.EncryptString(s.encryptionKey, string(envJSON))
	if err != nil {
		return Created{}, err
	}

	var secret string
	var sealedSecret []byte
	if method == domain.MethodGit {
		secret, err = newWebhookSecret()
		if err != nil {
			return Created{}, err
		}
		sealedSecret, err = crypto.EncryptString(s.encryptionKey, secret)
		if err != nil {
			return Created{}, err
		}
	}

	now := time.Now().UTC()
	proj := &domain.Project{
		Name:           name,
		DisplayName:    strings.TrimSpace(in.DisplayName),
		StartCommand:   strings.TrimSpace(in.StartCommand),
		InstallCommand: strings.TrimSpace(in.InstallCommand),
		BuildCommand:   strings.TrimSpace(in.BuildCommand),
		Port:           in.Port,
		EnvVars:        sealedEnv,
		DeployMethod:   method,
		GitURL:         strings.TrimSpace(in.GitURL),
		GitBranch:      branch,
		WebhookSecret:  sealedSecret,
		Status:         domain.ProjectStopped,
		ProcessName:    "nodepilot-" + name,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if proj.DisplayName == "" {
		proj.DisplayName = name
	}
	if err := s.projects.CreateProject(ctx, proj); err != nil {
		return Created{}, err
	}
	s.logger.Info("project created", "project", proj.Name, "method", proj.DeployMethod)
	return Created{Project: proj, WebhookSecret: secret}, nil
}

func newWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
