// Package materialize turns a deployment source (uploaded archive or git ref)
// into a directory of runnable source. It performs no process management.
package materialize

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
)

// CloneURLResolver resolves a clone URL carrying whatever credentials the git
// hosting integration provides. Treated as opaque.
type CloneURLResolver func(project *domain.Project) (string, error)

// Service materializes deployment sources.
type Service struct {
	gitBin       string
	cloneTimeout time.Duration
	resolveURL   CloneURLResolver
	logger       *slog.Logger
}

// New constructs a materializer.
func New(gitBin string, cloneTimeout time.Duration, resolver CloneURLResolver, logger *slog.Logger) Service {
	if gitBin == "" {
		gitBin = "git"
	}
	if resolver == nil {
		resolver = func(project *domain.Project) (string, error) { return project.GitURL, nil }
	}
	return Service{gitBin: gitBin, cloneTimeout: cloneTimeout, resolveURL: resolver, logger: logger}
}

// HasManifest reports whether dir contains a package.json. A missing manifest
// when an install command is configured is a warning, not a failure: not every
// start command needs one.
func (s Service) HasManifest(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, "package.json"))
	return err == nil && !info.IsDir()
}

// WarnIfNoManifest logs when an install step is configured but no manifest is
// present.
func (s Service) WarnIfNoManifest(ctx context.Context, project *domain.Project, dir string) {
	if project.InstallCommand == "" || s.HasManifest(dir) {
		return
	}
	if s.logger != nil {
		s.logger.WarnContext(ctx, "no package.json found but install command configured",
			"project", project.Name, "install_command", project.InstallCommand)
	}
}
