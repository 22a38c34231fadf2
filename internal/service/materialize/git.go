package materialize

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/omdev04/nodepilot/internal/domain"
)

// branchPattern allowlists ref names before they ever reach an argv. Branch
// names are remote-controlled input and must never be interpolated freely.
var branchPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)

// ValidateBranch rejects branch names outside the allowlist.
func ValidateBranch(branch string) error {
	if !branchPattern.MatchString(branch) {
		return fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	return nil
}

// MaterializeGit brings dir to the tip of the project's configured branch and
// returns the resulting commit hash. A fresh directory gets a shallow clone;
// an existing clone is fetched and hard-reset, but only when its working tree
// is clean — manual on-server edits are never silently discarded.
func (s Service) MaterializeGit(ctx context.Context, project *domain.Project, dir string) (string, error) {
	if err := ValidateBranch(project.GitBranch); err != nil {
		return "", err
	}

	if s.cloneTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cloneTimeout)
		defer cancel()
	}

	if hasClone(dir) {
		if err := s.CheckWorkingTree(ctx, dir); err != nil {
			return "", err
		}
		if err := s.git(ctx, dir, "fetch", "--depth", "1", "origin", project.GitBranch); err != nil {
			return "", classifyFetchError(err, project.GitBranch)
		}
		if err := s.git(ctx, dir, "reset", "--hard", "FETCH_HEAD"); err != nil {
			return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
		}
		return s.headCommit(ctx, dir)
	}

	url, err := s.resolveURL(project)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return "", err
	}
	err = s.git(ctx, "", "clone", "--depth", "1", "--branch", project.GitBranch, "--single-branch", url, dir)
	if err != nil {
		return "", classifyFetchError(err, project.GitBranch)
	}
	return s.headCommit(ctx, dir)
}

// commitPattern matches full commit hashes, the only refs MaterializeGitCommit
// accepts.
var commitPattern = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// MaterializeGitCommit brings dir to a specific recorded commit. Used when a
// rollback target's snapshot has already been reclaimed and the tree must be
// rebuilt from history.
func (s Service) MaterializeGitCommit(ctx context.Context, project *domain.Project, dir, commit string) error {
	if !commitPattern.MatchString(commit) {
		return fmt.Errorf("%w: commit %q", ErrInvalidBranch, commit)
	}

	if s.cloneTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cloneTimeout)
		defer cancel()
	}

	if !hasClone(dir) {
		if _, err := s.MaterializeGit(ctx, project, dir); err != nil {
			return err
		}
	} else if err := s.CheckWorkingTree(ctx, dir); err != nil {
		return err
	}

	// Not every remote serves arbitrary commits; when the fetch is refused
	// the reset can still succeed against local history.
	if err := s.git(ctx, dir, "fetch", "--depth", "1", "origin", commit); err != nil && s.logger != nil {
		s.logger.Warn("fetch of rollback commit failed, trying local history", "commit", commit, "error", err)
	}
	if err := s.git(ctx, dir, "reset", "--hard", commit); err != nil {
		return fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	return nil
}

// CheckWorkingTree fails with ErrDirtyWorkingTree when dir has uncommitted
// modifications. Called both in-pipeline and as a pre-flight check so dirty
// trees abort before anything destructive happens.
func (s Service) CheckWorkingTree(ctx context.Context, dir string) error {
	if !hasClone(dir) {
		return nil
	}
	out, err := s.gitOutput(ctx, dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	if len(bytes.TrimSpace(out)) > 0 {
		return ErrDirtyWorkingTree
	}
	return nil
}

func (s Service) headCommit(ctx context.Context, dir string) (string, error) {
	out, err := s.gitOutput(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCloneFailed, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s Service) git(ctx context.Context, dir string, args ...string) error {
	_, err := s.gitOutput(ctx, dir, args...)
	return err
}

func (s Service) gitOutput(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.gitBin, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(errOut.String()))
	}
	return out.Bytes(), nil
}

func classifyFetchError(err error, branch string) error {
	msg := err.Error()
	if strings.Contains(msg, "not found in upstream") ||
		strings.Contains(msg, "Remote branch "+branch+" not found") ||
		strings.Contains(msg, "couldn't find remote ref") {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return fmt.Errorf("%w: %v", ErrCloneFailed, err)
}

func hasClone(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}
