// Package deploy drives a project through the deployment pipeline: stop,
// snapshot, materialize, install, build, register, verify, commit. It owns
// the per-project exclusion lock and the rollback decision; exactly one
// history row is appended per attempt, success or failure.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/omdev04/nodepilot/internal/config"
	"github.com/omdev04/nodepilot/internal/crypto"
	"github.com/omdev04/nodepilot/internal/domain"
	"github.com/omdev04/nodepilot/internal/repository"
	"github.com/omdev04/nodepilot/internal/service/ingress"
	"github.com/omdev04/nodepilot/internal/service/materialize"
	"github.com/omdev04/nodepilot/internal/service/registrar"
	"github.com/omdev04/nodepilot/internal/service/runner"
	"github.com/omdev04/nodepilot/internal/service/snapshot"
	"github.com/omdev04/nodepilot/internal/supervisor"
	"github.com/omdev04/nodepilot/internal/ws"
)

// restartTimeout bounds the post-rollback restart of the previous deployment,
// which must not inherit the (possibly expired) pipeline deadline.
const restartTimeout = 30 * time.Second

// Service is the deployment state machine.
type Service struct {
	projects    repository.ProjectRepository
	deployments repository.DeploymentRepository
	domains     repository.DomainRepository

	materializer materialize.Service
	steps        runner.Service
	snapshots    *snapshot.Manager
	registrar    registrar.Service
	provisioner  ingress.Provisioner
	hub          *ws.Hub

	locks  *locks
	logger *slog.Logger
	cfg    config.Config
}

// New constructs the deployment service.
func New(
	projects repository.ProjectRepository,
	deployments repository.DeploymentRepository,
	domains repository.DomainRepository,
	materializer materialize.Service,
	steps runner.Service,
	snapshots *snapshot.Manager,
	reg registrar.Service,
	provisioner ingress.Provisioner,
	hub *ws.Hub,
	logger *slog.Logger,
	cfg config.Config,
) *Service {
	return &Service{
		projects:     projects,
		deployments:  deployments,
		domains:      domains,
		materializer: materializer,
		steps:        steps,
		snapshots:    snapshots,
		registrar:    reg,
		provisioner:  provisioner,
		hub:          hub,
		locks:        newLocks(cfg.MaxPipelineTime),
		logger:       logger,
		cfg:          cfg,
	}
}

// Trigger runs one deployment attempt for the project. A second trigger while
// one is in flight fails fast with ErrDeploymentInProgress and causes no side
// effects. Every attempt that enters the pipeline appends exactly one history
// row.
func (s *Service) Trigger(ctx context.Context, projectID int64, source Source) (*domain.Deployment, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := validateSource(project, source); err != nil {
		return nil, err
	}

	token, err := s.locks.acquire(project.ID)
	if err != nil {
		return nil, err
	}
	defer s.locks.release(project.ID, token)

	if s.cfg.MaxPipelineTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxPipelineTime)
		defer cancel()
	}

	attemptStart := time.Now().UTC()
	record, state, runErr := s.run(ctx, project, source, attemptStart)

	// Committing happens on both paths. The history row is the audit trail;
	// losing it is worth shouting about but must not mask the pipeline
	// outcome.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.deployments.CreateDeployment(commitCtx, record); err != nil {
		s.logger.Error("failed to append deployment history", "project", project.Name, "error", err)
	}
	if err := s.projects.UpdateProjectDeployState(commitCtx, *state); err != nil {
		s.logger.Error("failed to update project state", "project", project.Name, "error", err)
	}
	s.emit(project.ID, StageCommitting, fmt.Sprintf("deployment %s", record.Status), runErr)

	return record, runErr
}

func validateSource(project *domain.Project, source Source) error {
	if source.isRollback() {
		return nil
	}
	switch source.Method {
	case domain.MethodZip:
		if project.DeployMethod != domain.MethodZip || source.ArchivePath == "" {
			return ErrSourceMismatch
		}
	case domain.MethodGit:
		if project.DeployMethod != domain.MethodGit {
			return ErrSourceMismatch
		}
	default:
		return ErrSourceMismatch
	}
	return nil
}

// run executes the pipeline under the project lock and reports the attempt
// outcome. It never returns a nil record or state.
func (s *Service) run(ctx context.Context, project *domain.Project, source Source, attemptStart time.Time) (*domain.Deployment, *domain.ProjectDeployState, error) {
	liveDir := s.liveDir(project)
	procName := processName(project)
	version := attemptStart.Format("20060102-150405")
	var notes []string

	// touched flips once the pipeline starts acting on the running process.
	// Failures before that point leave the cached status alone: the previous
	// deployment is still exactly as it was.
	touched := false

	finish := func(status string, err error) (*domain.Deployment, *domain.ProjectDeployState, error) {
		record := &domain.Deployment{
			ProjectID:    project.ID,
			Version:      version,
			DeployMethod: source.label(),
			Status:       status,
			Notes:        strings.Join(notes, "\n"),
			DeployedAt:   attemptStart,
		}
		state := &domain.ProjectDeployState{
			ProjectID:      project.ID,
			Status:         project.Status,
			LastCommit:     project.LastCommit,
			LockfileHash:   project.LockfileHash,
			RegisteredCmd:  project.RegisteredCmd,
			LastDeployedAt: project.LastDeployedAt,
		}
		if status == domain.DeploySuccess {
			now := time.Now().UTC()
			state.Status = domain.ProjectRunning
			state.LastDeployedAt = &now
		} else if err != nil && touched {
			state.Status = domain.ProjectError
		}
		return record, state, err
	}

	env, err := s.projectEnv(project)
	if err != nil {
		notes = append(notes, "failed to decrypt environment variables: "+err.Error())
		return finish(domain.DeployFailed, stageErr(StageStopping, err))
	}

	// Rollback targets are validated before anything is touched, so a bad
	// target surfaces without stopping the running process.
	var target *domain.Deployment
	var restoreFrom *snapshot.Handle
	if source.isRollback() {
		target, restoreFrom, err = s.resolveRollback(ctx, project, source.RollbackTo)
		if err != nil {
			notes = append(notes, err.Error())
			return finish(domain.DeployFailed, err)
		}
		version = target.Version
	}

	// STOPPING: best effort. A process that is already stopped must not
	// abort the pipeline.
	touched = true
	s.emit(project.ID, StageStopping, "stopping current process", nil)
	if err := s.registrar.Stop(ctx, procName); err != nil {
		s.logger.Warn("stop before deploy failed", "project", project.Name, "error", err)
		notes = append(notes, "stop before deploy failed: "+err.Error())
	}

	// SNAPSHOTTING: failure here aborts before any destructive change, so the
	// previous deployment stays intact and no rollback is needed.
	s.emit(project.ID, StageSnapshotting, "capturing restore point", nil)
	mode := snapshot.ModeRename
	if project.DeployMethod == domain.MethodGit && !source.isRollback() && hasClone(liveDir) {
		// Git pulls update the clone in place; the restore point has to be a
		// copy so the fetch still has a working tree to operate on.
		mode = snapshot.ModeCopy
	}
	snap, err := s.snapshots.Take(project.Name, liveDir, mode)
	if err != nil {
		if restoreFrom != nil {
			s.snapshots.ScheduleDiscard(restoreFrom)
		}
		notes = append(notes, "snapshot failed: "+err.Error())
		return finish(domain.DeployFailed, stageErr(StageSnapshotting, err))
	}

	// From here on the live directory is being replaced: every failure rolls
	// back to the snapshot before it is reported.
	fail := func(stage string, err error) (*domain.Deployment, *domain.ProjectDeployState, error) {
		notes = append(notes, fmt.Sprintf("%s failed: %v", stage, err))
		s.emit(project.ID, StageRollingBack, "restoring previous deployment", err)

		if restoreErr := s.snapshots.Restore(snap); restoreErr != nil {
			s.logger.Error("ROLLBACK FAILED, project may be in a broken state",
				"project", project.Name, "stage", stage, "error", restoreErr)
			notes = append(notes, "rollback failed: "+restoreErr.Error())
			return finish(domain.DeployFailed, fmt.Errorf("%w: %v (after %v)", ErrRollbackFailed, restoreErr, err))
		}
		notes = append(notes, "previous deployment restored")

		// Bring the previous code back up if it was registered before. The
		// pipeline context may be the very thing that expired, so the restart
		// runs on its own bounded deadline.
		if project.RegisteredCmd != "" {
			prev := supervisor.ProcessSpec{Name: procName, Command: project.RegisteredCmd, Dir: liveDir, Env: env}
			registered := registrar.Registration{Exists: true, Command: project.RegisteredCmd, Dir: liveDir}
			restartCtx, cancelRestart := context.WithTimeout(context.WithoutCancel(ctx), restartTimeout)
			defer cancelRestart()
			if startErr := s.registrar.EnsureRegistered(restartCtx, registered, prev); startErr != nil {
				s.logger.Error("failed to restart previous deployment after rollback",
					"project", project.Name, "error", startErr)
				notes = append(notes, "restart of previous deployment failed: "+startErr.Error())
			}
		}
		return finish(domain.DeployFailed, stageErr(stage, err))
	}

	// MATERIALIZING. Rollback via a retained snapshot skips install and build
	// entirely: the restored tree already carries its dependencies.
	installNeeded := true
	lockHash := project.LockfileHash
	commit := project.LastCommit

	s.emit(project.ID, StageMaterializing, "materializing source", nil)
	switch {
	case restoreFrom != nil:
		if err := s.snapshots.Restore(restoreFrom); err != nil {
			return fail(StageMaterializing, err)
		}
		installNeeded = false
	case source.isRollback():
		// Snapshot already reclaimed; rebuild the recorded commit.
		if err := s.materializer.MaterializeGitCommit(ctx, project, liveDir, target.Version); err != nil {
			return fail(StageMaterializing, err)
		}
		commit = target.Version
	case source.Method == domain.MethodZip:
		if err := s.materializer.MaterializeZip(ctx, source.ArchivePath, liveDir); err != nil {
			return fail(StageMaterializing, err)
		}
	default: // git pull
		head, err := s.materializer.MaterializeGit(ctx, project, liveDir)
		if err != nil {
			return fail(StageMaterializing, err)
		}
		commit = head
		version = head
	}
	s.materializer.WarnIfNoManifest(ctx, project, liveDir)

	if installNeeded {
		// INSTALLING: only when a manifest exists, and skipped when the
		// lockfile hash is unchanged since the last deployment.
		newLockHash := hashLockfile(liveDir)
		switch {
		case project.InstallCommand == "" || !s.materializer.HasManifest(liveDir):
			s.emit(project.ID, StageInstalling, "no manifest, skipping install", nil)
		case newLockHash != "" && newLockHash == project.LockfileHash:
			s.emit(project.ID, StageInstalling, "lockfile unchanged, skipping install", nil)
		default:
			s.emit(project.ID, StageInstalling, "installing dependencies", nil)
			res, err := s.steps.Install(ctx, liveDir, project.InstallCommand, env)
			if err != nil {
				notes = append(notes, tailNote("install output", res.Output))
				return fail(StageInstalling, err)
			}
		}
		lockHash = newLockHash

		// BUILDING.
		if project.BuildCommand != "" {
			s.emit(project.ID, StageBuilding, "running build", nil)
			res, err := s.steps.Build(ctx, liveDir, project.BuildCommand, env)
			if err != nil {
				notes = append(notes, tailNote("build output", res.Output))
				return fail(StageBuilding, err)
			}
		}
	}

	// REGISTERING: failure means new code is on disk but not serving, which
	// still demands a rollback.
	s.emit(project.ID, StageRegistering, "registering with process supervisor", nil)
	spec := supervisor.ProcessSpec{Name: procName, Command: project.StartCommand, Dir: liveDir, Env: env}
	registered := registrar.Registration{Exists: project.RegisteredCmd != "", Command: project.RegisteredCmd, Dir: liveDir}
	if err := s.registrar.EnsureRegistered(ctx, registered, spec); err != nil {
		return fail(StageRegistering, err)
	}

	// VERIFYING: the process must hold a running state within the grace
	// period; an immediate crash loop counts as failure.
	s.emit(project.ID, StageVerifying, "waiting for process to report running", nil)
	if err := s.verify(ctx, procName); err != nil {
		return fail(StageVerifying, err)
	}

	// Routing re-provisioning is best-effort: the deployment itself is done.
	s.provisionRouting(ctx, project)

	if snap != nil {
		s.snapshots.ScheduleDiscard(snap)
	}

	project.LastCommit = commit
	project.LockfileHash = lockHash
	project.RegisteredCmd = project.StartCommand
	notes = append(notes, "deployed "+version)
	return finish(domain.DeploySuccess, nil)
}

// resolveRollback validates the target deployment and claims the retained
// snapshot when one is still around.
func (s *Service) resolveRollback(ctx context.Context, project *domain.Project, deploymentID int64) (*domain.Deployment, *snapshot.Handle, error) {
	target, err := s.deployments.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: deployment %d: %v", ErrNoRollbackSource, deploymentID, err)
	}
	if target.ProjectID != project.ID {
		return nil, nil, fmt.Errorf("%w: deployment %d belongs to another project", ErrNoRollbackSource, deploymentID)
	}
	if target.Status != domain.DeploySuccess {
		return nil, nil, fmt.Errorf("%w: deployment %d did not succeed", ErrNoRollbackSource, deploymentID)
	}

	if handle, ok := s.snapshots.Claim(project.Name); ok {
		return target, handle, nil
	}
	if project.DeployMethod == domain.MethodGit && target.Version != "" {
		return target, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: deployment %d", ErrNoRollbackSource, deploymentID)
}

// verify polls the supervisor until the process holds a running state, or the
// grace period lapses.
func (s *Service) verify(ctx context.Context, procName string) error {
	grace := s.cfg.VerifyGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	interval := s.cfg.VerifyInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	deadline := time.Now().Add(grace)
	consecutive := 0
	for {
		status, err := s.registrar.Status(ctx, procName)
		if err == nil && status.State == supervisor.StateRunning {
			consecutive++
			if consecutive >= 2 {
				return nil
			}
		} else {
			consecutive = 0
		}

		if time.Now().After(deadline) {
			if err != nil {
				return fmt.Errorf("%w: %v", ErrVerificationTimeout, err)
			}
			return fmt.Errorf("%w: last state %q", ErrVerificationTimeout, status.State)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (s *Service) provisionRouting(ctx context.Context, project *domain.Project) {
	if s.provisioner == nil || project.Port <= 0 || s.domains == nil {
		return
	}
	hosts, err := s.domains.ListDomainsByProject(ctx, project.ID)
	if err != nil {
		s.logger.Warn("failed to list domains for routing", "project", project.Name, "error", err)
		return
	}
	for _, h := range hosts {
		if err := s.provisioner.Provision(ctx, h.Hostname, project.Port); err != nil {
			s.logger.Warn("routing provision failed", "project", project.Name, "hostname", h.Hostname, "error", err)
		}
	}
}

// Busy reports whether a deployment is currently in flight for the project.
// Advisory only; Trigger remains the authority.
func (s *Service) Busy(projectID int64) bool {
	return s.locks.busy(projectID)
}

// History returns the append-only deployment log for a project, newest first.
func (s *Service) History(ctx context.Context, projectID int64, limit int) ([]domain.Deployment, error) {
	return s.deployments.ListDeploymentsByProject(ctx, projectID, limit)
}

// RuntimeStatus reports the supervisor's live view of a project's process and
// refreshes the cached status column.
func (s *Service) RuntimeStatus(ctx context.Context, projectID int64) (supervisor.ProcessStatus, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return supervisor.ProcessStatus{}, err
	}
	status, err := s.registrar.Status(ctx, processName(project))
	if errors.Is(err, supervisor.ErrProcessNotFound) {
		status = supervisor.ProcessStatus{State: supervisor.StateStopped}
		err = nil
	}
	if err != nil {
		return status, err
	}
	cached := domain.ProjectStopped
	if status.State == supervisor.StateRunning {
		cached = domain.ProjectRunning
	}
	if updateErr := s.projects.UpdateProjectStatus(ctx, project.ID, cached); updateErr != nil {
		s.logger.Warn("failed to cache project status", "project", project.Name, "error", updateErr)
	}
	return status, nil
}

// RollbackReady reports whether the last deploy's restore point is still
// retained, meaning a rollback to it can skip install and build.
func (s *Service) RollbackReady(ctx context.Context, projectID int64) (bool, error) {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return false, err
	}
	_, ok := s.snapshots.Pending(project.Name)
	return ok, nil
}

// StartProject resumes the registered process.
func (s *Service) StartProject(ctx context.Context, projectID int64) error {
	return s.lifecycle(ctx, projectID, s.registrar.Start, domain.ProjectRunning)
}

// StopProject halts the registered process.
func (s *Service) StopProject(ctx context.Context, projectID int64) error {
	return s.lifecycle(ctx, projectID, s.registrar.Stop, domain.ProjectStopped)
}

// RestartProject bounces the registered process.
func (s *Service) RestartProject(ctx context.Context, projectID int64) error {
	return s.lifecycle(ctx, projectID, s.registrar.Restart, domain.ProjectRunning)
}

func (s *Service) lifecycle(ctx context.Context, projectID int64, op func(context.Context, string) error, status string) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}
	if err := op(ctx, processName(project)); err != nil {
		return err
	}
	if err := s.projects.UpdateProjectStatus(ctx, project.ID, status); err != nil {
		s.logger.Warn("failed to cache project status", "project", project.Name, "error", err)
	}
	return nil
}

// DeleteProject tears a project down: supervisor registration, routing, the
// on-disk directory, and the database row (history and domains cascade).
func (s *Service) DeleteProject(ctx context.Context, projectID int64) error {
	project, err := s.projects.GetProjectByID(ctx, projectID)
	if err != nil {
		return err
	}

	token, err := s.locks.acquire(project.ID)
	if err != nil {
		return err
	}
	defer s.locks.release(project.ID, token)

	if err := s.registrar.Delete(ctx, processName(project)); err != nil {
		s.logger.Warn("supervisor delete failed", "project", project.Name, "error", err)
	}
	if s.provisioner != nil && s.domains != nil {
		if hosts, err := s.domains.ListDomainsByProject(ctx, project.ID); err == nil {
			for _, h := range hosts {
				if err := s.provisioner.Remove(ctx, h.Hostname); err != nil {
					s.logger.Warn("routing removal failed", "hostname", h.Hostname, "error", err)
				}
			}
		}
	}
	if handle, ok := s.snapshots.Claim(project.Name); ok {
		if err := s.snapshots.Discard(handle); err != nil {
			s.logger.Warn("snapshot discard failed", "project", project.Name, "error", err)
		}
	}
	if err := os.RemoveAll(s.liveDir(project)); err != nil {
		return fmt.Errorf("remove project directory: %w", err)
	}
	return s.projects.DeleteProject(ctx, project.ID)
}

// SyncStatuses refreshes every project's cached status from the supervisor.
// Run at daemon start so the dashboard does not show a crashed run's stale
// state.
func (s *Service) SyncStatuses(ctx context.Context) {
	projects, err := s.projects.ListProjects(ctx)
	if err != nil {
		s.logger.Error("failed to list projects for status sync", "error", err)
		return
	}
	for i := range projects {
		if _, err := s.RuntimeStatus(ctx, projects[i].ID); err != nil {
			s.logger.Warn("status sync failed", "project", projects[i].Name, "error", err)
		}
	}
}

func (s *Service) emit(projectID int64, stage, message string, err error) {
	event := Event{ProjectID: projectID, Stage: stage, Message: message, Time: time.Now().UTC()}
	if err != nil {
		event.Error = err.Error()
	}
	s.logger.Info("pipeline stage", "project_id", projectID, "stage", stage, "message", message)
	if s.hub == nil {
		return
	}
	payload, marshalErr := json.Marshal(event)
	if marshalErr != nil {
		return
	}
	s.hub.Broadcast(projectID, payload)
}

func (s *Service) liveDir(project *domain.Project) string {
	return filepath.Join(s.cfg.RootDir, "apps", project.Name)
}

// projectEnv decrypts the stored environment variables and injects PORT when
// the project exposes one.
func (s *Service) projectEnv(project *domain.Project) (map[string]string, error) {
	env := make(map[string]string)
	if len(project.EnvVars) > 0 {
		plain, err := crypto.DecryptToString(s.cfg.EncryptionKey, project.EnvVars)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(plain), &env); err != nil {
			return nil, err
		}
	}
	if project.Port > 0 {
		env["PORT"] = strconv.Itoa(project.Port)
	}
	return env, nil
}

// processName is the immutable supervisor key derived from the project name.
func processName(project *domain.Project) string {
	if project.ProcessName != "" {
		return project.ProcessName
	}
	return "nodepilot-" + project.Name
}

func hasClone(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// hashLockfile returns the sha256 of package-lock.json, or "" when absent.
func hashLockfile(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, "package-lock.json"))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func tailNote(label, output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return label + ": (no output)"
	}
	lines := strings.Split(output, "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return label + ":\n" + strings.Join(lines, "\n")
}
