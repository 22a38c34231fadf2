package deploy

import (
	"time"

	"github.com/omdev04/nodepilot/internal/domain"
)

// Source describes what a deployment attempt materializes from. Fresh
// uploads, git pulls, and rollbacks all drive the same state machine; only
// the materialization differs.
type Source struct {
	Method      string
	ArchivePath string
	RollbackTo  int64
}

// ZipSource deploys an uploaded archive already saved to disk.
func ZipSource(archivePath string) Source {
	return Source{Method: domain.MethodZip, ArchivePath: archivePath}
}

// PullSource fetches and deploys the configured git branch tip.
func PullSource() Source {
	return Source{Method: domain.MethodGit}
}

// RollbackSource redeploys the state recorded by a historical deployment.
func RollbackSource(deploymentID int64) Source {
	return Source{RollbackTo: deploymentID}
}

func (s Source) isRollback() bool { return s.RollbackTo > 0 }

func (s Source) label() string {
	if s.isRollback() {
		return "rollback"
	}
	return s.Method
}

// Pipeline stages, in order. Any stage from StageStopping through
// StageVerifying can divert to StageRollingBack.
const (
	StageStopping      = "stopping"
	StageSnapshotting  = "snapshotting"
	StageMaterializing = "materializing"
	StageInstalling    = "installing"
	StageBuilding      = "building"
	StageRegistering   = "registering"
	StageVerifying     = "verifying"
	StageRollingBack   = "rolling_back"
	StageCommitting    = "committing"
)

// Event is one pipeline progress notification streamed to dashboard clients.
type Event struct {
	ProjectID int64     `json:"project_id"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}
