package domain

import "time"

// Project statuses cached from the process supervisor. Informational only,
// the supervisor remains the authority.
const (
	ProjectStopped = "stopped"
	ProjectRunning = "running"
	ProjectError   = "error"
)

// Deploy methods.
const (
	MethodZip = "zip"
	MethodGit = "git"
)

// Project describes a deployable Node.js application.
type Project struct {
	ID             int64
	Name           string
	DisplayName    string
	StartCommand   string
	InstallCommand string
	BuildCommand   string
	Port           int
	EnvVars        []byte // encrypted JSON map, opaque outside the crypto boundary
	DeployMethod   string
	GitURL         string
	GitBranch      string
	WebhookSecret  []byte // encrypted
	LastCommit     string
	LockfileHash   string
	Status         string
	ProcessName    string // immutable once assigned, key into the supervisor
	RegisteredCmd  string // start command last handed to the supervisor
	LastDeployedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ProjectDeployState carries the project fields the pipeline refreshes when
// it commits an attempt.
type ProjectDeployState struct {
	ProjectID      int64
	Status         string
	LastCommit     string
	LockfileHash   string
	RegisteredCmd  string
	LastDeployedAt *time.Time
}

// ProjectDomain maps a custom hostname to a project. The deployment pipeline
// only reads these when re-provisioning routing after a successful deploy.
type ProjectDomain struct {
	ID        int64
	ProjectID int64
	Hostname  string
	CreatedAt time.Time
}
