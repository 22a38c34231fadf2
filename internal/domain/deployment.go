package domain

import "time"

// Deployment outcome statuses.
const (
	DeploySuccess = "success"
	DeployFailed  = "failed"
)

// Deployment captures a single deployment attempt. Rows are append-only:
// rollbacks create new records, nothing is ever rewritten.
type Deployment struct {
	ID           int64
	ProjectID    int64
	Version      string
	DeployMethod string
	Status       string
	Notes        string
	DeployedAt   time.Time
}
