package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrDeploymentInProgress is lock contention: the caller should retry
	// later. It is not a pipeline failure and produces no history row.
	ErrDeploymentInProgress = errors.New("deploy: another deployment is already in progress for this project")

	// ErrVerificationTimeout means the process never reached a running state
	// within the grace period after registration.
	ErrVerificationTimeout = errors.New("deploy: process did not reach running state in time")

	// ErrRollbackFailed is the one case automation cannot recover from: the
	// snapshot restore itself failed and the project may be left broken.
	ErrRollbackFailed = errors.New("deploy: rollback restore failed")

	// ErrNoRollbackSource means the chosen historical deployment has neither
	// a retained snapshot nor a re-materializable commit.
	ErrNoRollbackSource = errors.New("deploy: no snapshot or commit available to roll back to")

	// ErrSourceMismatch rejects a trigger whose source kind does not match
	// the project's configured deploy method.
	ErrSourceMismatch = errors.New("deploy: source does not match project deploy method")
)

// PipelineError reports which stage a deployment attempt failed in.
type PipelineError struct {
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("deploy: stage %s: %v", e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func stageErr(stage string, err error) *PipelineError {
	return &PipelineError{Stage: stage, Err: err}
}
