// Package supervisor defines the boundary to the external process supervisor
// that owns OS processes, restart policy, and log capture. The daemon never
// manages processes itself; it registers specs keyed by an immutable process
// name and asks for lifecycle transitions.
package supervisor

import (
	"context"
	"errors"
	"time"
)

// Process states reported by the supervisor.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StateUnknown = "unknown"
)

// ErrProcessNotFound indicates the supervisor has no registration under the
// requested name.
var ErrProcessNotFound = errors.New("supervisor: process not found")

// ProcessSpec describes what the supervisor should run.
type ProcessSpec struct {
	Name    string
	Command string
	Dir     string
	Env     map[string]string
}

// ProcessStatus is a point-in-time snapshot of a managed process.
type ProcessStatus struct {
	State        string
	CPUPercent   float64
	MemoryBytes  int64
	Uptime       time.Duration
	RestartCount int
}

// Supervisor is the external process manager contract.
type Supervisor interface {
	Register(ctx context.Context, spec ProcessSpec) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (ProcessStatus, error)
}
