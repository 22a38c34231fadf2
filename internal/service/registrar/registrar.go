// Package registrar translates project runtime configuration into calls
// against the external process supervisor.
package registrar

import (
	"context"
	"errors"
	"log/slog"

	"github.com/omdev04/nodepilot/internal/supervisor"
)

// Decision says how a redeploy reaches the supervisor.
type Decision int

const (
	// Reuse restarts the existing registration in place, preserving the
	// supervisor's process metrics and restart history.
	Reuse Decision = iota
	// Recreate deletes and re-registers, needed when the start command or
	// working directory changed.
	Recreate
)

// Registration is what the supervisor currently holds for a project, as
// recorded at the last successful registration.
type Registration struct {
	Exists  bool
	Command string
	Dir     string
}

// Decide compares the stored registration against the next spec. The decision
// is a deterministic config comparison; it never depends on coaxing an error
// out of the supervisor.
func Decide(registered Registration, next supervisor.ProcessSpec) Decision {
	if !registered.Exists {
		return Recreate
	}
	if registered.Command != next.Command || registered.Dir != next.Dir {
		return Recreate
	}
	return Reuse
}

// Service adapts project config onto the supervisor interface.
type Service struct {
	sup    supervisor.Supervisor
	logger *slog.Logger
}

// New constructs a registrar.
func New(sup supervisor.Supervisor, logger *slog.Logger) Service {
	return Service{sup: sup, logger: logger}
}

// EnsureRegistered brings the supervisor to running state for the given spec,
// reusing the existing registration when the config allows it.
func (s Service) EnsureRegistered(ctx context.Context, registered Registration, next supervisor.ProcessSpec) error {
	switch Decide(registered, next) {
	case Reuse:
		err := s.sup.Restart(ctx, next.Name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, supervisor.ErrProcessNotFound) {
			return err
		}
		// Registration vanished out from under us; fall through to a full
		// re-register.
		if s.logger != nil {
			s.logger.Warn("registration missing on restart, re-registering", "process", next.Name)
		}
	case Recreate:
		if registered.Exists {
			if err := s.sup.Delete(ctx, next.Name); err != nil && !errors.Is(err, supervisor.ErrProcessNotFound) {
				return err
			}
		}
	}
	return s.sup.Register(ctx, next)
}

// Stop halts the project's process. Missing registrations are fine: stopping
// something that is not running is not an error for the pipeline.
func (s Service) Stop(ctx context.Context, name string) error {
	err := s.sup.Stop(ctx, name)
	if errors.Is(err, supervisor.ErrProcessNotFound) {
		return nil
	}
	return err
}

// Start resumes the project's process.
func (s Service) Start(ctx context.Context, name string) error {
	return s.sup.Start(ctx, name)
}

// Restart bounces the project's process.
func (s Service) Restart(ctx context.Context, name string) error {
	return s.sup.Restart(ctx, name)
}

// Delete removes the registration. Missing registrations are fine.
func (s Service) Delete(ctx context.Context, name string) error {
	err := s.sup.Delete(ctx, name)
	if errors.Is(err, supervisor.ErrProcessNotFound) {
		return nil
	}
	return err
}

// Status reports the supervisor's view of the project's process.
func (s Service) Status(ctx context.Context, name string) (supervisor.ProcessStatus, error) {
	return s.sup.Status(ctx, name)
}
