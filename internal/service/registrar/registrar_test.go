package registrar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/omdev04/nodepilot/internal/supervisor"
)

type stubSupervisor struct {
	known      map[string]bool
	restartErr error

	registers int
	restarts  int
	deletes   int
	stops     int
}

func newStubSupervisor(names ...string) *stubSupervisor {
	s := &stubSupervisor{known: make(map[string]bool)}
	for _, n := range names {
		s.known[n] = true
	}
	return s
}

func (s *stubSupervisor) Register(ctx context.Context, spec supervisor.ProcessSpec) error {
	s.registers++
	s.known[spec.Name] = true
	return nil
}

func (s *stubSupervisor) Start(ctx context.Context, name string) error {
	if !s.known[name] {
		return supervisor.ErrProcessNotFound
	}
	return nil
}

func (s *stubSupervisor) Stop(ctx context.Context, name string) error {
	s.stops++
	if !s.known[name] {
		return supervisor.ErrProcessNotFound
	}
	return nil
}

func (s *stubSupervisor) Restart(ctx context.Context, name string) error {
	s.restarts++
	if s.restartErr != nil {
		return s.restartErr
	}
	if !s.known[name] {
		return supervisor.ErrProcessNotFound
	}
	return nil
}

func (s *stubSupervisor) Delete(ctx context.Context, name string) error {
	s.deletes++
	if !s.known[name] {
		return supervisor.ErrProcessNotFound
	}
	delete(s.known, name)
	return nil
}

func (s *stubSupervisor) Status(ctx context.Context, name string) (supervisor.ProcessStatus, error) {
	if !s.known[name] {
		return supervisor.ProcessStatus{}, supervisor.ErrProcessNotFound
	}
	return supervisor.ProcessStatus{State: supervisor.StateRunning}, nil
}

func testRegistrar(sup supervisor.Supervisor) Service {
	return New(sup, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDecide(t *testing.T) {
	next := supervisor.ProcessSpec{Name: "app", Command: "node server.js", Dir: "/srv/app"}

	cases := []struct {
		name       string
		registered Registration
		want       Decision
	}{
		{
			name:       "never registered",
			registered: Registration{},
			want:       Recreate,
		},
		{
			name:       "unchanged config",
			registered: Registration{Exists: true, Command: "node server.js", Dir: "/srv/app"},
			want:       Reuse,
		},
		{
			name:       "command changed",
			registered: Registration{Exists: true, Command: "node index.js", Dir: "/srv/app"},
			want:       Recreate,
		},
		{
			name:       "directory changed",
			registered: Registration{Exists: true, Command: "node server.js", Dir: "/srv/old"},
			want:       Recreate,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decide(tc.registered, next); got != tc.want {
				t.Fatalf("Decide = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEnsureRegisteredReusesExisting(t *testing.T) {
	sup := newStubSupervisor("app")
	svc := testRegistrar(sup)

	spec := supervisor.ProcessSpec{Name: "app", Command: "node server.js", Dir: "/srv/app"}
	registered := Registration{Exists: true, Command: "node server.js", Dir: "/srv/app"}

	if err := svc.EnsureRegistered(context.Background(), registered, spec); err != nil {
		t.Fatalf("EnsureRegistered failed: %v", err)
	}
	if sup.restarts != 1 || sup.registers != 0 || sup.deletes != 0 {
		t.Fatalf("expected pure restart, got restarts=%d registers=%d deletes=%d",
			sup.restarts, sup.registers, sup.deletes)
	}
}

func TestEnsureRegisteredFallsBackWhenRegistrationVanished(t *testing.T) {
	// The database says registered but the supervisor lost it.
	sup := newStubSupervisor()
	svc := testRegistrar(sup)

	spec := supervisor.ProcessSpec{Name: "app", Command: "node server.js", Dir: "/srv/app"}
	registered := Registration{Exists: true, Command: "node server.js", Dir: "/srv/app"}

	if err := svc.EnsureRegistered(context.Background(), registered, spec); err != nil {
		t.Fatalf("EnsureRegistered failed: %v", err)
	}
	if sup.registers != 1 {
		t.Fatalf("expected re-registration after vanished process, got %d", sup.registers)
	}
}

func TestEnsureRegisteredRecreatesOnConfigChange(t *testing.T) {
	sup := newStubSupervisor("app")
	svc := testRegistrar(sup)

	spec := supervisor.ProcessSpec{Name: "app", Command: "node index.js", Dir: "/srv/app"}
	registered := Registration{Exists: true, Command: "node server.js", Dir: "/srv/app"}

	if err := svc.EnsureRegistered(context.Background(), registered, spec); err != nil {
		t.Fatalf("EnsureRegistered failed: %v", err)
	}
	if sup.deletes != 1 || sup.registers != 1 {
		t.Fatalf("expected delete then register, got deletes=%d registers=%d", sup.deletes, sup.registers)
	}
	if sup.restarts != 0 {
		t.Fatalf("recreate must not attempt a restart, got %d", sup.restarts)
	}
}

func TestEnsureRegisteredPropagatesRestartFailure(t *testing.T) {
	sup := newStubSupervisor("app")
	sup.restartErr = errors.New("supervisor unreachable")
	svc := testRegistrar(sup)

	spec := supervisor.ProcessSpec{Name: "app", Command: "node server.js", Dir: "/srv/app"}
	registered := Registration{Exists: true, Command: "node server.js", Dir: "/srv/app"}

	if err := svc.EnsureRegistered(context.Background(), registered, spec); err == nil {
		t.Fatal("expected restart failure to propagate")
	}
	if sup.registers != 0 {
		t.Fatal("a real restart failure must not trigger re-registration")
	}
}

func TestStopToleratesMissingProcess(t *testing.T) {
	sup := newStubSupervisor()
	svc := testRegistrar(sup)

	if err := svc.Stop(context.Background(), "ghost"); err != nil {
		t.Fatalf("stopping an unregistered process must not fail: %v", err)
	}
	if err := svc.Delete(context.Background(), "ghost"); err != nil {
		t.Fatalf("deleting an unregistered process must not fail: %v", err)
	}
}
