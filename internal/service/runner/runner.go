// Package runner executes a project's install and build commands as bounded
// subprocesses with captured output. The commands come from trusted project
// configuration; untrusted values never reach this boundary.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Step failures are fatal to the deployment attempt but not to the daemon.
var (
	ErrInstallFailed = errors.New("runner: install command failed")
	ErrBuildFailed   = errors.New("runner: build command failed")
)

// Result carries a finished step's captured output.
type Result struct {
	Command  string
	Output   string
	Duration time.Duration
}

// Service runs install and build steps.
type Service struct {
	installTimeout time.Duration
	buildTimeout   time.Duration
	outputLimit    int
	logger         *slog.Logger
}

// New constructs a runner.
func New(installTimeout, buildTimeout time.Duration, outputLimit int, logger *slog.Logger) Service {
	if outputLimit <= 0 {
		outputLimit = 64 * 1024
	}
	return Service{
		installTimeout: installTimeout,
		buildTimeout:   buildTimeout,
		outputLimit:    outputLimit,
		logger:         logger,
	}
}

// Install runs the install command in dir.
func (s Service) Install(ctx context.Context, dir, command string, env map[string]string) (Result, error) {
	res, err := s.runStep(ctx, dir, command, env, s.installTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	return res, nil
}

// Build runs the build command in dir.
func (s Service) Build(ctx context.Context, dir, command string, env map[string]string) (Result, error) {
	res, err := s.runStep(ctx, dir, command, env, s.buildTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrBuildFailed, err)
	}
	return res, nil
}

func (s Service) runStep(ctx context.Context, dir, command string, env map[string]string, timeout time.Duration) (Result, error) {
	stepCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	started := time.Now()
	cmd := exec.CommandContext(stepCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = mergedEnv(env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := Result{
		Command:  command,
		Output:   s.tail(out.String()),
		Duration: time.Since(started),
	}

	if err != nil {
		// A dead parent context means the whole attempt was cut short, not
		// that this step overran its own budget.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("canceled: %v", ctxErr)
		}
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("timed out after %s", timeout)
		}
		return result, fmt.Errorf("%v: %s", err, lastLine(result.Output))
	}
	if s.logger != nil {
		s.logger.Debug("step finished", "command", command, "duration", result.Duration)
	}
	return result, nil
}

// tail keeps only the most recent output when a step is too chatty; the end
// of the log is where the failure reason lives.
func (s Service) tail(output string) string {
	if len(output) <= s.outputLimit {
		return output
	}
	trimmed := output[len(output)-s.outputLimit:]
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 && idx < len(trimmed)-1 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}

func lastLine(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

func mergedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	merged := os.Environ()
	for _, k := range keys {
		merged = append(merged, k+"="+env[k])
	}
	return merged
}
