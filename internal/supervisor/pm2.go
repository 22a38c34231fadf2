package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// PM2Client drives a local pm2 daemon through its CLI.
type PM2Client struct {
	bin    string
	logger *slog.Logger
}

var _ Supervisor = (*PM2Client)(nil)

// NewPM2Client returns a Supervisor backed by the pm2 binary.
func NewPM2Client(bin string, logger *slog.Logger) *PM2Client {
	if bin == "" {
		bin = "pm2"
	}
	return &PM2Client{bin: bin, logger: logger}
}

// pm2Process mirrors the subset of `pm2 jlist` output the daemon reads.
type pm2Process struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status      string `json:"status"`
		PMUptime    int64  `json:"pm_uptime"`
		RestartTime int    `json:"restart_time"`
	} `json:"pm2_env"`
	Monit struct {
		Memory int64   `json:"memory"`
		CPU    float64 `json:"cpu"`
	} `json:"monit"`
}

// Register creates (or replaces) a named process registration. The start
// command runs through a shell so configured commands keep their argument
// structure; the command string comes from trusted project configuration.
func (c *PM2Client) Register(ctx context.Context, spec ProcessSpec) error {
	args := []string{"start", "bash", "--name", spec.Name, "--cwd", spec.Dir, "--", "-lc", spec.Command}
	return c.run(ctx, spec.Env, args...)
}

// Start resumes a stopped registration.
func (c *PM2Client) Start(ctx context.Context, name string) error {
	return c.run(ctx, nil, "start", name)
}

// Stop halts the process but keeps the registration.
func (c *PM2Client) Stop(ctx context.Context, name string) error {
	return c.run(ctx, nil, "stop", name)
}

// Restart bounces the process, preserving supervisor-side metrics.
func (c *PM2Client) Restart(ctx context.Context, name string) error {
	return c.run(ctx, nil, "restart", name, "--update-env")
}

// Delete removes the registration entirely.
func (c *PM2Client) Delete(ctx context.Context, name string) error {
	return c.run(ctx, nil, "delete", name)
}

// Status reports the process state via `pm2 jlist`.
func (c *PM2Client) Status(ctx context.Context, name string) (ProcessStatus, error) {
	out, err := c.output(ctx, "jlist")
	if err != nil {
		return ProcessStatus{State: StateUnknown}, err
	}
	var procs []pm2Process
	if err := json.Unmarshal(out, &procs); err != nil {
		return ProcessStatus{State: StateUnknown}, fmt.Errorf("parse pm2 jlist: %w", err)
	}
	for _, p := range procs {
		if p.Name != name {
			continue
		}
		status := ProcessStatus{
			State:        StateStopped,
			CPUPercent:   p.Monit.CPU,
			MemoryBytes:  p.Monit.Memory,
			RestartCount: p.PM2Env.RestartTime,
		}
		if p.PM2Env.Status == "online" {
			status.State = StateRunning
			status.Uptime = time.Since(time.UnixMilli(p.PM2Env.PMUptime))
		}
		return status, nil
	}
	return ProcessStatus{State: StateUnknown}, ErrProcessNotFound
}

func (c *PM2Client) run(ctx context.Context, env map[string]string, args ...string) error {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	if len(env) > 0 {
		cmd.Env = mergedEnv(env)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if strings.Contains(msg, "not found") {
			return ErrProcessNotFound
		}
		if c.logger != nil {
			c.logger.Error("pm2 command failed", "args", args, "output", msg, "error", err)
		}
		return fmt.Errorf("pm2 %s: %w: %s", args[0], err, msg)
	}
	return nil
}

func (c *PM2Client) output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("pm2 %s: %w: %s", args[0], err, strings.TrimSpace(errOut.String()))
	}
	return out.Bytes(), nil
}

// mergedEnv layers spec env vars over the daemon environment so pm2 passes
// them through to the started process.
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
