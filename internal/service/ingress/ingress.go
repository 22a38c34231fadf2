// Package ingress provisions reverse-proxy routing for projects that expose a
// port. Certificate issuance and the proxy daemon itself are external; this
// boundary only renders config and asks the proxy to reload.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Provisioner maps a hostname onto a local port.
type Provisioner interface {
	Provision(ctx context.Context, hostname string, port int) error
	Remove(ctx context.Context, hostname string) error
}

// NginxProvisioner writes per-host server blocks into a conf.d directory and
// runs a reload command.
type NginxProvisioner struct {
	configDir string
	reloadCmd string
	logger    *slog.Logger
}

var _ Provisioner = (*NginxProvisioner)(nil)

// NewNginxProvisioner constructs a Provisioner, or nil when no config
// directory is set (routing disabled).
func NewNginxProvisioner(configDir, reloadCmd string, logger *slog.Logger) *NginxProvisioner {
	if strings.TrimSpace(configDir) == "" {
		return nil
	}
	return &NginxProvisioner{configDir: configDir, reloadCmd: reloadCmd, logger: logger}
}

const serverBlock = `server {
    listen 80;
    server_name %s;

    location / {
        proxy_pass http://127.0.0.1:%d;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
    }
}
`

// Provision writes the host's server block and reloads the proxy.
func (p *NginxProvisioner) Provision(ctx context.Context, hostname string, port int) error {
	if err := os.MkdirAll(p.configDir, 0o755); err != nil {
		return err
	}
	conf := fmt.Sprintf(serverBlock, hostname, port)
	if err := os.WriteFile(p.confPath(hostname), []byte(conf), 0o644); err != nil {
		return err
	}
	return p.reload(ctx)
}

// Remove deletes the host's server block and reloads the proxy.
func (p *NginxProvisioner) Remove(ctx context.Context, hostname string) error {
	if err := os.Remove(p.confPath(hostname)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return p.reload(ctx)
}

func (p *NginxProvisioner) confPath(hostname string) string {
	return filepath.Join(p.configDir, hostname+".conf")
}

func (p *NginxProvisioner) reload(ctx context.Context) error {
	fields := strings.Fields(p.reloadCmd)
	if len(fields) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("reload proxy: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if p.logger != nil {
		p.logger.Debug("proxy reloaded")
	}
	return nil
}
