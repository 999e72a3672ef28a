// Package systemduser installs coursesyncd as a systemd user service and
// talks to systemctl --user.
package systemduser

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/schaermu/coursesyncd/internal/process"
)

const (
	// ServiceUnit is the name of the long-running serve unit.
	ServiceUnit = "coursesyncd.service"
	// SocketUnit is the name of the socket that activates ServiceUnit.
	SocketUnit = "coursesyncd.socket"
)

// Systemd provides operations for interacting with systemd user units
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// EnableNow enables the specified units and starts them
	EnableNow(ctx context.Context, units []string) error
	// IsAvailable checks if systemctl --user is accessible
	IsAvailable(ctx context.Context) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct {
	runner process.Runner
}

// NewClient creates a new systemd client
func NewClient(runner process.Runner) *Client {
	return &Client{runner: runner}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	return c.systemctl(ctx, "daemon-reload")
}

// EnableNow enables units and starts them immediately.
func (c *Client) EnableNow(ctx context.Context, units []string) error {
	if len(units) == 0 {
		return nil
	}
	return c.systemctl(ctx, append([]string{"enable", "--now"}, units...)...)
}

// IsAvailable checks if systemctl --user is accessible
func (c *Client) IsAvailable(ctx context.Context) (bool, error) {
	res, err := c.runner.Run(ctx, []string{"systemctl", "--user", "status"})
	if err != nil {
		return false, fmt.Errorf("systemctl --user not available: %w", err)
	}
	// Exit codes 1-3 are normal for degraded systems
	if res.ExitCode > 3 {
		return false, fmt.Errorf("systemctl --user not available: exit code %d: %s", res.ExitCode, res.Stderr)
	}
	return true, nil
}

// UnitStatus returns the active state of a unit. is-active exits non-zero
// for inactive units, which is not an error.
func (c *Client) UnitStatus(ctx context.Context, unit string) (string, error) {
	res, err := c.runner.Run(ctx, []string{"systemctl", "--user", "is-active", unit})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (c *Client) systemctl(ctx context.Context, args ...string) error {
	argv := append([]string{"systemctl", "--user"}, args...)
	res, err := c.runner.Run(ctx, argv)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("systemctl %s failed: exit code %d: %s", args[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// UnitOptions describes the installed units.
type UnitOptions struct {
	// Binary is the absolute path of the coursesyncd executable.
	Binary string
	// ConfigPath is passed to the service with --config.
	ConfigPath string
	// ListenAddr is the serve listen address the socket binds.
	ListenAddr string
	// LogFormat is passed to the service with --log-format.
	LogFormat string
}

var serviceTemplate = template.Must(template.New("service").Parse(`[Unit]
Description=coursesyncd class repository sync
Documentation=https://github.com/schaermu/coursesyncd
Requires={{.Socket}}
After=network-online.target {{.Socket}}

[Service]
Type=simple
ExecStart={{.Binary}} --config {{.ConfigPath}} --log-format {{.LogFormat}} serve
Restart=on-failure
RestartSec=10

[Install]
WantedBy=default.target
`))

var socketTemplate = template.Must(template.New("socket").Parse(`[Unit]
Description=coursesyncd webhook and status endpoint

[Socket]
ListenStream={{.ListenStream}}

[Install]
WantedBy=sockets.target
`))

// Render returns the unit file contents keyed by unit name.
func Render(opts UnitOptions) (map[string][]byte, error) {
	if !filepath.IsAbs(opts.Binary) {
		return nil, fmt.Errorf("binary path must be absolute: %q", opts.Binary)
	}
	if opts.LogFormat == "" {
		opts.LogFormat = "json"
	}

	data := struct {
		UnitOptions
		Socket       string
		ListenStream string
	}{opts, SocketUnit, ListenStream(opts.ListenAddr)}

	units := make(map[string][]byte, 2)
	for name, tmpl := range map[string]*template.Template{ServiceUnit: serviceTemplate, SocketUnit: socketTemplate} {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", name, err)
		}
		units[name] = buf.Bytes()
	}
	return units, nil
}

// ListenStream converts a Go listen address into a systemd ListenStream value.
// A bare ":port" listens on all addresses.
func ListenStream(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return strings.TrimPrefix(addr, ":")
	}
	return addr
}

// DefaultUnitDir returns the systemd user unit directory.
func DefaultUnitDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "systemd", "user"), nil
}

// Installer writes unit files and activates them.
type Installer struct {
	systemd Systemd
	unitDir string
	logger  *slog.Logger
}

// NewInstaller creates an installer writing into unitDir.
func NewInstaller(systemd Systemd, unitDir string, logger *slog.Logger) *Installer {
	return &Installer{systemd: systemd, unitDir: unitDir, logger: logger}
}

// Install writes the units and returns the names of those whose content
// changed. When enable is set, the daemon is reloaded and the socket is
// enabled and started.
func (i *Installer) Install(ctx context.Context, opts UnitOptions, enable bool) ([]string, error) {
	units, err := Render(opts)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(i.unitDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create unit directory: %w", err)
	}

	var changed []string
	for _, name := range []string{ServiceUnit, SocketUnit} {
		path := filepath.Join(i.unitDir, name)
		current, err := os.ReadFile(path)
		if err == nil && bytes.Equal(current, units[name]) {
			continue
		}
		if err := os.WriteFile(path, units[name], 0644); err != nil {
			return changed, fmt.Errorf("failed to write %s: %w", name, err)
		}
		i.logger.Info("wrote unit", "unit", name, "path", path)
		changed = append(changed, name)
	}

	if !enable {
		return changed, nil
	}
	if ok, err := i.systemd.IsAvailable(ctx); !ok {
		return changed, err
	}
	if len(changed) > 0 {
		if err := i.systemd.DaemonReload(ctx); err != nil {
			return changed, err
		}
	}
	if err := i.systemd.EnableNow(ctx, []string{SocketUnit}); err != nil {
		return changed, err
	}
	return changed, nil
}
