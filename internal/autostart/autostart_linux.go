//go:build linux

package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	serviceName = "jetvision"
	unitPath    = "/etc/systemd/system/jetvision.service"
	dataDir     = "/var/lib/jetvision"
)

// unitTemplate is the systemd unit file written during installation.
// {execStart} is replaced with the quoted binary path and its arguments.
const unitTemplate = `[Unit]
Description=jetvision YOLO frame pipeline
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={execStart}
WorkingDirectory={dataDir}
Restart=always
RestartSec=10
StandardOutput=journal
StandardError=journal
SyslogIdentifier=jetvision

NoNewPrivileges=true
ProtectHome=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

type linuxManager struct {
	unitPath string
	dataDir  string
	run      func(name string, args ...string) error
}

// New returns a Manager that uses systemd for service management.
func New() Manager {
	return &linuxManager{
		unitPath: unitPath,
		dataDir:  dataDir,
		run: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

func (l *linuxManager) ServiceName() string { return serviceName }

// CheckElevation verifies the process may write system units.
func CheckElevation() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("service management requires root privileges\n\nRun with sudo:\n  sudo %s -install-service", os.Args[0])
	}
	return nil
}

// IsInstalled checks whether the systemd unit file exists.
func (l *linuxManager) IsInstalled() (bool, error) {
	_, err := os.Stat(l.unitPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking unit file: %w", err)
	}
	return true, nil
}

// Install writes the unit file, reloads the daemon, enables and starts the service.
func (l *linuxManager) Install(execPath string, args ...string) error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	if err := os.WriteFile(l.unitPath, []byte(renderUnit(execPath, args, l.dataDir)), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	commands := [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", serviceName},
		{"systemctl", "start", serviceName},
	}
	for _, c := range commands {
		if err := l.run(c[0], c[1:]...); err != nil {
			return fmt.Errorf("running %s: %w", strings.Join(c, " "), err)
		}
	}
	return nil
}

// Uninstall stops, disables, and removes the service.
func (l *linuxManager) Uninstall() error {
	// The service may already be inactive.
	_ = l.run("systemctl", "stop", serviceName)
	_ = l.run("systemctl", "disable", serviceName)

	if err := os.Remove(l.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}

	_ = l.run("systemctl", "daemon-reload")
	return nil
}

func renderUnit(execPath string, args []string, dir string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{execPath}, args...) {
		parts = append(parts, systemdQuote(a))
	}
	unit := strings.ReplaceAll(unitTemplate, "{execStart}", strings.Join(parts, " "))
	return strings.ReplaceAll(unit, "{dataDir}", dir)
}

// systemdQuote quotes s for an ExecStart line when it contains whitespace or quotes.
func systemdQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\"\\") {
		return s
	}
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
