// Package autostart installs jetvision as a boot-time service.
package autostart

import "errors"

// ErrUnsupported is returned on platforms without a service manager backend.
var ErrUnsupported = errors.New("service installation is only supported on linux")

// Manager provides platform-specific autostart installation.
type Manager interface {
	IsInstalled() (bool, error)
	Install(execPath string, args ...string) error
	Uninstall() error
	ServiceName() string
}
