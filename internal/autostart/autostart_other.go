//go:build !linux

package autostart

type unsupported struct{}

// CheckElevation always succeeds; every Manager operation fails anyway.
func CheckElevation() error { return nil }

// New returns a Manager whose operations fail with ErrUnsupported.
func New() Manager { return unsupported{} }

func (unsupported) ServiceName() string { return "jetvision" }
func (unsupported) IsInstalled() (bool, error) { return false, ErrUnsupported }
func (unsupported) Install(string, ...string) error { return ErrUnsupported }
func (unsupported) Uninstall() error { return ErrUnsupported }
