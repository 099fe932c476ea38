package config

import (
	"fmt"
	"strings"
)

// DefaultUDPPort is the port a network stream listens on when no URL is given.
const DefaultUDPPort = 5000

// SourceKind selects where frames come from.
type SourceKind string

const (
	SourceMountedFile   SourceKind = "mounted-file"
	SourceUploadedFile  SourceKind = "uploaded-file"
	SourceNetworkStream SourceKind = "network-stream"
	SourceDevice        SourceKind = "device"
)

// StreamConfig is the user-chosen configuration of one dispatch run. It is
// read once when the run starts; changing it requires a stop and a restart.
type StreamConfig struct {
	Source              SourceKind `yaml:"source" json:"source"`
	Path                string     `yaml:"path" json:"path,omitempty"`
	URL                 string     `yaml:"url" json:"url,omitempty"`
	Port                int        `yaml:"port" json:"port,omitempty"`
	Device              int        `yaml:"device" json:"device"`
	ConfidenceThreshold float64    `yaml:"confidence_threshold" json:"confidence_threshold"`
	FPSLimit            int        `yaml:"fps_limit" json:"fps_limit"`
}

// IsLive reports whether frames come from a live feed, where a failed read
// is transient rather than the end of the input.
func (s StreamConfig) IsLive() bool {
	return s.Source == SourceNetworkStream || s.Source == SourceDevice
}

// IsFile reports whether the source is file backed.
func (s StreamConfig) IsFile() bool {
	return s.Source == SourceMountedFile || s.Source == SourceUploadedFile
}

// Validate rejects a stream configuration before it reaches the loop.
// Every returned error wraps ErrInvalid.
func (s StreamConfig) Validate() error {
	switch s.Source {
	case SourceMountedFile, SourceUploadedFile:
		if strings.TrimSpace(s.Path) == "" {
			return fmt.Errorf("%w: %s source requires a path", ErrInvalid, s.Source)
		}
	case SourceNetworkStream:
		if s.URL == "" && (s.Port < 1 || s.Port > 65535) {
			return fmt.Errorf("%w: network stream requires a url or a port in [1,65535] (got %d)", ErrInvalid, s.Port)
		}
	case SourceDevice:
		if s.Device < 0 {
			return fmt.Errorf("%w: camera device index must not be negative (got %d)", ErrInvalid, s.Device)
		}
	case "":
		return fmt.Errorf("%w: source is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown source %q", ErrInvalid, s.Source)
	}
	if s.ConfidenceThreshold < 0 || s.ConfidenceThreshold > 1 {
		return fmt.Errorf("%w: confidence threshold must be in [0,1] (got %v)", ErrInvalid, s.ConfidenceThreshold)
	}
	if s.FPSLimit <= 0 {
		return fmt.Errorf("%w: fps limit must be a positive integer (got %d)", ErrInvalid, s.FPSLimit)
	}
	return nil
}
