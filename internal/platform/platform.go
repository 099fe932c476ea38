// Package platform identifies the device the agent runs on and wraps the
// vendor tools that gopsutil does not cover: tegrastats on Jetson boards and
// nvidia-smi on discrete NVIDIA GPUs.
package platform

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// DefaultTegrastats is where L4T installs tegrastats.
const DefaultTegrastats = "/usr/bin/tegrastats"

// ErrNoTegrastats is returned when tegrastats cannot be found.
var ErrNoTegrastats = errors.New("tegrastats not found")

// Platform provides device-specific readings beyond what gopsutil offers.
type Platform interface {
	// GetGPUTemperature returns GPU temperature if available.
	// Returns nil if GPU temperature cannot be determined.
	GetGPUTemperature() (*float64, error)

	// Name returns the platform name (jetson, nvidia, generic).
	Name() string
}

// Device describes the host.
type Device struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Distro        string `json:"distro"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`
	Jetson        bool   `json:"jetson"`
	Model         string `json:"model,omitempty"`
	L4TRelease    string `json:"l4t_release,omitempty"`
	BootTime      uint64 `json:"boot_time,omitempty"`
}

// Detect inspects the host. root prefixes the files read for Jetson
// identification and is "/" outside of tests.
func Detect(ctx context.Context, root string) Device {
	d := Device{OS: runtime.GOOS, Arch: runtime.GOARCH}

	if info, err := host.InfoWithContext(ctx); err == nil {
		d.Hostname = info.Hostname
		d.Distro = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		d.KernelVersion = info.KernelVersion
		d.BootTime = info.BootTime
	}

	if release, err := os.ReadFile(filepath.Join(root, "etc", "nv_tegra_release")); err == nil {
		d.Jetson = true
		d.L4TRelease = parseL4TRelease(string(release))
	}
	if model, err := os.ReadFile(filepath.Join(root, "proc", "device-tree", "model")); err == nil {
		d.Model = strings.TrimSpace(string(bytes.TrimRight(model, "\x00")))
		if strings.Contains(strings.ToLower(d.Model), "jetson") {
			d.Jetson = true
		}
	}
	return d
}

// parseL4TRelease turns "# R35 (release), REVISION: 4.1, ..." into "R35.4.1".
func parseL4TRelease(s string) string {
	line := strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	line = strings.TrimPrefix(line, "#")
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return strings.TrimSpace(line)
	}
	major := strings.Fields(strings.TrimSpace(fields[0]))
	rev := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(fields[1]), "REVISION:"))
	if len(major) == 0 {
		return rev
	}
	return major[0] + "." + rev
}

// LookupTegrastats resolves the tegrastats binary: the configured path if
// set, otherwise $PATH, otherwise the L4T default location.
func LookupTegrastats(configured string) (string, error) {
	if configured != "" {
		if p, err := exec.LookPath(configured); err == nil {
			return p, nil
		}
		return "", ErrNoTegrastats
	}
	if p, err := exec.LookPath("tegrastats"); err == nil {
		return p, nil
	}
	if st, err := os.Stat(DefaultTegrastats); err == nil && !st.IsDir() {
		return DefaultTegrastats, nil
	}
	return "", ErrNoTegrastats
}

// New returns the platform for d.
func New(d Device) Platform {
	if d.Jetson {
		return &JetsonPlatform{root: "/"}
	}
	return &NvidiaPlatform{}
}

// JetsonPlatform reads the integrated GPU temperature from the thermal zones.
type JetsonPlatform struct {
	root string
}

// Name returns the platform identifier.
func (p *JetsonPlatform) Name() string { return "jetson" }

// GetGPUTemperature scans /sys/class/thermal for the GPU zone.
func (p *JetsonPlatform) GetGPUTemperature() (*float64, error) {
	zones, err := filepath.Glob(filepath.Join(p.root, "sys", "class", "thermal", "thermal_zone*"))
	if err != nil {
		return nil, err
	}
	for _, zone := range zones {
		kind, err := os.ReadFile(filepath.Join(zone, "type"))
		if err != nil || !strings.HasPrefix(strings.ToLower(strings.TrimSpace(string(kind))), "gpu") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(zone, "temp"))
		if err != nil {
			continue
		}
		milli, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			continue
		}
		temp := milli / 1000
		return &temp, nil
	}
	return nil, nil
}

// NvidiaPlatform queries nvidia-smi for a discrete GPU.
type NvidiaPlatform struct{}

// Name returns the platform identifier.
func (p *NvidiaPlatform) Name() string { return "nvidia" }

// GetGPUTemperature attempts to read GPU temperature via nvidia-smi.
// Returns nil if NVIDIA GPU or nvidia-smi is not available.
func (p *NvidiaPlatform) GetGPUTemperature() (*float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=temperature.gpu", "--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, nil // Not available
	}
	// One line per GPU; the first is the one inference runs on.
	first := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
	temp, err := strconv.ParseFloat(first, 64)
	if err != nil {
		return nil, nil
	}
	return &temp, nil
}
