package collector

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUResult holds per-core utilization and clock.
type CPUResult struct {
	Overall float64   `json:"overall"`
	Cores   []float64 `json:"cores"`
	FreqMHz []int     `json:"freq_mhz"`
}

// CPUCollector collects CPU usage metrics. Utilization is measured between
// consecutive calls, so the first sample after start is relative to boot.
type CPUCollector struct{}

// NewCPUCollector creates a new CPU collector.
func NewCPUCollector() *CPUCollector {
	return &CPUCollector{}
}

// Name returns the collector identifier.
func (c *CPUCollector) Name() string { return "cpu" }

// Collect gathers per-core usage and the overall mean. It does not block;
// the poller interval is the measuring window.
func (c *CPUCollector) Collect(ctx context.Context) (interface{}, error) {
	cores, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return nil, err
	}

	result := CPUResult{Cores: cores}
	if len(cores) > 0 {
		var sum float64
		for _, v := range cores {
			sum += v
		}
		result.Overall = sum / float64(len(cores))
	}

	// Clock speeds are best effort; some kernels hide cpufreq.
	if infos, err := cpu.InfoWithContext(ctx); err == nil {
		for _, info := range infos {
			result.FreqMHz = append(result.FreqMHz, int(info.Mhz))
		}
	}

	return result, nil
}

// IsAvailable returns true; CPU metrics are available on all platforms.
func (c *CPUCollector) IsAvailable() bool { return true }
