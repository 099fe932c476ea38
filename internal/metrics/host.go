package metrics

import (
	"context"
	"time"

	"github.com/jetvision/agent/internal/collector"
	"github.com/jetvision/agent/internal/models"
)

const mb = 1024 * 1024

// HostSampler builds snapshots from the gopsutil collectors. GPU and EMC
// utilization are not visible this way and stay zero.
type HostSampler struct {
	registry *collector.Registry
	timeout  time.Duration
}

// NewHostSampler creates a sampler over registry.
func NewHostSampler(registry *collector.Registry) *HostSampler {
	return &HostSampler{registry: registry, timeout: 10 * time.Second}
}

// Sample runs all collectors once.
func (h *HostSampler) Sample(ctx context.Context) *models.MetricsSnapshot {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	return assembleSnapshot(h.registry.CollectAll(ctx), time.Now())
}

// assembleSnapshot maps collector results into a MetricsSnapshot.
func assembleSnapshot(results map[string]interface{}, now time.Time) *models.MetricsSnapshot {
	snap := &models.MetricsSnapshot{
		Timestamp: now,
		Source:    "host",
	}

	if data, ok := results["cpu"]; ok {
		if cpu, ok := data.(collector.CPUResult); ok {
			snap.CPUOverall = cpu.Overall
			snap.CPUCores = make([]models.CPUCore, len(cpu.Cores))
			for i, util := range cpu.Cores {
				snap.CPUCores[i] = models.CPUCore{Util: util, Online: true}
				if i < len(cpu.FreqMHz) {
					snap.CPUCores[i].FreqMHz = cpu.FreqMHz[i]
				}
			}
		}
	}

	if data, ok := results["memory"]; ok {
		if mem, ok := data.(collector.MemoryResult); ok {
			snap.RAMUsedMB = mem.Used / mb
			snap.RAMTotalMB = mem.Total / mb
			snap.SwapUsedMB = mem.SwapUsed / mb
			snap.SwapTotalMB = mem.SwapTotal / mb
		}
	}

	if data, ok := results["temperature"]; ok {
		if temp, ok := data.(collector.TemperatureResult); ok {
			snap.CPUTemp = temp.CPUTemp
			snap.GPUTemp = temp.GPUTemp
			if len(temp.Sensors) > 0 {
				snap.Temps = temp.Sensors
			}
		}
	}

	return snap
}
