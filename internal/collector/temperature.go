package collector

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/platform"
)

// Sensor key substrings that identify CPU sensors. Jetson thermal zones show
// up as cpu-thermal / CPU-therm, desktops as coretemp, k10temp and friends.
var cpuSensorKeys = []string{
	"cpu", "core", "package",
	"tctl", "tdie", "k10temp", "coretemp",
	"acpitz", "zenpower",
}

// Sensor key substrings that identify GPU sensors.
var gpuSensorKeys = []string{
	"gpu", "nvidia", "amdgpu", "nouveau", "gv11b", "ga10b",
}

const (
	minValidTemp = 0.0
	// Jetson reports absent sensors as -256C; anything past this is noise.
	maxValidTemp = 150.0
)

// TemperatureResult holds the collected temperature data.
// Nil pointers indicate the sensor was not found.
type TemperatureResult struct {
	CPUTemp *float64           `json:"cpu_temp"`
	GPUTemp *float64           `json:"gpu_temp"`
	Sensors map[string]float64 `json:"sensors"`
}

// TemperatureCollector collects thermal sensor readings, keeping the
// hottest CPU and GPU sensor as the headline values.
type TemperatureCollector struct {
	platform platform.Platform
	logger   *zap.Logger
}

// NewTemperatureCollector creates a new temperature collector. The platform
// is the GPU temperature fallback and may be nil.
func NewTemperatureCollector(p platform.Platform, logger *zap.Logger) *TemperatureCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TemperatureCollector{
		platform: p,
		logger:   logger,
	}
}

// Name returns the collector identifier.
func (c *TemperatureCollector) Name() string { return "temperature" }

// Collect reads all sensors gopsutil can see.
func (c *TemperatureCollector) Collect(ctx context.Context) (interface{}, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil {
		// gopsutil returns partial readings together with a warning error.
		c.logger.Debug("Temperature sensors partially unavailable", zap.Error(err))
	}

	return c.summarize(temps), nil
}

func (c *TemperatureCollector) summarize(temps []host.TemperatureStat) TemperatureResult {
	result := TemperatureResult{Sensors: make(map[string]float64)}
	var cpuMax, gpuMax float64
	cpuFound, gpuFound := false, false

	for _, t := range temps {
		if !isValidTemperature(t.Temperature) {
			continue
		}

		name := strings.ToLower(t.SensorKey)
		if prev, ok := result.Sensors[t.SensorKey]; !ok || t.Temperature > prev {
			result.Sensors[t.SensorKey] = t.Temperature
		}

		if matchesSensor(name, cpuSensorKeys) && (!cpuFound || t.Temperature > cpuMax) {
			cpuMax = t.Temperature
			cpuFound = true
		}
		if matchesSensor(name, gpuSensorKeys) && (!gpuFound || t.Temperature > gpuMax) {
			gpuMax = t.Temperature
			gpuFound = true
		}
	}

	if cpuFound {
		result.CPUTemp = &cpuMax
	}
	if gpuFound {
		result.GPUTemp = &gpuMax
	} else {
		result.GPUTemp = c.platformGPUFallback()
	}
	return result
}

// IsAvailable returns true; a host without sensors just reports nil temps.
func (c *TemperatureCollector) IsAvailable() bool { return true }

func (c *TemperatureCollector) platformGPUFallback() *float64 {
	if c.platform == nil {
		return nil
	}

	temp, err := c.platform.GetGPUTemperature()
	if err != nil {
		c.logger.Debug("Platform GPU temperature fallback failed",
			zap.String("platform", c.platform.Name()),
			zap.Error(err))
		return nil
	}
	if temp == nil || !isValidTemperature(*temp) {
		return nil
	}
	return temp
}

// matchesSensor checks if the sensor name contains any of the given key substrings.
func matchesSensor(name string, keys []string) bool {
	for _, key := range keys {
		if strings.Contains(name, key) {
			return true
		}
	}
	return false
}

func isValidTemperature(temp float64) bool {
	return temp > minValidTemp && temp <= maxValidTemp
}
