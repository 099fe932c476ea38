// Package collector gathers host metrics through gopsutil. It backs the
// metrics poller on machines without tegrastats.
package collector

import "context"

// Collector is the interface that all metric collectors must implement.
type Collector interface {
	// Name returns the unique identifier for this collector.
	Name() string

	// Collect gathers the metric data and returns it.
	// The context allows for cancellation and timeout control.
	Collect(ctx context.Context) (interface{}, error)

	// IsAvailable checks if this collector can run on the current platform.
	// Collectors that return false will not be registered.
	IsAvailable() bool
}

// Defaults returns the collectors the host sampler needs.
func Defaults(temps *TemperatureCollector) []Collector {
	return []Collector{
		NewCPUCollector(),
		NewMemoryCollector(),
		temps,
	}
}
