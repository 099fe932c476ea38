package collector

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryResult holds RAM and swap usage in bytes.
type MemoryResult struct {
	Used      uint64 `json:"used"`
	Total     uint64 `json:"total"`
	SwapUsed  uint64 `json:"swap_used"`
	SwapTotal uint64 `json:"swap_total"`
}

// MemoryCollector collects RAM and swap usage.
type MemoryCollector struct{}

// NewMemoryCollector creates a new memory collector.
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

// Name returns the collector identifier.
func (c *MemoryCollector) Name() string { return "memory" }

// Collect gathers memory usage data. Missing swap is not an error.
func (c *MemoryCollector) Collect(ctx context.Context) (interface{}, error) {
	v, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	result := MemoryResult{
		Used:  v.Used,
		Total: v.Total,
	}
	if s, err := mem.SwapMemoryWithContext(ctx); err == nil {
		result.SwapUsed = s.Used
		result.SwapTotal = s.Total
	}
	return result, nil
}

// IsAvailable returns true; memory metrics are available on all platforms.
func (c *MemoryCollector) IsAvailable() bool { return true }
