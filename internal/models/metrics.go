// Package models defines the data structures shared by the pipeline stages.
// These structures are serialized to JSON, msgpack and CBOR by the sinks.
package models

import "time"

// MetricsSnapshot represents a single point-in-time reading of the device's
// hardware utilization. A snapshot is never modified after it is published.
type MetricsSnapshot struct {
	Timestamp   time.Time          `json:"timestamp" msgpack:"timestamp" cbor:"timestamp"`
	Source      string             `json:"source" msgpack:"source" cbor:"source"`
	GPUUtil     float64            `json:"gpu_util" msgpack:"gpu_util" cbor:"gpu_util"`
	GPUFreqMHz  int                `json:"gpu_freq_mhz" msgpack:"gpu_freq_mhz" cbor:"gpu_freq_mhz"`
	CPUOverall  float64            `json:"cpu_overall" msgpack:"cpu_overall" cbor:"cpu_overall"`
	CPUCores    []CPUCore          `json:"cpu_cores" msgpack:"cpu_cores" cbor:"cpu_cores"`
	RAMUsedMB   uint64             `json:"ram_used_mb" msgpack:"ram_used_mb" cbor:"ram_used_mb"`
	RAMTotalMB  uint64             `json:"ram_total_mb" msgpack:"ram_total_mb" cbor:"ram_total_mb"`
	SwapUsedMB  uint64             `json:"swap_used_mb" msgpack:"swap_used_mb" cbor:"swap_used_mb"`
	SwapTotalMB uint64             `json:"swap_total_mb" msgpack:"swap_total_mb" cbor:"swap_total_mb"`
	EMCUtil     float64            `json:"emc_util" msgpack:"emc_util" cbor:"emc_util"`
	EMCFreqMHz  int                `json:"emc_freq_mhz" msgpack:"emc_freq_mhz" cbor:"emc_freq_mhz"`
	Temps       map[string]float64 `json:"temps,omitempty" msgpack:"temps,omitempty" cbor:"temps,omitempty"`
	CPUTemp     *float64           `json:"cpu_temp" msgpack:"cpu_temp" cbor:"cpu_temp"`
	GPUTemp     *float64           `json:"gpu_temp" msgpack:"gpu_temp" cbor:"gpu_temp"`
	Raw         string             `json:"raw,omitempty" msgpack:"-" cbor:"-"`
}

// CPUCore is the utilization of a single core. Offline cores report Online=false.
type CPUCore struct {
	Util    float64 `json:"util" msgpack:"util" cbor:"util"`
	FreqMHz int     `json:"freq_mhz" msgpack:"freq_mhz" cbor:"freq_mhz"`
	Online  bool    `json:"online" msgpack:"online" cbor:"online"`
}
