package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v3/host"
)

type staticCollector struct {
	name      string
	data      interface{}
	err       error
	available bool
}

func (s *staticCollector) Name() string { return s.name }
func (s *staticCollector) Collect(context.Context) (interface{}, error) {
	return s.data, s.err
}
func (s *staticCollector) IsAvailable() bool { return s.available }

func TestRegistry_CollectAll(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&staticCollector{name: "ok", data: 42, available: true})
	r.Register(&staticCollector{name: "broken", err: errors.New("boom"), available: true})
	r.Register(&staticCollector{name: "absent", data: 1, available: false})

	if n := len(r.Collectors()); n != 2 {
		t.Fatalf("registered %d collectors, want 2", n)
	}

	results := r.CollectAll(context.Background())
	if len(results) != 1 {
		t.Fatalf("results = %v, want only the working collector", results)
	}
	if results["ok"] != 42 {
		t.Errorf("results[ok] = %v", results["ok"])
	}
}

type fakePlatform struct{ temp *float64 }

func (f *fakePlatform) Name() string                        { return "fake" }
func (f *fakePlatform) GetGPUTemperature() (*float64, error) { return f.temp, nil }

func TestTemperatureSummarize(t *testing.T) {
	c := NewTemperatureCollector(nil, nil)
	res := c.summarize([]host.TemperatureStat{
		{SensorKey: "cpu-thermal", Temperature: 48.5},
		{SensorKey: "gpu-thermal", Temperature: 44},
		{SensorKey: "cv0-thermal", Temperature: -256},
		{SensorKey: "coretemp_core_1", Temperature: 51},
		{SensorKey: "tj-thermal", Temperature: 52},
	})

	if res.CPUTemp == nil || *res.CPUTemp != 51 {
		t.Errorf("CPUTemp = %v, want 51", res.CPUTemp)
	}
	if res.GPUTemp == nil || *res.GPUTemp != 44 {
		t.Errorf("GPUTemp = %v, want 44", res.GPUTemp)
	}
	if _, ok := res.Sensors["cv0-thermal"]; ok {
		t.Error("invalid reading should be dropped")
	}
	if res.Sensors["tj-thermal"] != 52 {
		t.Errorf("Sensors = %v", res.Sensors)
	}
}

func TestTemperatureSummarize_PlatformFallback(t *testing.T) {
	v := 61.0
	c := NewTemperatureCollector(&fakePlatform{temp: &v}, nil)
	res := c.summarize(nil)
	if res.GPUTemp == nil || *res.GPUTemp != 61 {
		t.Errorf("GPUTemp = %v, want platform value", res.GPUTemp)
	}
	if res.CPUTemp != nil {
		t.Errorf("CPUTemp = %v, want nil", *res.CPUTemp)
	}

	bad := 500.0
	c = NewTemperatureCollector(&fakePlatform{temp: &bad}, nil)
	if res := c.summarize(nil); res.GPUTemp != nil {
		t.Error("out of range fallback should be ignored")
	}
}
