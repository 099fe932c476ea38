package metrics

import (
	"errors"
	"testing"
	"time"
)

const (
	orinLine = "RAM 2448/7764MB (lfb 1x1MB) SWAP 0/3882MB (cached 0MB) " +
		"CPU [2%@729,1%@729,0%@729,0%@729,off,off] EMC_FREQ 0%@2133 GR3D_FREQ 0%@[305] " +
		"CV0@-256C CPU@45.5C SOC2@42.25C SOC0@43.5C CV1@-256C GPU@42.75C tj@45.5C " +
		"SOC1@42.5C CV2@-256C VDD_IN 4321mW/4321mW VDD_CPU_GPU_CV 480mW/480mW"
	nanoLine = "RAM 1621/3964MB (lfb 146x4MB) SWAP 0/1982MB (cached 0MB) IRAM 0/252kB(lfb 252kB) " +
		"CPU [12%@1479,8%@1479,5%@1479,3%@1479] EMC_FREQ 4%@1600 GR3D_FREQ 37%@921 " +
		"APE 25 PLL@33C CPU@36.5C PMIC@50C GPU@34C AO@41C thermal@35.25C POM_5V_IN 2881/2881"
	spacedLine = "RAM 900/1900MB SWAP 0/0MB CPU [50%,50%] EMC_FREQ 7% GR3D FREQ 12%@76 GPU@30C"
)

func TestParseTegrastats_Orin(t *testing.T) {
	now := time.Now()
	snap, err := ParseTegrastats(orinLine, now)
	if err != nil {
		t.Fatal(err)
	}

	if snap.RAMUsedMB != 2448 || snap.RAMTotalMB != 7764 {
		t.Errorf("RAM = %d/%d", snap.RAMUsedMB, snap.RAMTotalMB)
	}
	if snap.SwapTotalMB != 3882 {
		t.Errorf("SwapTotalMB = %d", snap.SwapTotalMB)
	}
	if len(snap.CPUCores) != 6 {
		t.Fatalf("cores = %d, want 6", len(snap.CPUCores))
	}
	if snap.CPUCores[4].Online || !snap.CPUCores[0].Online {
		t.Errorf("online flags wrong: %+v", snap.CPUCores)
	}
	if snap.CPUCores[0].FreqMHz != 729 {
		t.Errorf("core 0 freq = %d", snap.CPUCores[0].FreqMHz)
	}
	if snap.CPUOverall != 0.75 {
		t.Errorf("CPUOverall = %v, want mean of online cores 0.75", snap.CPUOverall)
	}
	if snap.GPUUtil != 0 || snap.GPUFreqMHz != 305 {
		t.Errorf("GPU = %v%%@%d", snap.GPUUtil, snap.GPUFreqMHz)
	}
	if snap.EMCFreqMHz != 2133 {
		t.Errorf("EMCFreqMHz = %d", snap.EMCFreqMHz)
	}
	if snap.GPUTemp == nil || *snap.GPUTemp != 42.75 {
		t.Errorf("GPUTemp = %v", snap.GPUTemp)
	}
	if snap.CPUTemp == nil || *snap.CPUTemp != 45.5 {
		t.Errorf("CPUTemp = %v", snap.CPUTemp)
	}
	if _, ok := snap.Temps["CV0"]; ok {
		t.Error("absent sensor (-256C) should be dropped")
	}
	if snap.Temps["tj"] != 45.5 {
		t.Errorf("Temps = %v", snap.Temps)
	}
	if !snap.Timestamp.Equal(now) || snap.Source != "tegrastats" {
		t.Errorf("Timestamp/Source = %v/%q", snap.Timestamp, snap.Source)
	}
}

func TestParseTegrastats_Variants(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		gpuUtil float64
		gpuFreq int
		emcUtil float64
		cores   int
		gpuTemp float64
	}{
		{"nano", nanoLine, 37, 921, 4, 4, 34},
		{"spaced keys and no freq", spacedLine, 12, 76, 7, 2, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := ParseTegrastats(tt.line, time.Now())
			if err != nil {
				t.Fatal(err)
			}
			if snap.GPUUtil != tt.gpuUtil || snap.GPUFreqMHz != tt.gpuFreq {
				t.Errorf("GPU = %v%%@%d, want %v%%@%d", snap.GPUUtil, snap.GPUFreqMHz, tt.gpuUtil, tt.gpuFreq)
			}
			if snap.EMCUtil != tt.emcUtil {
				t.Errorf("EMCUtil = %v, want %v", snap.EMCUtil, tt.emcUtil)
			}
			if len(snap.CPUCores) != tt.cores {
				t.Errorf("cores = %d, want %d", len(snap.CPUCores), tt.cores)
			}
			if snap.GPUTemp == nil || *snap.GPUTemp != tt.gpuTemp {
				t.Errorf("GPUTemp = %v, want %v", snap.GPUTemp, tt.gpuTemp)
			}
		})
	}
}

func TestParseTegrastats_Malformed(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"empty", ""},
		{"garbage", "tegrastats: permission denied"},
		{"no ram", "CPU [1%@100] GR3D_FREQ 0%@100"},
		{"no cpu", "RAM 1/2MB GR3D_FREQ 0%@100"},
		{"no gpu", "RAM 1/2MB CPU [1%@100]"},
		{"bad core", "RAM 1/2MB CPU [x%@100] GR3D_FREQ 0%@100"},
		{"empty cores", "RAM 1/2MB CPU [] GR3D_FREQ 0%@100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTegrastats(tt.line, time.Now()); !errors.Is(err, ErrParse) {
				t.Errorf("error = %v, want ErrParse", err)
			}
		})
	}
}
