package metrics

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jetvision/agent/internal/models"
)

// ErrParse is returned for a tegrastats line that lacks a required field.
var ErrParse = errors.New("tegrastats: cannot parse line")

var (
	ramRe  = regexp.MustCompile(`RAM\s+(\d+)/(\d+)MB`)
	swapRe = regexp.MustCompile(`SWAP\s+(\d+)/(\d+)MB`)
	cpuRe  = regexp.MustCompile(`CPU\s+\[([^\]]*)\]`)
	// EMC_FREQ 3%@2133, EMC_FREQ 0%, GR3D_FREQ 0%@[305], GR3D FREQ 12%@76
	emcRe  = regexp.MustCompile(`(?i)EMC[_ ]FREQ\s+(\d+)%(?:@\[?(\d+))?`)
	gr3dRe = regexp.MustCompile(`(?i)GR3D[_ ]FREQ\s+(\d+)%(?:@\[?(\d+))?`)
	tempRe = regexp.MustCompile(`\b([A-Za-z][A-Za-z0-9_]*)@(-?\d+(?:\.\d+)?)C\b`)
)

// ParseTegrastats converts one line of tegrastats output into a snapshot
// stamped with now. RAM, CPU and GR3D are required; everything else is
// filled in when present.
func ParseTegrastats(line string, now time.Time) (*models.MetricsSnapshot, error) {
	line = strings.TrimSpace(line)

	ram := ramRe.FindStringSubmatch(line)
	cpu := cpuRe.FindStringSubmatch(line)
	gr3d := gr3dRe.FindStringSubmatch(line)
	switch {
	case ram == nil:
		return nil, fmt.Errorf("%w: no RAM field", ErrParse)
	case cpu == nil:
		return nil, fmt.Errorf("%w: no CPU field", ErrParse)
	case gr3d == nil:
		return nil, fmt.Errorf("%w: no GR3D_FREQ field", ErrParse)
	}

	snap := &models.MetricsSnapshot{
		Timestamp: now,
		Source:    "tegrastats",
		Raw:       line,
	}
	snap.RAMUsedMB, snap.RAMTotalMB = parseUint(ram[1]), parseUint(ram[2])

	if swap := swapRe.FindStringSubmatch(line); swap != nil {
		snap.SwapUsedMB, snap.SwapTotalMB = parseUint(swap[1]), parseUint(swap[2])
	}

	cores, err := parseCores(cpu[1])
	if err != nil {
		return nil, err
	}
	snap.CPUCores = cores
	snap.CPUOverall = meanOnline(cores)

	snap.GPUUtil = float64(parseInt(gr3d[1]))
	snap.GPUFreqMHz = parseInt(gr3d[2])

	if emc := emcRe.FindStringSubmatch(line); emc != nil {
		snap.EMCUtil = float64(parseInt(emc[1]))
		snap.EMCFreqMHz = parseInt(emc[2])
	}

	for _, m := range tempRe.FindAllStringSubmatch(line, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil || v <= -100 {
			continue
		}
		if snap.Temps == nil {
			snap.Temps = make(map[string]float64)
		}
		snap.Temps[m[1]] = v

		t := v
		switch strings.ToUpper(m[1]) {
		case "CPU":
			snap.CPUTemp = &t
		case "GPU":
			snap.GPUTemp = &t
		}
	}

	return snap, nil
}

// parseCores reads "2%@729,1%@729,off,5%" into per-core readings.
func parseCores(s string) ([]models.CPUCore, error) {
	fields := strings.Split(s, ",")
	cores := make([]models.CPUCore, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if strings.EqualFold(f, "off") {
			cores = append(cores, models.CPUCore{})
			continue
		}

		util, freq, _ := strings.Cut(f, "@")
		pct, err := strconv.Atoi(strings.TrimSuffix(util, "%"))
		if err != nil {
			return nil, fmt.Errorf("%w: cpu core %q", ErrParse, f)
		}
		cores = append(cores, models.CPUCore{
			Util:    float64(pct),
			FreqMHz: parseInt(freq),
			Online:  true,
		})
	}
	if len(cores) == 0 {
		return nil, fmt.Errorf("%w: empty CPU list", ErrParse)
	}
	return cores, nil
}

func meanOnline(cores []models.CPUCore) float64 {
	var sum float64
	var n int
	for _, c := range cores {
		if c.Online {
			sum += c.Util
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func parseInt(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
