// Package hardware probes host resources for local-model admission and
// resource-aware routing.
package hardware

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// OptimizationLevel buckets host capability for local inference tuning.
type OptimizationLevel string

const (
	LevelLow    OptimizationLevel = "low"
	LevelMedium OptimizationLevel = "medium"
	LevelHigh   OptimizationLevel = "high"
)

// Profile is a point-in-time snapshot of host resources.
type Profile struct {
	CPUCores       int     `json:"cpu_cores"`
	CPUFreqGHz     float64 `json:"cpu_freq_ghz"`
	RAMGB          float64 `json:"ram_gb"`
	AvailableRAMGB float64 `json:"available_ram_gb"`
	HasGPU         bool    `json:"has_gpu"`
}

// OptimizationLevel derives the inference tuning tier from the probed
// resources.
func (p Profile) OptimizationLevel() OptimizationLevel {
	switch {
	case p.HasGPU || (p.RAMGB >= 16 && p.CPUCores >= 8):
		return LevelHigh
	case p.RAMGB >= 8 && p.CPUCores >= 4:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Prober returns the current host profile. The engine takes a Prober so
// tests can inject fixed resource states.
type Prober func() Profile

// Probe collects the host profile. Memory detection reads /proc/meminfo
// on Linux and sysctl on darwin; when neither works it assumes 8 GB.
func Probe() Profile {
	total, available := memoryGB()
	return Profile{
		CPUCores:       runtime.NumCPU(),
		CPUFreqGHz:     cpuFreqGHz(),
		RAMGB:          total,
		AvailableRAMGB: available,
		HasGPU:         hasGPU(),
	}
}

func memoryGB() (total, available float64) {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err != nil {
			break
		}
		for _, line := range strings.Split(string(data), "\n") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(line, "MemTotal:"):
				total = float64(kb) / 1024 / 1024
			case strings.HasPrefix(line, "MemAvailable:"):
				available = float64(kb) / 1024 / 1024
			}
		}
	case "darwin":
		out, err := exec.Command("sysctl", "-n", "hw.memsize").Output()
		if err == nil {
			if v, err := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); err == nil {
				total = float64(v) / 1024 / 1024 / 1024
			}
		}
	}

	if total == 0 {
		total = 8
	}
	// MemAvailable is Linux-only; elsewhere admission works against
	// total RAM.
	if available == 0 {
		available = total
	}
	return total, available
}

func cpuFreqGHz() float64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu MHz") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		mhz, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return 0
		}
		return mhz / 1000
	}
	return 0
}

func hasGPU() bool {
	_, err := exec.LookPath("nvidia-smi")
	return err == nil
}
