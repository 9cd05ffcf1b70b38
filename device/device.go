// Package device decides how an experiment spreads work over the machine and reports
// what the CPU offers.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Mode is the execution mode of a run.
type Mode int

const (
	// ModeNone means neither distributed nor data-parallel execution was requested.
	ModeNone Mode = iota
	// ModeDataParallel splits each batch across replicas inside one process.
	ModeDataParallel
	// ModeDistributed runs one replica per process and averages gradients over a group.
	ModeDistributed
)

func (m Mode) String() string {
	switch m {
	case ModeDataParallel:
		return "data-parallel"
	case ModeDistributed:
		return "distributed"
	default:
		return "none"
	}
}

// SelectMode maps the config flags to a mode. distributed wins over gpu.
func SelectMode(distributed, gpu bool) Mode {
	switch {
	case distributed:
		return ModeDistributed
	case gpu:
		return ModeDataParallel
	default:
		return ModeNone
	}
}

// Info describes the host CPU.
type Info struct {
	Brand         string
	Vendor        string
	PhysicalCores int
	LogicalCores  int
	Features      []string // the SIMD extensions the kernels care about
	L1Data        int      // bytes, -1 if unknown
	L2            int
}

var simd = []struct {
	name string
	id   cpuid.FeatureID
}{
	{"SSE4.2", cpuid.SSE42},
	{"AVX", cpuid.AVX},
	{"AVX2", cpuid.AVX2},
	{"FMA3", cpuid.FMA3},
	{"AVX512F", cpuid.AVX512F},
	{"ASIMD", cpuid.ASIMD},
}

// Detect reads the CPU description.
func Detect() Info {
	cpu := cpuid.CPU
	info := Info{
		Brand:         strings.TrimSpace(cpu.BrandName),
		Vendor:        cpu.VendorString,
		PhysicalCores: cpu.PhysicalCores,
		LogicalCores:  cpu.LogicalCores,
		L1Data:        cpu.Cache.L1D,
		L2:            cpu.Cache.L2,
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	if info.LogicalCores <= 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	for _, f := range simd {
		if cpu.Supports(f.id) {
			info.Features = append(info.Features, f.name)
		}
	}
	return info
}

func (i Info) String() string {
	features := "none"
	if len(i.Features) > 0 {
		features = strings.Join(i.Features, ",")
	}
	return fmt.Sprintf("%s (%d cores, %d threads, simd %s)", i.Brand, i.PhysicalCores, i.LogicalCores, features)
}

// Replicas is the data-parallel replica count: devices when positive, otherwise one per
// logical CPU. It never exceeds the batch size and is at least one.
func Replicas(devices, batchSize int, info Info) int {
	n := devices
	if n <= 0 {
		n = info.LogicalCores
	}
	if batchSize > 0 && n > batchSize {
		n = batchSize
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Describe is the one-line device report logged at startup.
func Describe(mode Mode, replicas int, info Info) string {
	switch mode {
	case ModeDataParallel:
		return fmt.Sprintf("device: cpu x%d replicas on %s", replicas, info)
	case ModeDistributed:
		return fmt.Sprintf("device: cpu, one replica per process on %s", info)
	default:
		return fmt.Sprintf("device: none selected (cpu %s)", info)
	}
}
