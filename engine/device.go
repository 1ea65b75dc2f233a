package engine

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceInfo describes the CPU the run executes on.
type DeviceInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	AVX2          bool
	AVX512        bool
	FMA3          bool
}

// DetectDevice reads CPU features once per engine.
func DetectDevice() DeviceInfo {
	info := DeviceInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
		FMA3:          cpuid.CPU.Supports(cpuid.FMA3),
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	if info.LogicalCores == 0 {
		info.LogicalCores = runtime.NumCPU()
	}
	return info
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("cpu(%s, %d cores, avx2=%t, avx512=%t)", d.Brand, d.LogicalCores, d.AVX2, d.AVX512)
}
