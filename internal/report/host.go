package report

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Host describes the machine a run executed on.
type Host struct {
	Hostname    string `json:"hostname"`
	Kernel      string `json:"kernel"`
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	CPUModel    string `json:"cpu_model"`
	LogicalCPUs int    `json:"logical_cpus"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// CollectHost gathers host metadata. Fields that cannot be read are left at
// their runtime defaults.
func CollectHost(ctx context.Context) Host {
	h := Host{
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		LogicalCPUs: runtime.NumCPU(),
	}
	h.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil {
		if info.Hostname != "" {
			h.Hostname = info.Hostname
		}
		h.Kernel = info.KernelVersion
		if info.Platform != "" {
			h.OS = info.Platform + " " + info.PlatformVersion
		}
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		h.CPUModel = infos[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		h.LogicalCPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.MemoryBytes = vm.Total
	}
	return h
}
