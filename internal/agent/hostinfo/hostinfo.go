// Package hostinfo describes the host an agent runs on.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Info is a snapshot of the host
type Info struct {
	Hostname        string        `json:"hostname" yaml:"hostname"`
	OS              string        `json:"os" yaml:"os"`
	Platform        string        `json:"platform" yaml:"platform"`
	PlatformVersion string        `json:"platform_version" yaml:"platform_version"`
	KernelVersion   string        `json:"kernel_version" yaml:"kernel_version"`
	Arch            string        `json:"arch" yaml:"arch"`
	CPUs            int           `json:"cpus" yaml:"cpus"`
	CPUModel        string        `json:"cpu_model,omitempty" yaml:"cpu_model,omitempty"`
	MemoryTotalMB   uint64        `json:"memory_total_mb" yaml:"memory_total_mb"`
	MemoryFreeMB    uint64        `json:"memory_available_mb" yaml:"memory_available_mb"`
	Uptime          time.Duration `json:"uptime" yaml:"uptime"`
	PID             int           `json:"pid" yaml:"pid"`
}

// Collect gathers host information. Fields gopsutil cannot read on this
// platform are left zero.
func Collect(ctx context.Context) *Info {
	info := &Info{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
		PID:  os.Getpid(),
	}
	info.Hostname, _ = os.Hostname()

	if h, err := host.InfoWithContext(ctx); err == nil {
		if h.Hostname != "" {
			info.Hostname = h.Hostname
		}
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.Uptime = time.Duration(h.Uptime) * time.Second
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = vm.Total / 1024 / 1024
		info.MemoryFreeMB = vm.Available / 1024 / 1024
	}
	return info
}

// Rows returns the info as label/value pairs for table output
func (i *Info) Rows() [][]string {
	return [][]string{
		{"Hostname", i.Hostname},
		{"OS", i.OS + "/" + i.Arch},
		{"Platform", i.Platform + " " + i.PlatformVersion},
		{"Kernel", i.KernelVersion},
		{"CPUs", itoa(uint64(i.CPUs))},
		{"CPU model", i.CPUModel},
		{"Memory total (MB)", itoa(i.MemoryTotalMB)},
		{"Memory available (MB)", itoa(i.MemoryFreeMB)},
		{"Uptime", i.Uptime.String()},
		{"PID", itoa(uint64(i.PID))},
	}
}

func itoa(v uint64) string { return strconv.FormatUint(v, 10) }
