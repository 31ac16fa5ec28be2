// Package sysinfo collects host information reported by managementGetSystemInfo.
//
// Information collected:
//   - OS, platform, kernel and architecture
//   - Hostname, host id and boot time
//   - CPU and memory totals, load averages
//   - Usage and mount state of the root filesystem
package sysinfo

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/doughall/linuxrmm/management/internal/rootfs"
)

// SystemInfo describes the managed host.
type SystemInfo struct {
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformFamily  string `json:"platformFamily"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	Arch            string `json:"arch"`
	Hostname        string `json:"hostname"`
	HostID          string `json:"hostId"`

	// Boot time and uptime in seconds
	BootTime uint64 `json:"bootTime"`
	Uptime   uint64 `json:"uptime"`

	CPUThreads  int     `json:"cpuThreads"`
	MemoryTotal uint64  `json:"memoryTotal"`
	MemoryUsed  uint64  `json:"memoryUsed"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`

	Root RootFS `json:"root"`
}

// RootFS describes the filesystem guarded by the writable gate.
type RootFS struct {
	MountPoint  string  `json:"mountPoint"`
	Fstype      string  `json:"fstype,omitempty"`
	ReadOnly    bool    `json:"readOnly"`
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// Collect gathers system information. Individual probes that fail leave their
// fields zero; only context cancellation is returned as an error.
func Collect(ctx context.Context, rootMount string) (*SystemInfo, error) {
	info := &SystemInfo{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		Root: RootFS{MountPoint: rootMount},
	}

	if hostInfo, err := host.InfoWithContext(ctx); err == nil {
		info.Platform = hostInfo.Platform
		info.PlatformFamily = hostInfo.PlatformFamily
		info.PlatformVersion = hostInfo.PlatformVersion
		info.KernelVersion = hostInfo.KernelVersion
		info.Hostname = hostInfo.Hostname
		info.HostID = hostInfo.HostID
		info.BootTime = hostInfo.BootTime
		info.Uptime = hostInfo.Uptime
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUThreads = n
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = memInfo.Total
		info.MemoryUsed = memInfo.Used
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.Load1, info.Load5, info.Load15 = avg.Load1, avg.Load5, avg.Load15
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if usage, err := disk.UsageWithContext(ctx, rootMount); err == nil {
		info.Root.Fstype = usage.Fstype
		info.Root.Total = usage.Total
		info.Root.Used = usage.Used
		info.Root.UsedPercent = usage.UsedPercent
	}
	if ro, err := rootfs.IsReadOnly(ctx, rootMount); err == nil {
		info.Root.ReadOnly = ro
	}

	return info, nil
}
