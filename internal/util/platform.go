package util

import (
	"net"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

const mib = 1 << 20

// SystemInfo describes the machine forge runs on.
type SystemInfo struct {
	Platform     string `json:"platform"`
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	Uptime       uint64 `json:"uptime_sec"`
}

// GetSystemInfo gathers what gopsutil can report. Fields it cannot read
// stay zero.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{Platform: runtime.GOOS, Architecture: runtime.GOARCH}

	if h, err := host.Info(); err == nil {
		info.Hostname = h.Hostname
		info.OS = strings.TrimSpace(h.Platform + " " + h.PlatformVersion)
		info.Uptime = h.Uptime
	}
	if n, err := cpu.Counts(true); err == nil {
		info.CPUCores = n
	} else {
		info.CPUCores = runtime.NumCPU()
	}
	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total / mib
	}
	return info
}

// MemoryUsage is a snapshot of system memory in MiB.
type MemoryUsage struct {
	Total       uint64  `json:"total_mb"`
	Used        uint64  `json:"used_mb"`
	Available   uint64  `json:"available_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetMemoryUsage reads current system memory usage.
func GetMemoryUsage() (*MemoryUsage, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	return &MemoryUsage{
		Total:       vm.Total / mib,
		Used:        vm.Used / mib,
		Available:   vm.Available / mib,
		UsedPercent: vm.UsedPercent,
	}, nil
}

// GetCPUUsage returns overall CPU usage since the previous call.
func GetCPUUsage() (float64, error) {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return 0, err
	}
	return pct[0], nil
}

// LANAddresses lists the IPv4 addresses of interfaces that are up and not
// loopback. Private addresses come first.
func LANAddresses() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var private, public []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			v4 := ipNet.IP.To4()
			switch {
			case v4 == nil || v4.IsLoopback():
			case v4.IsPrivate():
				private = append(private, v4)
			default:
				public = append(public, v4)
			}
		}
	}
	return append(private, public...)
}

// GetLocalIP returns the preferred LAN IPv4 address, or loopback.
func GetLocalIP() string {
	if ips := LANAddresses(); len(ips) > 0 {
		return ips[0].String()
	}
	return "127.0.0.1"
}
