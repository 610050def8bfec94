// ABOUTME: Host snapshot reported by the agent in agent:metrics and session:meta
// ABOUTME: Collected with gopsutil: system, CPU load, memory, OS and top processes

package agent

import (
	"context"
	"runtime"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// topProcessCount is how many processes a snapshot lists.
const topProcessCount = 5

// HostMetrics is a point-in-time view of the agent host. Sections that
// could not be collected are left zero and the failure is listed in Errors.
type HostMetrics struct {
	AgentID      string        `json:"agentId"`
	Hostname     string        `json:"hostname"`
	System       SystemInfo    `json:"system"`
	CPU          CPUInfo       `json:"cpu"`
	Mem          MemInfo       `json:"mem"`
	OS           OSInfo        `json:"os"`
	TopProcesses []ProcessInfo `json:"topProcesses"`
	CollectedAt  string        `json:"collectedAt"`
	Errors       []string      `json:"errors,omitempty"`
}

type SystemInfo struct {
	HostID         string `json:"hostId,omitempty"`
	Virtualization string `json:"virtualization,omitempty"`
	UptimeSeconds  uint64 `json:"uptimeSeconds"`
	BootTime       uint64 `json:"bootTime"`
	Processes      uint64 `json:"processes"`
}

type CPUInfo struct {
	LogicalCores int     `json:"logicalCores"`
	LoadPercent  float64 `json:"loadPercent"`
}

type MemInfo struct {
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"usedPercent"`
}

type OSInfo struct {
	Platform string `json:"platform"`
	Distro   string `json:"distro,omitempty"`
	Release  string `json:"release,omitempty"`
	Kernel   string `json:"kernel,omitempty"`
	Arch     string `json:"arch"`
}

type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpuPercent"`
	MemPercent float32 `json:"memPercent"`
}

func (r *Runtime) snapshot(ctx context.Context) HostMetrics {
	m := HostMetrics{
		AgentID:  r.cfg.AgentID,
		Hostname: r.hostname,
		OS: OSInfo{
			Platform: runtime.GOOS,
			Arch:     runtime.GOARCH,
		},
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
	}
	fail := func(section string, err error) {
		m.Errors = append(m.Errors, section+": "+err.Error())
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		fail("host", err)
	} else {
		m.System = SystemInfo{
			HostID:         info.HostID,
			Virtualization: info.VirtualizationSystem,
			UptimeSeconds:  info.Uptime,
			BootTime:       info.BootTime,
			Processes:      info.Procs,
		}
		m.OS.Distro = info.Platform
		m.OS.Release = info.PlatformVersion
		m.OS.Kernel = info.KernelVersion
	}

	if n, err := cpu.CountsWithContext(ctx, true); err != nil {
		fail("cpu", err)
	} else {
		m.CPU.LogicalCores = n
	}
	// Interval 0 measures against the previous call, so periodic reports
	// cover the time since the last snapshot.
	if load, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		fail("cpu load", err)
	} else if len(load) > 0 {
		m.CPU.LoadPercent = load[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		fail("mem", err)
	} else {
		m.Mem = MemInfo{
			Total:       vm.Total,
			Free:        vm.Free,
			Used:        vm.Used,
			Available:   vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	}

	procs, err := listProcesses(ctx)
	if err != nil {
		fail("processes", err)
	}
	m.TopProcesses = topByCPU(procs, topProcessCount)

	return m
}

// listProcesses reads every visible process. Processes that exit or deny
// access while being read are skipped.
func listProcesses(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			continue
		}
		memPct, _ := p.MemoryPercentWithContext(ctx)
		out = append(out, ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: cpuPct,
			MemPercent: memPct,
		})
	}
	return out, nil
}

// topByCPU returns the n busiest processes, busiest first. Ties keep PID order.
func topByCPU(procs []ProcessInfo, n int) []ProcessInfo {
	sorted := make([]ProcessInfo, len(procs))
	copy(sorted, procs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CPUPercent != sorted[j].CPUPercent {
			return sorted[i].CPUPercent > sorted[j].CPUPercent
		}
		return sorted[i].PID < sorted[j].PID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
