// Package monitor samples local machine health for the status command. The
// backend runs the agent; this view answers "is it my machine or the
// server" when streams feel slow.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gopsutilNet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
)

const (
	monitorCacheTTL     = 2 * time.Second
	networkSpeedWindow  = 6 * time.Second
	networkHistoryMax   = 10
	monitorProcessLimit = 20
)

type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    snapshot

	netHistory *networkHistory
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:        log,
		netHistory: newNetworkHistory(networkHistoryMax, networkSpeedWindow),
	}
}

// Report is one machine health sample.
type Report struct {
	CPUUsage    float64   `json:"cpu_usage"`
	CPUCores    int       `json:"cpu_cores"`
	LoadAverage []float64 `json:"load_average,omitempty"`

	MemoryTotalBytes uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes"`
	MemoryPercent    float64 `json:"memory_percent"`

	NetworkBytesReceived uint64  `json:"network_bytes_received"`
	NetworkBytesSent     uint64  `json:"network_bytes_sent"`
	NetworkSpeedReceived float64 `json:"network_speed_received"`
	NetworkSpeedSent     float64 `json:"network_speed_sent"`

	Platform      string `json:"platform"`
	UptimeSeconds uint64 `json:"uptime_seconds"`

	Processes   []ProcessInfo `json:"processes"`
	TimestampMs int64         `json:"timestamp_ms"`
}

type ProcessInfo struct {
	PID         int32   `json:"pid"`
	Name        string  `json:"name"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Username    string  `json:"username"`
}

type snapshot struct {
	collectedAt time.Time
	data        Report
	procMetrics []processWithMetrics
}

type processWithMetrics struct {
	pid         int32
	name        string
	cpuPercent  float64
	memoryBytes uint64
	username    string
}

// Report returns the current sample, serving a cached one when it is fresh
// enough. sortBy is "cpu" or "memory" for the process list.
func (s *Service) Report(ctx context.Context, sortBy string) Report {
	snap := s.getSnapshot(ctx)
	out := snap.data
	out.Processes = selectTopProcesses(snap.procMetrics, sortBy, monitorProcessLimit)
	return out
}

func (s *Service) getSnapshot(ctx context.Context) snapshot {
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.snap.collectedAt) < monitorCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collectSnapshot(ctx)

	s.mu.Lock()
	s.snap = snap
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collectSnapshot(ctx context.Context) snapshot {
	collectedAt := time.Now()

	resp := Report{
		Platform: runtime.GOOS,
	}

	// CPU usage: prefer non-blocking sampling (diff from last call) to avoid
	// 0% results from coarse aggregated tick updates on macOS.
	if usage, err := readCPUUsage(ctx); err == nil {
		resp.CPUUsage = usage
	} else {
		s.log.Warn("monitor: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		resp.CPUCores = cores
	} else {
		s.log.Warn("monitor: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		resp.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("monitor: get load average failed", "error", err)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		resp.MemoryTotalBytes = vm.Total
		resp.MemoryUsedBytes = vm.Used
		resp.MemoryPercent = vm.UsedPercent
	} else if err != nil {
		s.log.Warn("monitor: get memory failed", "error", err)
	}

	if up, err := host.UptimeWithContext(ctx); err == nil {
		resp.UptimeSeconds = up
	} else {
		s.log.Warn("monitor: get uptime failed", "error", err)
	}

	if ioStats, err := gopsutilNet.IOCountersWithContext(ctx, false); err == nil && len(ioStats) > 0 {
		resp.NetworkBytesReceived = ioStats[0].BytesRecv
		resp.NetworkBytesSent = ioStats[0].BytesSent

		s.netHistory.Add(networkStats{
			bytesReceived: ioStats[0].BytesRecv,
			bytesSent:     ioStats[0].BytesSent,
			at:            collectedAt,
		})

		recvSpd, sentSpd := s.netHistory.CalculateSpeed(collectedAt)
		resp.NetworkSpeedReceived = recvSpd
		resp.NetworkSpeedSent = sentSpd
	} else if err != nil {
		s.log.Warn("monitor: get network io failed", "error", err)
	}

	procMetrics, err := collectProcessMetrics(ctx)
	if err != nil {
		s.log.Warn("monitor: get process list failed", "error", err)
		procMetrics = nil
	}

	resp.TimestampMs = collectedAt.UnixMilli()

	return snapshot{
		collectedAt: collectedAt,
		data:        resp,
		procMetrics: procMetrics,
	}
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	// Fallback: a short blocking interval bootstraps the internal lastTimes.
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, false); err == nil && len(p) > 0 {
		return p[0], nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func collectProcessMetrics(ctx context.Context) ([]processWithMetrics, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]processWithMetrics, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || strings.TrimSpace(name) == "" {
			// Some system processes refuse name lookup; keep a readable fallback.
			name = fmt.Sprintf("[%d]", p.Pid)
		}

		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err != nil {
			cpuPercent = 0
		}

		var memBytes uint64
		if memInfo, err := p.MemoryInfoWithContext(ctx); err == nil && memInfo != nil {
			memBytes = memInfo.RSS
		}

		username, err := p.UsernameWithContext(ctx)
		if err != nil || strings.TrimSpace(username) == "" {
			username = "system"
		}

		out = append(out, processWithMetrics{
			pid:         p.Pid,
			name:        name,
			cpuPercent:  cpuPercent,
			memoryBytes: memBytes,
			username:    username,
		})
	}

	return out, nil
}

func normalizeSortBy(sortBy string) string {
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case "memory":
		return "memory"
	default:
		return "cpu"
	}
}

func selectTopProcesses(metrics []processWithMetrics, sortBy string, limit int) []ProcessInfo {
	if len(metrics) == 0 || limit <= 0 {
		return []ProcessInfo{}
	}

	sortBy = normalizeSortBy(sortBy)
	copied := make([]processWithMetrics, len(metrics))
	copy(copied, metrics)

	sort.Slice(copied, func(i, j int) bool {
		if sortBy == "memory" {
			return copied[i].memoryBytes > copied[j].memoryBytes
		}
		return copied[i].cpuPercent > copied[j].cpuPercent
	})

	if len(copied) > limit {
		copied = copied[:limit]
	}

	out := make([]ProcessInfo, 0, len(copied))
	for _, p := range copied {
		name := strings.TrimSpace(p.name)
		if name == "" {
			name = fmt.Sprintf("[%d]", p.pid)
		}

		out = append(out, ProcessInfo{
			PID:         p.pid,
			Name:        name,
			CPUPercent:  p.cpuPercent,
			MemoryBytes: p.memoryBytes,
			Username:    p.username,
		})
	}
	return out
}
