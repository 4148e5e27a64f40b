// Package monitoring samples process and disk usage for the recorder.
package monitoring

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"simpleye/logging"
	"simpleye/metrics"
)

// LowDiskPercent is the usage above which every sample logs a warning.
const LowDiskPercent = 90.0

type ResourceUsage struct {
	CPUPercent    float64   `json:"cpuPercent"`
	MemoryUsedMB  float64   `json:"memoryUsedMb"`
	MemoryTotalMB float64   `json:"memoryTotalMb"`
	MemoryPercent float64   `json:"memoryPercent"`
	NumGoroutines int       `json:"goroutines"`
	DiskPath      string    `json:"diskPath"`
	DiskUsed      float64   `json:"diskUsedPercent"`
	DiskFreeBytes uint64    `json:"diskFreeBytes"`
	SampledAt     time.Time `json:"sampledAt"`
}

// Monitor periodically samples the process and the disk holding the
// recordings.
type Monitor struct {
	diskPath string
	log      *zap.Logger
	metrics  *metrics.Metrics
	proc     *process.Process

	mu   sync.RWMutex
	last ResourceUsage
}

func New(diskPath string, logger *zap.Logger, m *metrics.Metrics) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("error getting process: %w", err)
	}
	return &Monitor{
		diskPath: diskPath,
		log:      logging.OrNop(logger).Named("monitor"),
		metrics:  m,
		proc:     proc,
	}, nil
}

// Run samples every interval until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sample(); err != nil {
			m.log.Warn("error getting resource usage", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample takes one measurement, exports it and remembers it.
func (m *Monitor) Sample() (ResourceUsage, error) {
	usage := ResourceUsage{DiskPath: m.diskPath, SampledAt: time.Now().UTC()}

	cpuPercent, err := m.proc.CPUPercent()
	if err != nil {
		return usage, fmt.Errorf("error getting CPU usage: %w", err)
	}
	usage.CPUPercent = cpuPercent

	virtualMem, err := mem.VirtualMemory()
	if err != nil {
		return usage, fmt.Errorf("error getting memory info: %w", err)
	}
	procMem, err := m.proc.MemoryInfo()
	if err != nil {
		return usage, fmt.Errorf("error getting process memory: %w", err)
	}
	usage.MemoryUsedMB = float64(procMem.RSS) / 1024 / 1024
	usage.MemoryTotalMB = float64(virtualMem.Total) / 1024 / 1024
	usage.MemoryPercent = float64(procMem.RSS) / float64(virtualMem.Total) * 100
	usage.NumGoroutines = runtime.NumGoroutine()

	du, err := disk.Usage(m.diskPath)
	if err != nil {
		return usage, fmt.Errorf("error getting disk usage of %s: %w", m.diskPath, err)
	}
	usage.DiskUsed = du.UsedPercent
	usage.DiskFreeBytes = du.Free

	m.metrics.UpdateProcess(usage.CPUPercent, procMem.RSS)
	m.metrics.UpdateDisk(usage.DiskUsed, usage.DiskFreeBytes)

	m.mu.Lock()
	m.last = usage
	m.mu.Unlock()

	fields := []zap.Field{
		zap.Float64("cpu_percent", usage.CPUPercent),
		zap.Float64("rss_mb", usage.MemoryUsedMB),
		zap.Int("goroutines", usage.NumGoroutines),
		zap.Float64("disk_used_percent", usage.DiskUsed),
	}
	if usage.DiskUsed >= LowDiskPercent {
		m.log.Warn("recordings disk almost full", fields...)
	} else {
		m.log.Debug("resource usage", fields...)
	}
	return usage, nil
}

// Last returns the most recent sample.
func (m *Monitor) Last() ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}
