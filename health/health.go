// Package health samples system vitals for the health endpoint and the
// scheduler's observational probe task.
package health

import (
	"net"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/nexusai/nexus/errors"
)

// Status buckets for the overall score.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Warning thresholds for the scheduler's probe task.
const (
	cpuWarnPercent  = 95.0
	memWarnPercent  = 90.0
	diskWarnPercent = 90.0
)

// DiskStats reports usage of the filesystem holding the server home.
type DiskStats struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	PercentUsed float64 `json:"percent_used"`
}

// NetworkStats is a cheap reachability sample, not a bandwidth test.
type NetworkStats struct {
	PingMs float64 `json:"ping"`
}

// SystemStats reports CPU, memory, uptime, and load.
type SystemStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	UptimeSeconds float64   `json:"uptime"`
	LoadAvg       []float64 `json:"load_avg"`
}

// Snapshot is one full health sample.
type Snapshot struct {
	Status string       `json:"status"`
	Score  float64      `json:"score"`
	Disk   DiskStats    `json:"disk"`
	Net    NetworkStats `json:"network"`
	System SystemStats  `json:"system"`
}

// Checker samples the host. diskPath is the filesystem to watch (the
// server home).
type Checker struct {
	diskPath string
	logger   *zap.SugaredLogger
}

// NewChecker creates a health checker.
func NewChecker(diskPath string, logger *zap.SugaredLogger) *Checker {
	return &Checker{diskPath: diskPath, logger: logger}
}

// Check takes a full sample and scores it.
func (c *Checker) Check() (Snapshot, error) {
	diskStats, err := c.checkDisk()
	if err != nil {
		return Snapshot{}, err
	}
	netStats := checkNetwork()
	sysStats, err := checkSystem()
	if err != nil {
		return Snapshot{}, err
	}

	score := calculateScore(diskStats, netStats, sysStats)
	return Snapshot{
		Status: statusFor(score),
		Score:  score,
		Disk:   diskStats,
		Net:    netStats,
		System: sysStats,
	}, nil
}

// LogWarnings emits warnings for breached thresholds. Purely
// observational; nothing reacts to these.
func (c *Checker) LogWarnings(s Snapshot) {
	if s.System.CPUPercent > cpuWarnPercent {
		c.logger.Warnw("CPU usage critically high", "cpu_percent", s.System.CPUPercent)
	}
	if s.System.MemoryPercent > memWarnPercent {
		c.logger.Warnw("Memory usage critically high", "memory_percent", s.System.MemoryPercent)
	}
	if s.Disk.PercentUsed > diskWarnPercent {
		c.logger.Warnw("Disk nearly full",
			"percent_used", s.Disk.PercentUsed,
			"free_bytes", s.Disk.Free,
		)
	}
}

func (c *Checker) checkDisk() (DiskStats, error) {
	usage, err := disk.Usage(c.diskPath)
	if err != nil {
		return DiskStats{}, errors.Wrapf(err, "failed to stat disk at %s", c.diskPath)
	}
	return DiskStats{
		Total:       usage.Total,
		Used:        usage.Used,
		Free:        usage.Free,
		PercentUsed: usage.UsedPercent,
	}, nil
}

// checkNetwork measures a TCP dial to a public resolver. Unreachable
// networks report an infinite ping, which the score treats as zero
// network credit.
func checkNetwork() NetworkStats {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", "8.8.8.8:53", 2*time.Second)
	if err != nil {
		return NetworkStats{PingMs: -1}
	}
	conn.Close()
	return NetworkStats{PingMs: float64(time.Since(start).Milliseconds())}
}

func checkSystem() (SystemStats, error) {
	cpuPercents, err := cpu.Percent(500*time.Millisecond, false)
	if err != nil || len(cpuPercents) == 0 {
		return SystemStats{}, errors.Wrap(err, "failed to sample CPU")
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemStats{}, errors.Wrap(err, "failed to sample memory")
	}
	uptime, err := host.Uptime()
	if err != nil {
		return SystemStats{}, errors.Wrap(err, "failed to read uptime")
	}

	stats := SystemStats{
		CPUPercent:    cpuPercents[0],
		MemoryPercent: vm.UsedPercent,
		UptimeSeconds: float64(uptime),
		LoadAvg:       []float64{},
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return stats, nil
}

// calculateScore weights disk 40, network 30, cpu+memory 30. Disk gets
// an exponential penalty as it fills: a full disk takes the node down
// harder than a busy CPU.
func calculateScore(d DiskStats, n NetworkStats, s SystemStats) float64 {
	diskRaw := 1 - d.PercentUsed/100

	diskPenalty := 1.0
	switch {
	case d.PercentUsed > 90:
		diskPenalty = 0.2
	case d.PercentUsed > 80:
		diskPenalty = 0.5
	}
	diskScore := 40 * diskRaw * diskPenalty

	// Critically full disk caps the whole score
	if d.PercentUsed > 95 {
		if diskScore > 30 {
			return 30
		}
		return round1(diskScore)
	}

	networkScore := 0.0
	if n.PingMs >= 0 {
		pingScore := 30 * clamp01((200-n.PingMs)/150)
		networkScore = pingScore
	}

	cpuScore := 15 * (1 - s.CPUPercent/100)
	memScore := 15 * (1 - s.MemoryPercent/100)

	return round1(diskScore + networkScore + cpuScore + memScore)
}

func statusFor(score float64) string {
	switch {
	case score >= 75:
		return StatusHealthy
	case score >= 40:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round1(v float64) float64 {
	return float64(int(v*10+0.5)) / 10
}
