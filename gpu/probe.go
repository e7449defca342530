package gpu

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/errors"
)

// cacheTTL is how long a probe snapshot stays fresh. nvidia-smi costs
// tens of milliseconds; four scheduler tasks and the HTTP surface all
// read within the same tick.
const cacheTTL = 1 * time.Second

// commandTimeout bounds each nvidia-smi invocation.
const commandTimeout = 5 * time.Second

// NvidiaProbe enumerates GPUs via nvidia-smi, caching results in-process.
// Concurrent readers share the cache; a single writer refreshes it under
// the mutex.
type NvidiaProbe struct {
	logger *zap.SugaredLogger

	mu        sync.RWMutex
	cached    []Info
	fetchedAt time.Time
}

// NewProbe returns the probe for this process: the nvidia-smi probe, or
// the deterministic mock when MOCK_GPUS (or the config override) asks
// for synthetic devices.
func NewProbe(mockGPUs int, logger *zap.SugaredLogger) Probe {
	if mockGPUs <= 0 {
		if n, err := strconv.Atoi(os.Getenv("MOCK_GPUS")); err == nil && n > 0 {
			mockGPUs = n
		}
	}
	if mockGPUs > 0 {
		logger.Infow("Using mock GPU probe", "count", mockGPUs)
		return NewMockProbe(mockGPUs)
	}
	return &NvidiaProbe{logger: logger}
}

// Snapshot returns the current GPU set, refreshing the cache when stale
// or when force is set.
func (p *NvidiaProbe) Snapshot(ctx context.Context, force bool) ([]Info, error) {
	p.mu.RLock()
	if !force && p.cached != nil && time.Since(p.fetchedAt) < cacheTTL {
		cached := p.cached
		p.mu.RUnlock()
		return cached, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another writer may have refreshed while we waited for the lock
	if !force && p.cached != nil && time.Since(p.fetchedAt) < cacheTTL {
		return p.cached, nil
	}

	gpus, err := p.fetch(ctx)
	if err != nil {
		return nil, err
	}
	p.cached = gpus
	p.fetchedAt = time.Now()
	return gpus, nil
}

func (p *NvidiaProbe) fetch(ctx context.Context) ([]Info, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, errors.Wrap(err, "nvidia-smi query failed")
	}
	if strings.TrimSpace(string(out)) == "" {
		return nil, errors.New("nvidia-smi returned no output; ensure GPUs are present and the driver is loaded")
	}

	processes, err := p.fetchProcessCounts(ctx)
	if err != nil {
		p.logger.Warnw("Failed to enumerate GPU processes; assuming none", "error", err)
		processes = map[int]int{}
	}

	var gpus []Info
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		info, err := parseGPULine(line)
		if err != nil {
			p.logger.Warnw("Skipping unparseable nvidia-smi line", "line", line, "error", err)
			continue
		}
		info.ProcessCount = processes[info.Index]
		gpus = append(gpus, info)
	}

	if len(gpus) == 0 {
		return nil, errors.New("no GPUs detected")
	}
	return gpus, nil
}

// fetchProcessCounts runs `nvidia-smi pmon -c 1` and counts processes per
// GPU. A GPU with any external holder is not schedulable.
func (p *NvidiaProbe) fetchProcessCounts(ctx context.Context) (map[int]int, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "pmon", "-c", "1").Output()
	if err != nil {
		return nil, errors.Wrap(err, "nvidia-smi pmon failed")
	}

	counts := map[int]int{}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) <= 2 {
		return counts, nil
	}
	// First two lines are headers
	for _, line := range lines[2:] {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[1] == "-" {
			continue
		}
		idx, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		counts[idx]++
	}
	return counts, nil
}

func parseGPULine(line string) (Info, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return Info{}, errors.Newf("expected 4 fields, got %d", len(parts))
	}

	idx, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Info{}, errors.Wrap(err, "invalid index")
	}
	total, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return Info{}, errors.Wrap(err, "invalid memory.total")
	}
	used, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return Info{}, errors.Wrap(err, "invalid memory.used")
	}

	return Info{
		Index:       idx,
		Name:        strings.TrimSpace(parts[1]),
		MemoryTotal: int(total),
		MemoryUsed:  int(used),
	}, nil
}
