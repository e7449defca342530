// Package gpu enumerates the node's GPUs and tracks the operator-curated
// blacklist. The probe shells out to nvidia-smi; a deterministic mock
// replaces it when MOCK_GPUS is set.
package gpu

import "context"

// Info describes one GPU as seen at probe time, annotated with what the
// store knows about it.
type Info struct {
	Index        int    `json:"index"`
	Name         string `json:"name"`
	MemoryTotal  int    `json:"memory_total"` // MB
	MemoryUsed   int    `json:"memory_used"`  // MB
	ProcessCount int    `json:"process_count"`

	IsBlacklisted bool    `json:"is_blacklisted"`
	RunningJobID  *string `json:"running_job_id"`
}

// Probe enumerates GPUs. Snapshot results are cached with a short TTL;
// force bypasses the cache.
type Probe interface {
	Snapshot(ctx context.Context, force bool) ([]Info, error)
}

// Available reports whether a GPU can be handed to a candidate job:
// not blacklisted (unless the job overrides), not owned by a running
// job, and not held by any stray external process.
func Available(g Info, ignoreBlacklist bool) bool {
	if g.IsBlacklisted && !ignoreBlacklist {
		return false
	}
	return g.RunningJobID == nil && g.ProcessCount == 0
}

// Annotate fills the store-derived fields onto probe results: which GPUs
// are blacklisted and which are owned by running jobs.
func Annotate(gpus []Info, blacklist []int, owners map[int]string) []Info {
	blacklisted := make(map[int]bool, len(blacklist))
	for _, idx := range blacklist {
		blacklisted[idx] = true
	}

	out := make([]Info, len(gpus))
	for i, g := range gpus {
		g.IsBlacklisted = blacklisted[g.Index]
		if jobID, ok := owners[g.Index]; ok {
			id := jobID
			g.RunningJobID = &id
		}
		out[i] = g
	}
	return out
}
