// Package job holds the job record, its persistence, and the lifecycle
// engine that moves a job from queued through running to a terminal state.
package job

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/nexusai/nexus/errors"
)

// Status represents the current state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusKilled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is one a job never leaves.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKilled
}

// Notification channels a job may request.
const (
	NotificationDiscord = "discord"
	NotificationPhone   = "phone"
)

// requiredEnvVars maps a feature to the env vars a job must carry for it.
var requiredEnvVars = map[string][]string{
	"wandb":              {"WANDB_API_KEY", "WANDB_ENTITY"},
	NotificationDiscord:  {"DISCORD_USER_ID", "DISCORD_WEBHOOK_URL"},
	NotificationPhone:    {"PHONE_TO_NUMBER"},
}

// Job is a single submitted command and everything the server knows about
// it. Records are value-typed: transitions return a modified copy, and the
// store row is the source of truth between transitions.
type Job struct {
	ID       string `json:"id"`
	Command  string `json:"command"`
	User     string `json:"user"`
	NodeName string `json:"node_name"`
	Priority int    `json:"priority"`
	NumGPUs  int    `json:"num_gpus"`
	GPUIdxs  []int  `json:"gpu_idxs"`

	GitRepoURL string `json:"git_repo_url"`
	GitBranch  string `json:"git_branch"`
	GitTag     string `json:"git_tag"`
	ArtifactID string `json:"artifact_id"`

	Env             map[string]string `json:"env"`
	Jobrc           *string           `json:"jobrc"`
	Notifications   []string          `json:"notifications"`
	SearchWandb     bool              `json:"search_wandb"`
	IgnoreBlacklist bool              `json:"ignore_blacklist"`

	Status      Status   `json:"status"`
	CreatedAt   float64  `json:"created_at"`
	StartedAt   *float64 `json:"started_at"`
	CompletedAt *float64 `json:"completed_at"`

	PID               *int    `json:"pid"`
	Dir               *string `json:"dir"`
	ScreenSessionName *string `json:"screen_session_name"`
	ExitCode          *int    `json:"exit_code"`
	ErrorMessage      *string `json:"error_message"`
	WandbURL          *string `json:"wandb_url"`
	MarkedForKill     bool    `json:"marked_for_kill"`

	NotificationMessages map[string]string `json:"notification_messages"`
	OutputFile           *string           `json:"output_file"`
}

// Request is a job submission as it arrives over the API.
type Request struct {
	Command    string `json:"command"`
	User       string `json:"user"`
	GitRepoURL string `json:"git_repo_url"`
	GitTag     string `json:"git_tag"`
	GitBranch  string `json:"git_branch"`
	ArtifactID string `json:"artifact_id"`

	NumGPUs         int               `json:"num_gpus"`
	GPUIdxs         []int             `json:"gpu_idxs"`
	Priority        int               `json:"priority"`
	SearchWandb     bool              `json:"search_wandb"`
	Notifications   []string          `json:"notifications"`
	Env             map[string]string `json:"env"`
	Jobrc           *string           `json:"jobrc"`
	RunImmediately  bool              `json:"run_immediately"`
	IgnoreBlacklist bool              `json:"ignore_blacklist"`
	OutputFile      *string           `json:"output_file"`
}

// Validate rejects malformed submissions at the boundary so nothing
// illegal ever reaches the store.
func (r *Request) Validate() error {
	if strings.TrimSpace(r.Command) == "" {
		return errors.NewInvalidRequestError("command cannot be empty")
	}
	if _, err := shellquote.Split(r.Command); err != nil {
		return errors.NewInvalidRequestError("command does not tokenize: %v", err)
	}
	if r.User == "" {
		return errors.NewInvalidRequestError("user cannot be empty")
	}
	if r.ArtifactID == "" {
		return errors.NewInvalidRequestError("artifact_id cannot be empty")
	}
	if r.NumGPUs < 1 {
		return errors.NewInvalidRequestError("num_gpus must be at least 1, got %d", r.NumGPUs)
	}

	if len(r.GPUIdxs) > 0 {
		seen := make(map[int]bool, len(r.GPUIdxs))
		for _, idx := range r.GPUIdxs {
			if idx < 0 {
				return errors.NewInvalidRequestError("gpu_idxs contains negative index %d", idx)
			}
			if seen[idx] {
				return errors.NewInvalidRequestError("gpu_idxs contains duplicate index %d", idx)
			}
			seen[idx] = true
		}
		// Pinning is exact-match: the pinned set is the allocation.
		if len(r.GPUIdxs) != r.NumGPUs {
			return errors.NewInvalidRequestError(
				"gpu_idxs pins %d GPUs but num_gpus is %d; pinning requires an exact set",
				len(r.GPUIdxs), r.NumGPUs)
		}
	}

	for _, n := range r.Notifications {
		if n != NotificationDiscord && n != NotificationPhone {
			return errors.NewInvalidRequestError("unknown notification channel %q", n)
		}
		if err := r.requireEnv(n); err != nil {
			return err
		}
	}
	if r.SearchWandb {
		if err := r.requireEnv("wandb"); err != nil {
			return err
		}
	}

	return nil
}

func (r *Request) requireEnv(feature string) error {
	for _, key := range requiredEnvVars[feature] {
		if _, ok := r.Env[key]; !ok {
			return errors.NewInvalidRequestError(
				"missing required environment variable %s for %s", key, feature)
		}
	}
	return nil
}

// New builds a queued job record from a validated request. The caller is
// responsible for assigning an ID that is unique in the store.
func New(r *Request, id, nodeName string) Job {
	env := make(map[string]string, len(r.Env))
	for k, v := range r.Env {
		env[k] = v
	}

	return Job{
		ID:                   id,
		Command:              strings.TrimSpace(r.Command),
		User:                 r.User,
		NodeName:             nodeName,
		Priority:             r.Priority,
		NumGPUs:              r.NumGPUs,
		GPUIdxs:              []int{},
		GitRepoURL:           r.GitRepoURL,
		GitBranch:            r.GitBranch,
		GitTag:               r.GitTag,
		ArtifactID:           r.ArtifactID,
		Env:                  env,
		Jobrc:                r.Jobrc,
		Notifications:        append([]string(nil), r.Notifications...),
		SearchWandb:          r.SearchWandb,
		IgnoreBlacklist:      r.IgnoreBlacklist,
		Status:               StatusQueued,
		CreatedAt:            float64(time.Now().UnixNano()) / 1e9,
		NotificationMessages: map[string]string{},
		OutputFile:           r.OutputFile,
	}
}

// SessionName returns the detached terminal session identifier for a job.
func SessionName(id string) string {
	return "nexus_job_" + id
}

// joinInts serializes a GPU index list for storage ("0,1"; empty when none).
func joinInts(idxs []int) string {
	if len(idxs) == 0 {
		return ""
	}
	parts := make([]string, len(idxs))
	for i, v := range idxs {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

// splitInts parses a stored GPU index list.
func splitInts(s string) ([]int, error) {
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	idxs := make([]int, 0, len(parts))
	for _, p := range parts {
		var v int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &v); err != nil {
			return nil, errors.Newf("invalid gpu index %q", p)
		}
		idxs = append(idxs, v)
	}
	return idxs, nil
}

// joinStrings serializes a notification list for storage.
func joinStrings(items []string) string {
	return strings.Join(items, ",")
}

// splitStrings parses a stored comma-joined list, dropping empties.
func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// sortedCopy returns a sorted copy of idxs. Allocation order is
// presented low-to-high regardless of how the scheduler picked them.
func sortedCopy(idxs []int) []int {
	out := append([]int(nil), idxs...)
	sort.Ints(out)
	return out
}
