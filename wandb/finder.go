// Package wandb locates the W&B run that a job spawned, by scanning the
// run metadata the wandb client writes into the working tree. No W&B API
// calls; everything is derived from the filesystem.
package wandb

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/job"
)

const metadataFileName = "wandb-metadata.json"

// Finder resolves W&B run URLs for running jobs.
type Finder struct {
	logger *zap.SugaredLogger
}

// NewFinder creates a finder.
func NewFinder(logger *zap.SugaredLogger) *Finder {
	return &Finder{logger: logger}
}

// FindRunURL searches the job's working directory for a wandb run whose
// metadata mentions the job id. Returns "" when no run has surfaced yet;
// callers retry on later ticks until the search window closes.
func (f *Finder) FindRunURL(j *job.Job) (string, error) {
	if j.Dir == nil {
		return "", nil
	}
	entity := j.Env["WANDB_ENTITY"]
	if entity == "" {
		return "", errors.New("missing WANDB_ENTITY in job environment")
	}

	metaPath, err := f.findMetadataFile(*j.Dir, j.ID)
	if err != nil || metaPath == "" {
		return "", err
	}

	runID := runIDFromPath(metaPath)
	if runID == "" {
		f.logger.Debugw("Found wandb metadata but could not derive run id", "path", metaPath)
		return "", nil
	}
	project := projectFor(metaPath)
	if project == "" {
		f.logger.Debugw("Found wandb run but could not derive project", "path", metaPath, "run_id", runID)
		return "", nil
	}

	return "https://wandb.ai/" + entity + "/" + project + "/runs/" + runID, nil
}

// findMetadataFile walks the tree for wandb-metadata.json files whose
// content mentions the job id. wandb only starts writing metadata once
// the run is initialized, so absence just means "not yet".
func (f *Finder) findMetadataFile(root, jobID string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Runs may be mid-write; skip what we cannot read
			return nil
		}
		if d.IsDir() || d.Name() != metadataFileName {
			return nil
		}
		content, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		if strings.Contains(string(content), jobID) {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to scan %s for wandb metadata", root)
	}
	return found, nil
}

// runIDFromPath derives the run id from the metadata file's location.
// wandb lays runs out as .../wandb/run-{timestamp}-{runid}/files/, so the
// run id is the last dash segment of the grandparent directory.
func runIDFromPath(metaPath string) string {
	runDir := filepath.Base(filepath.Dir(filepath.Dir(metaPath)))
	i := strings.LastIndex(runDir, "-")
	if i < 0 || i == len(runDir)-1 {
		return ""
	}
	return runDir[i+1:]
}

// projectFor reads the project name out of the metadata JSON, falling
// back to the directory above the wandb/ dir (the repo checkout name)
// when the key is absent.
func projectFor(metaPath string) string {
	if content, err := os.ReadFile(metaPath); err == nil {
		var meta struct {
			Project string `json:"project"`
		}
		if json.Unmarshal(content, &meta) == nil && meta.Project != "" {
			return meta.Project
		}
	}

	// .../{project}/wandb/run-*/files/wandb-metadata.json
	wandbDir := filepath.Dir(filepath.Dir(filepath.Dir(metaPath)))
	if filepath.Base(wandbDir) != "wandb" {
		return ""
	}
	return filepath.Base(filepath.Dir(wandbDir))
}
