package job

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/session"
)

// ExitCodeSentinel is the marker the wrapper script appends to output.log
// after the user command terminates. Parsing is last-match-wins so a user
// command printing the same string cannot confuse classification.
const ExitCodeSentinel = "COMMAND_EXIT_CODE"

var exitCodeRe = regexp.MustCompile(`COMMAND_EXIT_CODE=["']?(\d+)["']?`)

// ArtifactSource supplies the tar bytes a job runs against. Implemented by
// artifact.Store; narrowed here so the engine does not depend on the
// artifact package.
type ArtifactSource interface {
	Data(id string) ([]byte, error)
}

// Engine materializes job working directories and drives the session
// runner. Transitions return new records; the caller persists them.
type Engine struct {
	jobsDir   string
	artifacts ArtifactSource
	runner    session.Runner
	logger    *zap.SugaredLogger
}

// NewEngine creates the job lifecycle engine. jobsDir is the directory
// under the server home holding one subdirectory per started job.
func NewEngine(jobsDir string, artifacts ArtifactSource, runner session.Runner, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		jobsDir:   jobsDir,
		artifacts: artifacts,
		runner:    runner,
		logger:    logger,
	}
}

// BuildEnv returns the environment for a job: the server process
// environment, the user-supplied extras, and the system injections.
func BuildEnv(j Job, gpuIdxs []int) []string {
	env := os.Environ()
	for k, v := range j.Env {
		env = append(env, k+"="+v)
	}

	env = append(env,
		"CUDA_VISIBLE_DEVICES="+joinInts(gpuIdxs),
		"NEXUS_JOB_ID="+j.ID,
		"NEXUS_GPU_IDS="+joinInts(gpuIdxs),
	)
	if j.GitTag != "" {
		env = append(env, "NEXUS_GIT_TAG="+j.GitTag)
	}
	return env
}

// BuildScript generates the two-level wrapper for a job rooted at dir.
// The outer script changes into the extracted repo, sources the optional
// jobrc preamble, runs the inner script under a login shell with stdout
// appended to output.log and stderr to both error.log and output.log,
// then records the sentinel. The inner script is the user command
// verbatim.
func BuildScript(j Job, dir string) (outer, inner string) {
	repoDir := filepath.Join(dir, "repo")
	outLog := filepath.Join(dir, "output.log")
	errLog := filepath.Join(dir, "error.log")
	innerPath := filepath.Join(dir, "command.sh")

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "cd %q\n", repoDir)
	if j.Jobrc != nil && strings.TrimSpace(*j.Jobrc) != "" {
		jobrcPath := filepath.Join(dir, "jobrc.sh")
		fmt.Fprintf(&b, ". %q\n", jobrcPath)
	}
	fmt.Fprintf(&b, "/bin/bash -l %q >> %q 2> >(tee -a %q >> %q)\n", innerPath, outLog, errLog, outLog)
	b.WriteString("status=$?\n")
	fmt.Fprintf(&b, "echo \"%s=$status\" >> %q\n", ExitCodeSentinel, outLog)

	inner = "#!/bin/bash -l\n" + j.Command + "\n"
	return b.String(), inner
}

// StartJob extracts the job's artifact, writes the wrapper scripts, and
// launches the detached session. On success it returns a running record
// with pid, dir, session name, GPU assignment, and start time populated.
// On failure the partially materialized directory is removed and the
// error wraps ErrLaunchFailed.
func (e *Engine) StartJob(ctx context.Context, j Job, gpuIdxs []int) (Job, error) {
	dir := filepath.Join(e.jobsDir, j.ID)

	started, err := e.startJobIn(ctx, j, gpuIdxs, dir)
	if err != nil {
		os.RemoveAll(dir)
		return Job{}, err
	}
	return started, nil
}

func (e *Engine) startJobIn(ctx context.Context, j Job, gpuIdxs []int, dir string) (Job, error) {
	repoDir := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repoDir, 0o755); err != nil {
		return Job{}, errors.NewLaunchFailedError("failed to create job directory %s: %v", dir, err)
	}

	data, err := e.artifacts.Data(j.ArtifactID)
	if err != nil {
		return Job{}, errors.Wrapf(errors.ErrLaunchFailed, "artifact %s unavailable: %v", j.ArtifactID, err)
	}
	if err := extractTar(data, repoDir); err != nil {
		return Job{}, errors.Wrapf(errors.ErrLaunchFailed, "failed to extract artifact %s: %v", j.ArtifactID, err)
	}

	outer, inner := BuildScript(j, dir)
	if j.Jobrc != nil && strings.TrimSpace(*j.Jobrc) != "" {
		if err := os.WriteFile(filepath.Join(dir, "jobrc.sh"), []byte(*j.Jobrc), 0o755); err != nil {
			return Job{}, errors.NewLaunchFailedError("failed to write jobrc: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "command.sh"), []byte(inner), 0o755); err != nil {
		return Job{}, errors.NewLaunchFailedError("failed to write command script: %v", err)
	}
	scriptPath := filepath.Join(dir, "run.sh")
	if err := os.WriteFile(scriptPath, []byte(outer), 0o755); err != nil {
		return Job{}, errors.NewLaunchFailedError("failed to write run script: %v", err)
	}

	sessionName := SessionName(j.ID)
	pid, err := e.runner.Start(ctx, sessionName, dir, scriptPath, BuildEnv(j, gpuIdxs))
	if err != nil {
		return Job{}, errors.Wrapf(errors.ErrLaunchFailed, "session launch failed: %v", err)
	}

	now := nowEpoch()
	started := j
	started.Status = StatusRunning
	started.GPUIdxs = sortedCopy(gpuIdxs)
	started.PID = &pid
	started.Dir = &dir
	started.ScreenSessionName = &sessionName
	started.StartedAt = &now
	return started, nil
}

// EndJob classifies a terminated job from its output log. The sentinel is
// searched from the end of the log; anything written after the last match
// is ignored.
func (e *Engine) EndJob(j Job, killed bool) Job {
	now := nowEpoch()
	ended := j
	ended.CompletedAt = &now

	if killed {
		ended.Status = StatusKilled
		return ended
	}

	content, err := e.ReadLogs(j, 0)
	if err != nil {
		ended.Status = StatusFailed
		msg := "No output log found"
		ended.ErrorMessage = &msg
		return ended
	}

	code, found := ParseExitCode(content)
	if !found {
		ended.Status = StatusFailed
		msg := "Could not find exit code in log"
		ended.ErrorMessage = &msg
		return ended
	}

	ended.ExitCode = &code
	if code == 0 {
		ended.Status = StatusCompleted
	} else {
		ended.Status = StatusFailed
		msg := fmt.Sprintf("Job failed with exit code %d", code)
		ended.ErrorMessage = &msg
	}
	return ended
}

// CleanupJob deletes the extracted repo tree and the artifact tar copy.
// Logs stay under the job directory for later inspection.
func (e *Engine) CleanupJob(j Job) {
	if j.Dir == nil {
		return
	}
	repoDir := filepath.Join(*j.Dir, "repo")
	if err := os.RemoveAll(repoDir); err != nil {
		e.logger.Warnw("Failed to clean up job repo", "job_id", j.ID, "dir", repoDir, "error", err)
		return
	}
	os.Remove(filepath.Join(*j.Dir, "code.tar"))
	e.logger.Infow("Cleaned up job repo", "job_id", j.ID, "dir", repoDir)
}

// KillJob terminates the job's session. The record transition happens on
// the next scheduler tick, when the session is observed dead.
func (e *Engine) KillJob(ctx context.Context, j Job) error {
	return e.runner.Kill(ctx, SessionName(j.ID))
}

// IsRunning tests session liveness for a job.
func (e *Engine) IsRunning(ctx context.Context, j Job) bool {
	return e.runner.IsAlive(ctx, SessionName(j.ID))
}

// ReadLogs returns the job's output log, or its last n lines when
// lastNLines > 0.
func (e *Engine) ReadLogs(j Job, lastNLines int) (string, error) {
	if j.Dir == nil {
		return "", errors.NewNotFoundError("job %s has no working directory", j.ID)
	}
	logPath := filepath.Join(*j.Dir, "output.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "", errors.NewNotFoundError("no output log for job %s", j.ID)
	}

	content := string(data)
	if lastNLines <= 0 {
		return content, nil
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if lastNLines < len(lines) {
		lines = lines[len(lines)-lastNLines:]
	}
	return strings.Join(lines, "\n"), nil
}

// ParseExitCode scans log content from the end for the last sentinel
// line and returns the recorded exit status.
func ParseExitCode(content string) (int, bool) {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		m := exitCodeRe.FindStringSubmatch(lines[i])
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, false
		}
		return code, true
	}
	return 0, false
}

// CopyOutputFile copies the job's declared output file from the repo tree
// to a well-known location under /tmp before cleanup removes the tree.
// Returns the destination path.
func (e *Engine) CopyOutputFile(j Job) (string, error) {
	if j.OutputFile == nil || j.Dir == nil {
		return "", nil
	}

	src := filepath.Join(*j.Dir, "repo", filepath.Clean(*j.OutputFile))
	flattened := strings.ReplaceAll(strings.Trim(filepath.Clean(*j.OutputFile), "/"), "/", "-")
	dst := filepath.Join(os.TempDir(), fmt.Sprintf("nexus-%s-%s", j.ID, flattened))

	data, err := os.ReadFile(src)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read output file %s", src)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write output file %s", dst)
	}
	return dst, nil
}

// extractTar unpacks a tar archive into destDir, rejecting entries that
// would escape it.
func extractTar(data []byte, destDir string) error {
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "failed to read tar entry")
		}

		name := filepath.Clean(hdr.Name)
		if name == "." {
			continue
		}
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return errors.Newf("tar entry escapes extraction root: %s", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)&0o777); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errors.Wrapf(err, "failed to create parent of %s", target)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return errors.Wrapf(err, "failed to create file %s", target)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return errors.Wrapf(err, "failed to write file %s", target)
			}
			f.Close()
		case tar.TypeSymlink:
			// Symlinks inside the tree are allowed; absolute or escaping
			// targets are not.
			link := hdr.Linkname
			if filepath.IsAbs(link) || strings.HasPrefix(filepath.Clean(link), "..") {
				return errors.Newf("tar symlink escapes extraction root: %s -> %s", hdr.Name, link)
			}
			if err := os.Symlink(link, target); err != nil {
				return errors.Wrapf(err, "failed to create symlink %s", target)
			}
		default:
			// Skip device nodes and other special entries
		}
	}
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
