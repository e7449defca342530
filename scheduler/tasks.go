package scheduler

import (
	"context"
	"time"

	"github.com/nexusai/nexus/gpu"
	"github.com/nexusai/nexus/job"
)

// advanceRunning finalizes running jobs whose session has died, and
// executes pending kill requests. Each job is handled independently; an
// error on one never blocks the rest.
func (s *Scheduler) advanceRunning(ctx context.Context) error {
	running, err := s.jobs.ListByStatus(job.StatusRunning)
	if err != nil {
		return err
	}

	for _, j := range running {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		alive := s.engine.IsRunning(ctx, j)
		if alive && !j.MarkedForKill {
			continue
		}

		if err := s.finalizeJob(ctx, j, alive); err != nil {
			s.logger.Errorw("Failed to finalize job", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

// finalizeJob drives one running job to its terminal record: kill if
// requested, classify from the log, salvage the declared output file,
// clean the working tree, notify, persist, and GC the artifact.
func (s *Scheduler) finalizeJob(ctx context.Context, j job.Job, alive bool) error {
	if j.MarkedForKill && alive {
		if err := s.engine.KillJob(ctx, j); err != nil {
			s.logger.Warnw("Failed to kill job session; will retry next tick",
				"job_id", j.ID, "error", err)
			return nil
		}
	}

	ended := s.engine.EndJob(j, j.MarkedForKill)

	// Output file must be salvaged before cleanup removes the repo tree
	if ended.OutputFile != nil {
		if dst, err := s.engine.CopyOutputFile(ended); err != nil {
			s.logger.Warnw("Failed to copy job output file",
				"job_id", ended.ID, "output_file", *ended.OutputFile, "error", err)
		} else if dst != "" {
			s.logger.Infow("Copied job output file", "job_id", ended.ID, "dest", dst)
		}
	}

	s.engine.CleanupJob(ended)

	ended, _ = s.notifier.JobEnded(ctx, ended)

	if err := s.jobs.UpdateJob(ended); err != nil {
		return err
	}

	if deleted, err := s.artifacts.DeleteIfUnused(ended.ArtifactID); err != nil {
		s.logger.Warnw("Artifact GC failed", "artifact_id", ended.ArtifactID, "error", err)
	} else if deleted {
		s.logger.Infow("Garbage-collected artifact", "artifact_id", ended.ArtifactID)
	}

	s.logger.Infow("Job finished",
		"job_id", ended.ID, "status", ended.Status,
		"exit_code", ended.ExitCode, "error_message", ended.ErrorMessage)
	s.broadcast(ended)
	return nil
}

// startQueued launches at most one queued job per tick: the first job in
// dequeue order whose GPU needs are satisfiable right now. Draining a
// long queue over many ticks bounds concurrent launches.
func (s *Scheduler) startQueued(ctx context.Context) error {
	queued, err := s.jobs.ListByStatus(job.StatusQueued)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		return nil
	}

	gpus, err := s.snapshotGPUs(ctx)
	if err != nil {
		return err
	}

	for _, j := range queued {
		idxs, ok := chooseGPUs(gpus, j)
		if !ok {
			continue
		}

		started, err := s.engine.StartJob(ctx, j, idxs)
		if err != nil {
			s.failLaunch(ctx, j, err)
			return nil
		}

		started, _ = s.notifier.JobStarted(ctx, started)

		if err := s.jobs.UpdateJob(started); err != nil {
			// The session is live but the record still says queued; left
			// alone, the next tick would launch a second session under
			// the same name. Tear the session down so the retry is clean.
			if killErr := s.engine.KillJob(ctx, started); killErr != nil {
				s.logger.Errorw("Failed to kill session after persist failure",
					"job_id", started.ID, "error", killErr)
			}
			return err
		}
		s.logger.Infow("Job started",
			"job_id", started.ID, "gpu_idxs", started.GPUIdxs,
			"user", started.User, "command", started.Command)
		s.broadcast(started)
		return nil
	}
	return nil
}

// snapshotGPUs probes the hardware and annotates the result with the
// blacklist and running-job ownership from the store.
func (s *Scheduler) snapshotGPUs(ctx context.Context) ([]gpu.Info, error) {
	gpus, err := s.probe.Snapshot(ctx, false)
	if err != nil {
		return nil, err
	}
	blacklist, err := s.blacklist.List()
	if err != nil {
		return nil, err
	}
	running, err := s.jobs.ListByStatus(job.StatusRunning)
	if err != nil {
		return nil, err
	}

	owners := map[int]string{}
	for _, j := range running {
		for _, idx := range j.GPUIdxs {
			owners[idx] = j.ID
		}
	}
	return gpu.Annotate(gpus, blacklist, owners), nil
}

// chooseGPUs picks the allocation for a job, or reports that it cannot
// start this tick. Pinned jobs need their exact set free; others take
// the lowest-index free GPUs.
func chooseGPUs(gpus []gpu.Info, j job.Job) ([]int, bool) {
	free := map[int]bool{}
	for _, g := range gpus {
		if gpu.Available(g, j.IgnoreBlacklist) {
			free[g.Index] = true
		}
	}

	if len(j.GPUIdxs) > 0 {
		for _, idx := range j.GPUIdxs {
			if !free[idx] {
				return nil, false
			}
		}
		return append([]int(nil), j.GPUIdxs...), true
	}

	if len(free) < j.NumGPUs {
		return nil, false
	}
	var idxs []int
	for _, g := range gpus {
		if free[g.Index] {
			idxs = append(idxs, g.Index)
			if len(idxs) == j.NumGPUs {
				break
			}
		}
	}
	return idxs, true
}

// failLaunch records a job whose start attempt failed. The GPUs were
// never occupied; the job goes straight to failed with the launch error.
func (s *Scheduler) failLaunch(ctx context.Context, j job.Job, launchErr error) {
	now := float64(time.Now().UnixNano()) / 1e9
	msg := launchErr.Error()

	failed := j
	failed.Status = job.StatusFailed
	failed.CompletedAt = &now
	failed.ErrorMessage = &msg

	failed, _ = s.notifier.JobEnded(ctx, failed)

	if err := s.jobs.UpdateJob(failed); err != nil {
		s.logger.Errorw("Failed to record launch failure", "job_id", j.ID, "error", err)
		return
	}
	s.logger.Errorw("Job launch failed", "job_id", j.ID, "error", launchErr)
	s.broadcast(failed)

	if deleted, err := s.artifacts.DeleteIfUnused(failed.ArtifactID); err == nil && deleted {
		s.logger.Infow("Garbage-collected artifact", "artifact_id", failed.ArtifactID)
	}
}

// discoverWandbURLs probes running jobs for a W&B run URL until either
// the run surfaces or the job outgrows the search window.
func (s *Scheduler) discoverWandbURLs(ctx context.Context) error {
	running, err := s.jobs.ListByStatus(job.StatusRunning)
	if err != nil {
		return err
	}

	window := s.searchWindow()
	now := time.Now()

	for _, j := range running {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !j.SearchWandb || j.WandbURL != nil || j.StartedAt == nil {
			continue
		}
		age := now.Sub(time.Unix(0, int64(*j.StartedAt*1e9)))
		if age > window {
			continue
		}

		url, err := s.finder.FindRunURL(&j)
		if err != nil {
			s.logger.Warnw("W&B search failed", "job_id", j.ID, "error", err)
			continue
		}
		if url == "" {
			continue
		}

		// Guarded write: the advance task may have finalized this job
		// after our listing, and its terminal record must not be
		// clobbered by our stale running-status copy.
		updated, err := s.jobs.SetWandbURL(j.ID, url)
		if err != nil {
			s.logger.Errorw("Failed to record W&B URL", "job_id", j.ID, "error", err)
			continue
		}
		if !updated {
			continue
		}
		j.WandbURL = &url
		s.logger.Infow("Found W&B run for job", "job_id", j.ID, "url", url)
		s.broadcast(j)

		if err := s.notifier.UpdateWithWandbURL(ctx, j); err != nil {
			s.logger.Warnw("Failed to update notification with W&B URL",
				"job_id", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) searchWindow() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// probeHealth samples the node and warn-logs breached thresholds.
func (s *Scheduler) probeHealth(_ context.Context) error {
	snapshot, err := s.checker.Check()
	if err != nil {
		return err
	}
	s.checker.LogWarnings(snapshot)
	return nil
}
