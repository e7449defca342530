package scheduler

import (
	"context"

	"github.com/nexusai/nexus/job"
)

// orphanMessage marks jobs whose session did not survive a server
// restart.
const orphanMessage = "orphaned by restart"

// ReconcileOrphans finalizes running jobs left over from a previous
// server process. Session names are stable across restarts, so a job
// whose session is still alive stays adopted and is observed by the
// normal advance task; one whose session is gone is finalized as failed.
// PIDs are never re-adopted.
func (s *Scheduler) ReconcileOrphans(ctx context.Context) error {
	running, err := s.jobs.ListByStatus(job.StatusRunning)
	if err != nil {
		return err
	}

	for _, j := range running {
		if s.engine.IsRunning(ctx, j) {
			s.logger.Infow("Adopted running job from previous server instance",
				"job_id", j.ID, "session", job.SessionName(j.ID))
			continue
		}

		// A job that finished while the server was down still carries its
		// sentinel; classify it normally. Only a job with no recorded exit
		// is an orphan.
		ended := s.engine.EndJob(j, false)
		if ended.ExitCode == nil {
			ended.Status = job.StatusFailed
			msg := orphanMessage
			ended.ErrorMessage = &msg
		}

		s.engine.CleanupJob(ended)

		if err := s.jobs.UpdateJob(ended); err != nil {
			s.logger.Errorw("Failed to finalize orphaned job", "job_id", j.ID, "error", err)
			continue
		}
		s.logger.Warnw("Finalized orphaned job from previous server instance",
			"job_id", j.ID)

		if deleted, gcErr := s.artifacts.DeleteIfUnused(ended.ArtifactID); gcErr == nil && deleted {
			s.logger.Infow("Garbage-collected artifact", "artifact_id", ended.ArtifactID)
		}
	}
	return nil
}
