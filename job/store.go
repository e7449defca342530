package job

import (
	"database/sql"
	"regexp"
	"strings"

	"github.com/nexusai/nexus/errors"
)

// Store handles persistence of job records. All writes are serialized by
// SQLite; multi-statement sequences that must be atomic run inside a
// single transaction.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Filter narrows ListJobs. Zero values mean "no constraint".
type Filter struct {
	Status       Status
	GPUIndex     *int   // membership in gpu_idxs
	CommandRegex string // compiled in Go over candidate rows
	Limit        int
	Offset       int
}

// AddJob inserts a new job. A duplicate id fails with ErrConflict.
func (s *Store) AddJob(j Job) error {
	values, err := jobRowValues(&j)
	if err != nil {
		return err
	}

	query := `INSERT INTO jobs (` + jobSelectColumns + `) VALUES (` +
		placeholders(len(values)) + `)`

	if _, err := s.db.Exec(query, values...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.NewConflictError("job %s already exists", j.ID)
		}
		return errors.Wrapf(err, "failed to add job %s", j.ID)
	}
	return nil
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs WHERE id = ?`

	var j Job
	err := scanJobFromRow(s.db.QueryRow(query, id), &j)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return Job{}, errors.Wrapf(err, "failed to get job %s", id)
	}
	return j, nil
}

// Exists reports whether a job id is already taken.
func (s *Store) Exists(id string) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM jobs WHERE id = ?)", id).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check job id %s", id)
	}
	return exists, nil
}

// UpdateJob upserts a job by id.
func (s *Store) UpdateJob(j Job) error {
	values, err := jobRowValues(&j)
	if err != nil {
		return err
	}

	query := `INSERT OR REPLACE INTO jobs (` + jobSelectColumns + `) VALUES (` +
		placeholders(len(values)) + `)`

	if _, err := s.db.Exec(query, values...); err != nil {
		return errors.Wrapf(err, "failed to update job %s", j.ID)
	}
	return nil
}

// SetWandbURL records a discovered run URL, but only while the job is
// still running. The W&B discovery task races the finalizer within a
// tick; a full upsert here could overwrite a terminal record with a
// stale running-status copy. Reports whether a row was updated.
func (s *Store) SetWandbURL(id, url string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE jobs SET wandb_url = ? WHERE id = ? AND status = ?",
		url, id, string(StatusRunning),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failed to set wandb url for job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrapf(err, "failed to set wandb url for job %s", id)
	}
	return n > 0, nil
}

// ListJobs returns jobs matching the filter. Ordering is defined per
// status: queued by (priority desc, created_at asc) — the dequeue order —
// running by started_at asc, terminal by completed_at desc. Unfiltered
// listings fall back to created_at desc.
func (s *Store) ListJobs(f Filter) ([]Job, error) {
	query := `SELECT ` + jobSelectColumns + ` FROM jobs`
	var args []interface{}

	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY ` + orderForStatus(f.Status)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	// Regex and GPU-membership filters run in Go: SQLite has no regexes
	// without an extension, and gpu_idxs is a serialized list.
	if f.CommandRegex != "" {
		pattern, err := regexp.Compile(f.CommandRegex)
		if err != nil {
			return nil, errors.NewInvalidRequestError("invalid command regex: %v", err)
		}
		jobs = filterJobs(jobs, func(j Job) bool { return pattern.MatchString(j.Command) })
	}
	if f.GPUIndex != nil {
		jobs = filterJobs(jobs, func(j Job) bool {
			for _, idx := range j.GPUIdxs {
				if idx == *f.GPUIndex {
					return true
				}
			}
			return false
		})
	}

	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			jobs = nil
		} else {
			jobs = jobs[f.Offset:]
		}
	}
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}

	return jobs, nil
}

// ListByStatus is shorthand for an unbounded status listing.
func (s *Store) ListByStatus(status Status) ([]Job, error) {
	return s.ListJobs(Filter{Status: status})
}

// CountJobs returns the number of jobs with the given status; an empty
// status counts everything.
func (s *Store) CountJobs(status Status) (int, error) {
	var count int
	var err error
	if status == "" {
		err = s.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&count)
	} else {
		err = s.db.QueryRow("SELECT COUNT(*) FROM jobs WHERE status = ?", string(status)).Scan(&count)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to count jobs")
	}
	return count, nil
}

// DeleteJob removes a queued job. Deleting a job in any other state is a
// conflict. The artifact reference is garbage-collected inside the same
// transaction when no other live job still needs it.
func (s *Store) DeleteJob(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin delete transaction")
	}
	defer tx.Rollback()

	var status string
	var artifactID string
	err = tx.QueryRow("SELECT status, artifact_id FROM jobs WHERE id = ?", id).Scan(&status, &artifactID)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("job not found: %s", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to query job %s", id)
	}

	if Status(status) != StatusQueued {
		return errors.NewConflictError("cannot delete job %s with status %s; only queued jobs can be removed", id, status)
	}

	if _, err := tx.Exec("DELETE FROM jobs WHERE id = ?", id); err != nil {
		return errors.Wrapf(err, "failed to delete job %s", id)
	}

	// The in-use check runs in the same transaction as the delete so a
	// concurrently submitting client cannot race the GC.
	if artifactID != "" {
		var inUse bool
		err = tx.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM jobs WHERE artifact_id = ? AND status IN ('queued', 'running'))",
			artifactID,
		).Scan(&inUse)
		if err != nil {
			return errors.Wrapf(err, "failed to check artifact %s references", artifactID)
		}
		if !inUse {
			if _, err := tx.Exec("DELETE FROM artifacts WHERE id = ?", artifactID); err != nil {
				return errors.Wrapf(err, "failed to garbage-collect artifact %s", artifactID)
			}
		}
	}

	return errors.Wrap(tx.Commit(), "failed to commit delete")
}

func orderForStatus(status Status) string {
	switch status {
	case StatusQueued:
		return "priority DESC, created_at ASC"
	case StatusRunning:
		return "started_at ASC"
	case StatusCompleted, StatusFailed, StatusKilled:
		return "completed_at DESC"
	default:
		return "created_at DESC"
	}
}

func filterJobs(jobs []Job, keep func(Job) bool) []Job {
	out := jobs[:0]
	for _, j := range jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
