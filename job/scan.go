package job

import (
	"database/sql"
	"encoding/json"

	"github.com/nexusai/nexus/errors"
)

// jobScanArgs holds the intermediate variables needed for scanning a job
// row. Nullable and serialized columns land here before being decoded
// onto the Job struct.
type jobScanArgs struct {
	GPUIdxs              string
	Env                  string
	Jobrc                sql.NullString
	Notifications        string
	StartedAt            sql.NullFloat64
	CompletedAt          sql.NullFloat64
	PID                  sql.NullInt64
	Dir                  sql.NullString
	ScreenSessionName    sql.NullString
	ExitCode             sql.NullInt64
	ErrorMessage         sql.NullString
	WandbURL             sql.NullString
	NotificationMessages string
	OutputFile           sql.NullString
}

// jobSelectColumns is the canonical column list for job SELECT queries.
// Order must match jobScanTargets.
const jobSelectColumns = `id, command, user, node_name, priority, num_gpus, gpu_idxs,
	git_repo_url, git_branch, git_tag, artifact_id,
	env, jobrc, notifications, search_wandb, ignore_blacklist,
	status, created_at, started_at, completed_at,
	pid, dir, screen_session_name, exit_code, error_message,
	wandb_url, marked_for_kill, notification_messages, output_file`

// jobScanTargets returns scan destinations for the job and its scan args,
// in the order of jobSelectColumns.
func jobScanTargets(j *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&j.ID,
		&j.Command,
		&j.User,
		&j.NodeName,
		&j.Priority,
		&j.NumGPUs,
		&args.GPUIdxs,
		&j.GitRepoURL,
		&j.GitBranch,
		&j.GitTag,
		&j.ArtifactID,
		&args.Env,
		&args.Jobrc,
		&args.Notifications,
		&j.SearchWandb,
		&j.IgnoreBlacklist,
		&j.Status,
		&j.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&args.PID,
		&args.Dir,
		&args.ScreenSessionName,
		&args.ExitCode,
		&args.ErrorMessage,
		&args.WandbURL,
		&j.MarkedForKill,
		&args.NotificationMessages,
		&args.OutputFile,
	}
}

// processJobScanArgs decodes the serialized columns onto the job struct.
func processJobScanArgs(j *Job, args *jobScanArgs) error {
	idxs, err := splitInts(args.GPUIdxs)
	if err != nil {
		return errors.Wrapf(err, "invalid gpu_idxs for job %s", j.ID)
	}
	j.GPUIdxs = idxs

	j.Env = map[string]string{}
	if args.Env != "" {
		if err := json.Unmarshal([]byte(args.Env), &j.Env); err != nil {
			return errors.Wrapf(err, "invalid env for job %s", j.ID)
		}
	}

	j.NotificationMessages = map[string]string{}
	if args.NotificationMessages != "" {
		if err := json.Unmarshal([]byte(args.NotificationMessages), &j.NotificationMessages); err != nil {
			return errors.Wrapf(err, "invalid notification_messages for job %s", j.ID)
		}
	}

	j.Notifications = []string{}
	if args.Notifications != "" {
		for _, n := range splitStrings(args.Notifications) {
			j.Notifications = append(j.Notifications, n)
		}
	}

	if args.Jobrc.Valid {
		j.Jobrc = &args.Jobrc.String
	}
	if args.StartedAt.Valid {
		j.StartedAt = &args.StartedAt.Float64
	}
	if args.CompletedAt.Valid {
		j.CompletedAt = &args.CompletedAt.Float64
	}
	if args.PID.Valid {
		pid := int(args.PID.Int64)
		j.PID = &pid
	}
	if args.Dir.Valid {
		j.Dir = &args.Dir.String
	}
	if args.ScreenSessionName.Valid {
		j.ScreenSessionName = &args.ScreenSessionName.String
	}
	if args.ExitCode.Valid {
		code := int(args.ExitCode.Int64)
		j.ExitCode = &code
	}
	if args.ErrorMessage.Valid {
		j.ErrorMessage = &args.ErrorMessage.String
	}
	if args.WandbURL.Valid {
		j.WandbURL = &args.WandbURL.String
	}
	if args.OutputFile.Valid {
		j.OutputFile = &args.OutputFile.String
	}

	return nil
}

// scanJobFromRow scans a single job from a sql.Row.
func scanJobFromRow(row *sql.Row, j *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(j, args)...); err != nil {
		return err
	}
	return processJobScanArgs(j, args)
}

// scanJobs scans multiple jobs from query rows.
func scanJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		var j Job
		args := &jobScanArgs{}
		if err := rows.Scan(jobScanTargets(&j, args)...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		if err := processJobScanArgs(&j, args); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}
	return jobs, nil
}

// jobRowValues serializes a job into the value list matching
// jobSelectColumns, used by both INSERT and UPDATE.
func jobRowValues(j *Job) ([]interface{}, error) {
	envJSON, err := json.Marshal(j.Env)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal env for job %s", j.ID)
	}
	msgsJSON, err := json.Marshal(j.NotificationMessages)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal notification_messages for job %s", j.ID)
	}

	return []interface{}{
		j.ID,
		j.Command,
		j.User,
		j.NodeName,
		j.Priority,
		j.NumGPUs,
		joinInts(j.GPUIdxs),
		j.GitRepoURL,
		j.GitBranch,
		j.GitTag,
		j.ArtifactID,
		string(envJSON),
		nullString(j.Jobrc),
		joinStrings(j.Notifications),
		j.SearchWandb,
		j.IgnoreBlacklist,
		string(j.Status),
		j.CreatedAt,
		nullFloat(j.StartedAt),
		nullFloat(j.CompletedAt),
		nullInt(j.PID),
		nullString(j.Dir),
		nullString(j.ScreenSessionName),
		nullInt(j.ExitCode),
		nullString(j.ErrorMessage),
		nullString(j.WandbURL),
		j.MarkedForKill,
		string(msgsJSON),
		nullString(j.OutputFile),
	}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}
