package server

import (
	"net/http"
	"strconv"

	"github.com/kballard/go-shellquote"

	"github.com/nexusai/nexus/errors"
	"github.com/nexusai/nexus/job"
)

// handleJobs serves the job collection: listing with filters and
// submission.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listJobs(w, r)
	case http.MethodPost:
		s.createJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := job.Filter{
		CommandRegex: q.Get("command_regex"),
	}
	if status := q.Get("status"); status != "" {
		if !job.IsValidStatus(status) {
			writeError(w, http.StatusBadRequest, "invalid status filter: "+status)
			return
		}
		filter.Status = job.Status(status)
	}
	if raw := q.Get("gpu_index"); raw != "" {
		idx, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid gpu_index: "+raw)
			return
		}
		filter.GPUIndex = &idx
	}
	if raw := q.Get("limit"); raw != "" {
		filter.Limit, _ = strconv.Atoi(raw)
	}
	if raw := q.Get("offset"); raw != "" {
		filter.Offset, _ = strconv.Atoi(raw)
	}

	jobs, err := s.jobs.ListJobs(filter)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	req := job.Request{NumGPUs: 1}
	if err := readJSON(w, r, &req); err != nil {
		return
	}
	if err := req.Validate(); err != nil {
		writeAPIError(w, err)
		return
	}
	if _, err := s.artifacts.Get(req.ArtifactID); err != nil {
		writeAPIError(w, err)
		return
	}

	id, err := job.GenerateID(s.jobs.Exists)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	j := job.New(&req, id, s.cfg.NodeName)
	if err := s.jobs.AddJob(j); err != nil {
		writeAPIError(w, err)
		return
	}

	s.logger.Infow("Job submitted",
		"job_id", j.ID, "user", j.User, "num_gpus", j.NumGPUs,
		"priority", j.Priority, "command", j.Command)
	s.BroadcastJobUpdate(j)

	if req.RunImmediately {
		s.sched.Wake()
	}
	writeJSON(w, http.StatusCreated, j)
}

// handleJobByID serves /v1/jobs/{id} and its sub-resources
// /v1/jobs/{id}/kill and /v1/jobs/{id}/logs.
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/v1/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "job id required")
		return
	}
	id := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "kill":
			if requireMethod(w, r, http.MethodPost) {
				s.killJob(w, id)
			}
		case "logs":
			if requireMethod(w, r, http.MethodGet) {
				s.jobLogs(w, r, id)
			}
		default:
			writeError(w, http.StatusNotFound, "unknown job sub-resource: "+parts[1])
		}
		return
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		j, err := s.jobs.GetJob(id)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, j)
	case http.MethodPatch:
		s.updateJob(w, r, id)
	case http.MethodDelete:
		s.deleteJob(w, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// updateJob edits a queued job's command or priority. Anything past
// queued is immutable.
func (s *Server) updateJob(w http.ResponseWriter, r *http.Request, id string) {
	var patch struct {
		Command  *string `json:"command"`
		Priority *int    `json:"priority"`
	}
	if err := readJSON(w, r, &patch); err != nil {
		return
	}

	j, err := s.jobs.GetJob(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if j.Status != job.StatusQueued {
		writeAPIError(w, errors.NewConflictError(
			"cannot modify job %s with status %s; only queued jobs are editable", id, j.Status))
		return
	}

	if patch.Command != nil {
		if _, err := shellquote.Split(*patch.Command); err != nil {
			writeAPIError(w, errors.NewInvalidRequestError("command does not tokenize: %v", err))
			return
		}
		j.Command = *patch.Command
	}
	if patch.Priority != nil {
		j.Priority = *patch.Priority
	}

	if err := s.jobs.UpdateJob(j); err != nil {
		writeAPIError(w, err)
		return
	}
	s.BroadcastJobUpdate(j)
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) deleteJob(w http.ResponseWriter, id string) {
	if err := s.jobs.DeleteJob(id); err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Infow("Job removed from queue", "job_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// killJob flips marked_for_kill and wakes the scheduler; the actual
// termination happens on the next tick. Idempotent for running jobs.
func (s *Server) killJob(w http.ResponseWriter, id string) {
	j, err := s.jobs.GetJob(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if j.Status != job.StatusRunning {
		writeAPIError(w, errors.NewConflictError(
			"cannot kill job %s with status %s; only running jobs can be killed", id, j.Status))
		return
	}

	if !j.MarkedForKill {
		j.MarkedForKill = true
		if err := s.jobs.UpdateJob(j); err != nil {
			writeAPIError(w, err)
			return
		}
		s.logger.Infow("Job marked for kill", "job_id", id)
	}
	s.sched.Wake()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) jobLogs(w http.ResponseWriter, r *http.Request, id string) {
	j, err := s.jobs.GetJob(id)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	lastN := 0
	if raw := r.URL.Query().Get("last_n_lines"); raw != "" {
		lastN, _ = strconv.Atoi(raw)
	}

	logs, err := s.engine.ReadLogs(j, lastN)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}
