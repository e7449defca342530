package server

import (
	"net/http"
	"os"
	"os/user"
	"strconv"
	"strings"

	"github.com/nexusai/nexus/auth"
	"github.com/nexusai/nexus/job"
	"github.com/nexusai/nexus/logger"
	"github.com/nexusai/nexus/version"
)

const defaultServerLogLines = 1000

// handleServerStatus reports queue depths and server identity.
func (s *Server) handleServerStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	gpus, err := s.probe.Snapshot(r.Context(), false)
	if err != nil {
		s.logger.Warnw("GPU probe failed for status endpoint", "error", err)
	}

	queued, err := s.jobs.CountJobs(job.StatusQueued)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	running, err := s.jobs.CountJobs(job.StatusRunning)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	completed, err := s.jobs.CountJobs(job.StatusCompleted)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	serverUser := ""
	if u, err := user.Current(); err == nil {
		serverUser = u.Username
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"gpu_count":      len(gpus),
		"queued_jobs":    queued,
		"running_jobs":   running,
		"completed_jobs": completed,
		"server_user":    serverUser,
		"server_version": version.Version,
	})
}

// handleServerLogs returns the tail of the server log file.
func (s *Server) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	lastN := defaultServerLogLines
	if raw := r.URL.Query().Get("last_n_lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			lastN = n
		}
	}

	data, err := os.ReadFile(logger.LogFilePath(s.home.LogsDir()))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"logs": ""})
		return
	}

	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if lastN < len(lines) {
		lines = lines[len(lines)-lastN:]
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": strings.Join(lines, "\n")})
}

// handleSSHKeys registers a public key for later session attach over SSH.
func (s *Server) handleSSHKeys(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		PublicKey string `json:"public_key"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	status, err := auth.AddSSHKey(req.PublicKey)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Infow("SSH key registration", "status", status)
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

// handleHealth serves the node health snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	snapshot, err := s.checker.Check()
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if r.URL.Query().Get("detailed") == "true" {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": snapshot.Status,
		"score":  snapshot.Score,
	})
}
