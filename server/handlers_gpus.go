package server

import (
	"net/http"
	"strconv"

	"github.com/nexusai/nexus/gpu"
	"github.com/nexusai/nexus/job"
)

// GpuStatus is the response for blacklist mutations.
type GpuStatus struct {
	GPUIndex    int  `json:"gpu_index"`
	Blacklisted bool `json:"blacklisted"`
}

// handleGPUs lists the node's GPUs annotated with blacklist flags and
// running-job ownership.
func (s *Server) handleGPUs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	gpus, err := s.snapshotGPUs(r)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, gpus)
}

func (s *Server) snapshotGPUs(r *http.Request) ([]gpu.Info, error) {
	force := r.URL.Query().Get("refresh") == "true"
	gpus, err := s.probe.Snapshot(r.Context(), force)
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

// handleGPUBlacklist serves PUT/DELETE /v1/gpus/{idx}/blacklist.
func (s *Server) handleGPUBlacklist(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/v1/gpus/")
	if len(parts) != 2 || parts[1] != "blacklist" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	idx, err := strconv.Atoi(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid gpu index: "+parts[0])
		return
	}

	var blacklisted bool
	switch r.Method {
	case http.MethodPut:
		blacklisted = true
	case http.MethodDelete:
		blacklisted = false
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if err := s.blacklist.Set(idx, blacklisted); err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Infow("GPU blacklist updated", "gpu_index", idx, "blacklisted", blacklisted)
	writeJSON(w, http.StatusOK, GpuStatus{GPUIndex: idx, Blacklisted: blacklisted})
}
