package server

import (
	"io"
	"net/http"

	"github.com/nexusai/nexus/artifact"
)

// handleArtifactUpload accepts a raw tar body. With ?git_sha= set, an
// earlier upload of the same commit is reused instead of storing a
// duplicate blob.
func (s *Server) handleArtifactUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	gitSHA := r.URL.Query().Get("git_sha")
	if gitSHA != "" {
		existing, err := s.artifacts.FindBySHA(gitSHA)
		if err != nil {
			writeAPIError(w, err)
			return
		}
		if existing != "" {
			s.logger.Debugw("Artifact upload deduplicated", "git_sha", gitSHA, "artifact_id", existing)
			writeJSON(w, http.StatusOK, map[string]string{"data": existing})
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, artifact.MaxSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read artifact body: "+err.Error())
		return
	}

	id, err := s.artifacts.Add(data, gitSHA)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.logger.Infow("Artifact stored", "artifact_id", id, "size", len(data), "git_sha", gitSHA)
	writeJSON(w, http.StatusCreated, map[string]string{"data": id})
}

// handleArtifactBySHA lets clients skip re-uploading a tree the server
// already has.
func (s *Server) handleArtifactBySHA(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	parts := extractPathParts(r.URL.Path, "/v1/artifacts/by-sha/")
	if len(parts) != 1 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "git sha required")
		return
	}

	id, err := s.artifacts.FindBySHA(parts[0])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exists":      id != "",
		"artifact_id": id,
	})
}
