package server

import (
	"net/http"

	"github.com/nexusai/nexus/auth"
)

// routes registers the versioned HTTP surface. Every route passes
// through the auth middleware; requests from loopback bypass the token
// check inside it.
func (s *Server) routes() {
	authed := auth.Middleware(s.token)

	route := func(pattern string, handler http.HandlerFunc) {
		s.mux.HandleFunc(pattern, authed(handler))
	}

	route("/v1/server/status", s.handleServerStatus)
	route("/v1/server/logs", s.handleServerLogs)
	route("/v1/server/ssh-keys", s.handleSSHKeys)

	route("/v1/jobs", s.handleJobs)
	route("/v1/jobs/", s.handleJobByID)

	route("/v1/gpus", s.handleGPUs)
	route("/v1/gpus/", s.handleGPUBlacklist)

	route("/v1/artifacts", s.handleArtifactUpload)
	route("/v1/artifacts/by-sha/", s.handleArtifactBySHA)

	route("/v1/health", s.handleHealth)
	route("/v1/ws", s.handleWebSocket)
}
