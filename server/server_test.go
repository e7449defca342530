package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nexusai/nexus/config"
	nexustesting "github.com/nexusai/nexus/internal/testing"
	"github.com/nexusai/nexus/internal/util"
	"github.com/nexusai/nexus/job"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	home := config.Home(t.TempDir())
	require.NoError(t, home.Ensure())

	cfg := &config.Config{
		Host: "localhost", Port: 0, NodeName: "test-node",
		RefreshRate: 3, MockGPUs: 2, LogLevel: "info",
		ExternalCallTimeout: 10, WandbSearchWindow: 720,
	}

	s, err := New(cfg, home, nexustesting.CreateTestDB(t), nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	return s
}

// do serves a request through the full mux from the loopback interface,
// which bypasses token auth the same way a local CLI does.
func do(s *Server, method, target string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	req.RemoteAddr = "127.0.0.1:50000"
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), into))
}

// uploadArtifact stores a blob and returns its id.
func uploadArtifact(t *testing.T, s *Server, query string) string {
	t.Helper()
	rec := do(s, http.MethodPost, "/v1/artifacts"+query, bytes.NewReader([]byte("tar bytes")))
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, rec.Code, rec.Body.String())
	var resp map[string]string
	decode(t, rec, &resp)
	return resp["data"]
}

func submitJob(t *testing.T, s *Server, mutate func(map[string]interface{})) job.Job {
	t.Helper()
	body := map[string]interface{}{
		"command":     "python train.py",
		"user":        "alice",
		"artifact_id": uploadArtifact(t, s, ""),
	}
	if mutate != nil {
		mutate(body)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/v1/jobs", bytes.NewReader(raw))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var j job.Job
	decode(t, rec, &j)
	return j
}

func TestAuthOnRoutes(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/gpus", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/gpus", nil)
	req.RemoteAddr = "203.0.113.9:40000"
	req.Header.Set("Authorization", "Bearer "+s.Token())
	rec = httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJobSubmitAndFetch(t *testing.T) {
	s := newTestServer(t)

	j := submitJob(t, s, func(body map[string]interface{}) {
		body["priority"] = 5
	})

	assert.Len(t, j.ID, job.IDLength)
	assert.Equal(t, job.StatusQueued, j.Status)
	assert.Equal(t, "test-node", j.NodeName)
	assert.Equal(t, 1, j.NumGPUs, "num_gpus defaults to one")
	assert.Equal(t, 5, j.Priority)

	rec := do(s, http.MethodGet, "/v1/jobs/"+j.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got job.Job
	decode(t, rec, &got)
	assert.Equal(t, j.ID, got.ID)

	rec = do(s, http.MethodGet, "/v1/jobs?status=queued", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []job.Job
	decode(t, rec, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, j.ID, jobs[0].ID)
}

func TestJobSubmitRejections(t *testing.T) {
	s := newTestServer(t)

	t.Run("invalid request", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/jobs",
			bytes.NewReader([]byte(`{"command": "python x.py", "artifact_id": "a"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "user")
	})

	t.Run("dangling artifact", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/jobs",
			bytes.NewReader([]byte(`{"command": "python x.py", "user": "alice", "artifact_id": "nope"}`)))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/jobs", bytes.NewReader([]byte(`{`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestJobListFilters(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String(), "an empty store lists as an empty array, not null")

	rec = do(s, http.MethodGet, "/v1/jobs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodGet, "/v1/jobs?gpu_index=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobUpdate(t *testing.T) {
	s := newTestServer(t)
	j := submitJob(t, s, nil)

	rec := do(s, http.MethodPatch, "/v1/jobs/"+j.ID,
		bytes.NewReader([]byte(`{"priority": 9, "command": "python eval.py"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	var updated job.Job
	decode(t, rec, &updated)
	assert.Equal(t, 9, updated.Priority)
	assert.Equal(t, "python eval.py", updated.Command)

	t.Run("bad command", func(t *testing.T) {
		rec := do(s, http.MethodPatch, "/v1/jobs/"+j.ID,
			bytes.NewReader([]byte(`{"command": "echo \"unterminated"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("running jobs are immutable", func(t *testing.T) {
		got, err := s.jobs.GetJob(j.ID)
		require.NoError(t, err)
		got.Status = job.StatusRunning
		require.NoError(t, s.jobs.UpdateJob(got))

		rec := do(s, http.MethodPatch, "/v1/jobs/"+j.ID,
			bytes.NewReader([]byte(`{"priority": 1}`)))
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestJobDelete(t *testing.T) {
	s := newTestServer(t)
	j := submitJob(t, s, nil)

	rec := do(s, http.MethodDelete, "/v1/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(s, http.MethodGet, "/v1/jobs/"+j.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobKill(t *testing.T) {
	s := newTestServer(t)
	j := submitJob(t, s, nil)

	t.Run("queued jobs cannot be killed", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/jobs/"+j.ID+"/kill", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("running jobs are marked for kill", func(t *testing.T) {
		got, err := s.jobs.GetJob(j.ID)
		require.NoError(t, err)
		got.Status = job.StatusRunning
		require.NoError(t, s.jobs.UpdateJob(got))

		rec := do(s, http.MethodPost, "/v1/jobs/"+j.ID+"/kill", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)

		marked, err := s.jobs.GetJob(j.ID)
		require.NoError(t, err)
		assert.True(t, marked.MarkedForKill)

		// Idempotent
		rec = do(s, http.MethodPost, "/v1/jobs/"+j.ID+"/kill", nil)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/jobs/zzzzzz/kill", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGPUEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, http.MethodGet, "/v1/gpus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gpus []map[string]interface{}
	decode(t, rec, &gpus)
	require.Len(t, gpus, 2, "two mock GPUs configured")

	rec = do(s, http.MethodPut, "/v1/gpus/1/blacklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status GpuStatus
	decode(t, rec, &status)
	assert.Equal(t, GpuStatus{GPUIndex: 1, Blacklisted: true}, status)

	rec = do(s, http.MethodGet, "/v1/gpus", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &gpus)
	assert.Equal(t, true, gpus[1]["is_blacklisted"])

	rec = do(s, http.MethodDelete, "/v1/gpus/1/blacklist", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &status)
	assert.False(t, status.Blacklisted)

	t.Run("bad index", func(t *testing.T) {
		rec := do(s, http.MethodPut, "/v1/gpus/abc/blacklist", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown sub-resource", func(t *testing.T) {
		rec := do(s, http.MethodPut, "/v1/gpus/1/retire", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestArtifactEndpoints(t *testing.T) {
	s := newTestServer(t)

	t.Run("upload dedup by commit", func(t *testing.T) {
		first := uploadArtifact(t, s, "?git_sha=deadbeef")
		second := uploadArtifact(t, s, "?git_sha=deadbeef")
		assert.Equal(t, first, second)
	})

	t.Run("by-sha lookup", func(t *testing.T) {
		id := uploadArtifact(t, s, "?git_sha=cafef00d")

		rec := do(s, http.MethodGet, "/v1/artifacts/by-sha/cafef00d", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Exists     bool   `json:"exists"`
			ArtifactID string `json:"artifact_id"`
		}
		decode(t, rec, &resp)
		assert.True(t, resp.Exists)
		assert.Equal(t, id, resp.ArtifactID)

		rec = do(s, http.MethodGet, "/v1/artifacts/by-sha/0000000", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		decode(t, rec, &resp)
		assert.False(t, resp.Exists)
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		rec := do(s, http.MethodPost, "/v1/artifacts", bytes.NewReader(nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServerStatus(t *testing.T) {
	s := newTestServer(t)
	submitJob(t, s, nil)

	rec := do(s, http.MethodGet, "/v1/server/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]interface{}
	decode(t, rec, &status)
	assert.Equal(t, float64(2), status["gpu_count"])
	assert.Equal(t, float64(1), status["queued_jobs"])
	assert.Equal(t, float64(0), status["running_jobs"])
	assert.NotEmpty(t, status["server_version"])
}

func TestServerLogs(t *testing.T) {
	s := newTestServer(t)

	// No log file yet; the endpoint degrades to empty logs
	rec := do(s, http.MethodGet, "/v1/server/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "", resp["logs"])
}

func TestSSHKeyEndpoint(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	s := newTestServer(t)

	body := []byte(`{"public_key": "ssh-ed25519 ZmFrZSBrZXkgbWF0ZXJpYWw= alice@laptop"}`)
	rec := do(s, http.MethodPost, "/v1/server/ssh-keys", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	decode(t, rec, &resp)
	assert.Equal(t, "added", resp["status"])

	rec = do(s, http.MethodPost, "/v1/server/ssh-keys", bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	assert.Equal(t, "exists", resp["status"])

	rec = do(s, http.MethodPost, "/v1/server/ssh-keys",
		bytes.NewReader([]byte(`{"public_key": "garbage"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := do(s, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var brief map[string]interface{}
	decode(t, rec, &brief)
	assert.Contains(t, brief, "status")
	assert.Contains(t, brief, "score")
	assert.NotContains(t, brief, "disk")

	rec = do(s, http.MethodGet, "/v1/health?detailed=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var detailed map[string]interface{}
	decode(t, rec, &detailed)
	assert.Contains(t, detailed, "disk")
	assert.Contains(t, detailed, "system")
}

func TestMethodNotAllowed(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodDelete, "/v1/gpus", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodPut, "/v1/jobs", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(s, http.MethodGet, "/v1/artifacts", nil).Code)
}

func TestJobLogsEndpoint(t *testing.T) {
	s := newTestServer(t)
	j := submitJob(t, s, nil)

	t.Run("queued job has no logs yet", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/v1/jobs/"+j.ID+"/logs", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	// Give the job a working directory with an output log, as the
	// engine would after launch.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.log"),
		[]byte("one\ntwo\nthree\n"), 0o644))
	stored, err := s.jobs.GetJob(j.ID)
	require.NoError(t, err)
	stored.Dir = util.Ptr(dir)
	require.NoError(t, s.jobs.UpdateJob(stored))

	t.Run("full log", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/v1/jobs/"+j.ID+"/logs", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		decode(t, rec, &resp)
		assert.Equal(t, "one\ntwo\nthree\n", resp["logs"])
	})

	t.Run("tail", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/v1/jobs/"+j.ID+"/logs?last_n_lines=2", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp map[string]string
		decode(t, rec, &resp)
		assert.Equal(t, "two\nthree", resp["logs"])
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := do(s, http.MethodGet, "/v1/jobs/zzzzzz/logs", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
