package job_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/nexus/errors"
	nexustesting "github.com/nexusai/nexus/internal/testing"
	"github.com/nexusai/nexus/internal/util"
	"github.com/nexusai/nexus/job"
)

func testJob(id string) job.Job {
	req := job.Request{
		Command:    "python train.py",
		User:       "alice",
		ArtifactID: "artifact-1",
		NumGPUs:    1,
	}
	return job.New(&req, id, "node-1")
}

func TestStoreAddGetRoundtrip(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	j := testJob("aaa111")
	j.Env = map[string]string{"WANDB_API_KEY": "secret", "FOO": "bar"}
	j.Notifications = []string{"discord"}
	j.Jobrc = util.Ptr("export PATH=$PATH:/opt/bin")
	j.NotificationMessages = map[string]string{"discord_start_job": "msg-123"}
	j.OutputFile = util.Ptr("/home/alice/out.csv")

	require.NoError(t, store.AddJob(j))

	got, err := store.GetJob("aaa111")
	require.NoError(t, err)
	assert.Equal(t, j.Command, got.Command)
	assert.Equal(t, j.Env, got.Env)
	assert.Equal(t, j.Notifications, got.Notifications)
	assert.Equal(t, j.NotificationMessages, got.NotificationMessages)
	require.NotNil(t, got.Jobrc)
	assert.Equal(t, *j.Jobrc, *got.Jobrc)
	require.NotNil(t, got.OutputFile)
	assert.Equal(t, *j.OutputFile, *got.OutputFile)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.ExitCode)
	assert.Empty(t, got.GPUIdxs)
}

func TestStoreAddDuplicate(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	require.NoError(t, store.AddJob(testJob("aaa111")))
	err := store.AddJob(testJob("aaa111"))
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))
}

func TestStoreGetNotFound(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	_, err := store.GetJob("nope12")
	require.Error(t, err)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreExists(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	taken, err := store.Exists("aaa111")
	require.NoError(t, err)
	assert.False(t, taken)

	require.NoError(t, store.AddJob(testJob("aaa111")))
	taken, err = store.Exists("aaa111")
	require.NoError(t, err)
	assert.True(t, taken)
}

func TestStoreUpdateJob(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	j := testJob("aaa111")
	require.NoError(t, store.AddJob(j))

	j.Status = job.StatusRunning
	j.GPUIdxs = []int{0, 2}
	j.StartedAt = util.Ptr(float64(time.Now().Unix()))
	j.PID = util.Ptr(4242)
	require.NoError(t, store.UpdateJob(j))

	got, err := store.GetJob("aaa111")
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, got.Status)
	assert.Equal(t, []int{0, 2}, got.GPUIdxs)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)
}

func TestStoreQueuedOrdering(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	// Same priority resolves by submission order; higher priority jumps
	// the queue regardless of age.
	old := testJob("old111")
	old.CreatedAt = 100
	mid := testJob("mid111")
	mid.CreatedAt = 200
	urgent := testJob("urgent")
	urgent.CreatedAt = 300
	urgent.Priority = 10

	require.NoError(t, store.AddJob(mid))
	require.NoError(t, store.AddJob(old))
	require.NoError(t, store.AddJob(urgent))

	jobs, err := store.ListByStatus(job.StatusQueued)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "urgent", jobs[0].ID)
	assert.Equal(t, "old111", jobs[1].ID)
	assert.Equal(t, "mid111", jobs[2].ID)
}

func TestStoreTerminalOrdering(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	first := testJob("aaa111")
	first.Status = job.StatusCompleted
	first.CompletedAt = util.Ptr(100.0)
	second := testJob("bbb222")
	second.Status = job.StatusCompleted
	second.CompletedAt = util.Ptr(200.0)

	require.NoError(t, store.AddJob(first))
	require.NoError(t, store.AddJob(second))

	jobs, err := store.ListByStatus(job.StatusCompleted)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "bbb222", jobs[0].ID, "most recently finished first")
}

func TestStoreListFilters(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	train := testJob("aaa111")
	train.Command = "python train.py"
	train.Status = job.StatusRunning
	train.GPUIdxs = []int{0}
	train.StartedAt = util.Ptr(100.0)

	eval := testJob("bbb222")
	eval.Command = "python eval.py"
	eval.Status = job.StatusRunning
	eval.GPUIdxs = []int{1}
	eval.StartedAt = util.Ptr(200.0)

	require.NoError(t, store.AddJob(train))
	require.NoError(t, store.AddJob(eval))

	t.Run("command regex", func(t *testing.T) {
		jobs, err := store.ListJobs(job.Filter{CommandRegex: `train\.py`})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "aaa111", jobs[0].ID)
	})

	t.Run("invalid regex", func(t *testing.T) {
		_, err := store.ListJobs(job.Filter{CommandRegex: `[unclosed`})
		require.Error(t, err)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("gpu membership", func(t *testing.T) {
		jobs, err := store.ListJobs(job.Filter{GPUIndex: util.Ptr(1)})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "bbb222", jobs[0].ID)
	})

	t.Run("limit and offset", func(t *testing.T) {
		jobs, err := store.ListJobs(job.Filter{Status: job.StatusRunning, Limit: 1})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "aaa111", jobs[0].ID)

		jobs, err = store.ListJobs(job.Filter{Status: job.StatusRunning, Offset: 1})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "bbb222", jobs[0].ID)

		jobs, err = store.ListJobs(job.Filter{Status: job.StatusRunning, Offset: 5})
		require.NoError(t, err)
		assert.Empty(t, jobs)
	})
}

func TestStoreCountJobs(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	queued := testJob("aaa111")
	running := testJob("bbb222")
	running.Status = job.StatusRunning
	require.NoError(t, store.AddJob(queued))
	require.NoError(t, store.AddJob(running))

	n, err := store.CountJobs(job.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.CountJobs("")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreDeleteJob(t *testing.T) {
	db := nexustesting.CreateTestDB(t)
	store := job.NewStore(db)

	insertArtifact := func(t *testing.T, id string) {
		t.Helper()
		_, err := db.Exec(
			"INSERT INTO artifacts (id, data, size, created_at) VALUES (?, ?, ?, ?)",
			id, []byte("tar"), 3, 100.0)
		require.NoError(t, err)
	}
	artifactExists := func(t *testing.T, id string) bool {
		t.Helper()
		var exists bool
		require.NoError(t, db.QueryRow(
			"SELECT EXISTS(SELECT 1 FROM artifacts WHERE id = ?)", id).Scan(&exists))
		return exists
	}

	t.Run("not found", func(t *testing.T) {
		err := store.DeleteJob("nope12")
		require.Error(t, err)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("running job is a conflict", func(t *testing.T) {
		j := testJob("run111")
		j.Status = job.StatusRunning
		require.NoError(t, store.AddJob(j))

		err := store.DeleteJob("run111")
		require.Error(t, err)
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("deletes queued job and orphaned artifact", func(t *testing.T) {
		insertArtifact(t, "art-orphan")
		j := testJob("del111")
		j.ArtifactID = "art-orphan"
		require.NoError(t, store.AddJob(j))

		require.NoError(t, store.DeleteJob("del111"))

		_, err := store.GetJob("del111")
		assert.True(t, errors.IsNotFoundError(err))
		assert.False(t, artifactExists(t, "art-orphan"))
	})

	t.Run("keeps artifact still referenced by a live job", func(t *testing.T) {
		insertArtifact(t, "art-shared")
		doomed := testJob("del222")
		doomed.ArtifactID = "art-shared"
		keeper := testJob("keep11")
		keeper.ArtifactID = "art-shared"
		require.NoError(t, store.AddJob(doomed))
		require.NoError(t, store.AddJob(keeper))

		require.NoError(t, store.DeleteJob("del222"))
		assert.True(t, artifactExists(t, "art-shared"))
	})
}

func TestStoreSetWandbURL(t *testing.T) {
	store := job.NewStore(nexustesting.CreateTestDB(t))

	t.Run("records the URL for a running job", func(t *testing.T) {
		j := testJob("run111")
		j.Status = job.StatusRunning
		require.NoError(t, store.AddJob(j))

		updated, err := store.SetWandbURL("run111", "https://wandb.ai/team/proj/runs/abc")
		require.NoError(t, err)
		assert.True(t, updated)

		got, err := store.GetJob("run111")
		require.NoError(t, err)
		require.NotNil(t, got.WandbURL)
		assert.Equal(t, "https://wandb.ai/team/proj/runs/abc", *got.WandbURL)
		assert.Equal(t, job.StatusRunning, got.Status)
	})

	t.Run("refuses to touch a terminal job", func(t *testing.T) {
		j := testJob("done11")
		j.Status = job.StatusCompleted
		j.CompletedAt = util.Ptr(float64(time.Now().UnixNano()) / 1e9)
		require.NoError(t, store.AddJob(j))

		updated, err := store.SetWandbURL("done11", "https://wandb.ai/team/proj/runs/xyz")
		require.NoError(t, err)
		assert.False(t, updated, "a finalized record must not move backwards")

		got, err := store.GetJob("done11")
		require.NoError(t, err)
		assert.Nil(t, got.WandbURL)
		assert.Equal(t, job.StatusCompleted, got.Status)
	})

	t.Run("unknown job is a no-op", func(t *testing.T) {
		updated, err := store.SetWandbURL("nope12", "https://wandb.ai/x/y/runs/z")
		require.NoError(t, err)
		assert.False(t, updated)
	})
}
