package artifact_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/nexus/artifact"
	"github.com/nexusai/nexus/errors"
	nexustesting "github.com/nexusai/nexus/internal/testing"
)

func TestStoreAddGet(t *testing.T) {
	store := artifact.NewStore(nexustesting.CreateTestDB(t))

	data := []byte("fake tar bytes")
	id, err := store.Add(data, "deadbeef")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	a, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	assert.Equal(t, int64(len(data)), a.Size)
	assert.Equal(t, "deadbeef", a.GitSHA)
	assert.NotZero(t, a.CreatedAt)

	got, err := store.Data(id)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestStoreAddRejections(t *testing.T) {
	store := artifact.NewStore(nexustesting.CreateTestDB(t))

	_, err := store.Add(nil, "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "empty")
}

func TestStoreGetNotFound(t *testing.T) {
	store := artifact.NewStore(nexustesting.CreateTestDB(t))

	_, err := store.Get("missing")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.Data("missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreFindBySHA(t *testing.T) {
	store := artifact.NewStore(nexustesting.CreateTestDB(t))

	id, err := store.FindBySHA("deadbeef")
	require.NoError(t, err)
	assert.Empty(t, id, "unknown sha finds nothing")

	id, err = store.FindBySHA("")
	require.NoError(t, err)
	assert.Empty(t, id, "empty sha never matches")

	want, err := store.Add([]byte("tar"), "deadbeef")
	require.NoError(t, err)

	id, err = store.FindBySHA("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, want, id)
}

func TestStoreInUseAndGC(t *testing.T) {
	db := nexustesting.CreateTestDB(t)
	store := artifact.NewStore(db)

	id, err := store.Add([]byte("tar"), "")
	require.NoError(t, err)

	addJob := func(t *testing.T, jobID, status string) {
		t.Helper()
		_, err := db.Exec(
			"INSERT INTO jobs (id, command, user, node_name, artifact_id, status, created_at) VALUES (?, 'cmd', 'alice', 'node-1', ?, ?, 100.0)",
			jobID, id, status)
		require.NoError(t, err)
	}

	t.Run("unreferenced artifact is collected", func(t *testing.T) {
		inUse, err := store.InUse(id)
		require.NoError(t, err)
		assert.False(t, inUse)

		deleted, err := store.DeleteIfUnused(id)
		require.NoError(t, err)
		assert.True(t, deleted)

		_, err = store.Get(id)
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("live reference blocks collection", func(t *testing.T) {
		id, err = store.Add([]byte("tar"), "")
		require.NoError(t, err)
		addJob(t, "aaa111", "queued")

		inUse, err := store.InUse(id)
		require.NoError(t, err)
		assert.True(t, inUse)

		deleted, err := store.DeleteIfUnused(id)
		require.NoError(t, err)
		assert.False(t, deleted)

		_, err = store.Get(id)
		assert.NoError(t, err)
	})

	t.Run("terminal reference does not block collection", func(t *testing.T) {
		_, err := db.Exec("UPDATE jobs SET status = 'completed' WHERE id = 'aaa111'")
		require.NoError(t, err)

		deleted, err := store.DeleteIfUnused(id)
		require.NoError(t, err)
		assert.True(t, deleted)
	})
}
