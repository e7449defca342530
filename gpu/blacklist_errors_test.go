package gpu_test

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusai/nexus/gpu"
)

// Driver-level failures are hard to provoke against a real SQLite
// handle; sqlmock injects them directly.
func TestBlacklistStoreDatabaseErrors(t *testing.T) {
	t.Run("list query failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT gpu_index FROM gpu_blacklist").
			WillReturnError(assert.AnError)

		_, err = gpu.NewBlacklistStore(db).List()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list blacklist")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set insert failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("INSERT OR IGNORE INTO gpu_blacklist").
			WillReturnError(assert.AnError)

		err = gpu.NewBlacklistStore(db).Set(3, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update blacklist for gpu 3")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("contains scan failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM gpu_blacklist`).
			WillReturnError(assert.AnError)

		_, err = gpu.NewBlacklistStore(db).Contains(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to check blacklist for gpu 1")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
