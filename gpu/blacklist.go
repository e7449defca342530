package gpu

import (
	"database/sql"
	"time"

	"github.com/nexusai/nexus/errors"
)

// BlacklistStore persists the set of GPU indices the scheduler must avoid.
type BlacklistStore struct {
	db *sql.DB
}

// NewBlacklistStore creates a blacklist store over an open database.
func NewBlacklistStore(db *sql.DB) *BlacklistStore {
	return &BlacklistStore{db: db}
}

// Set adds or removes a GPU index. Both directions are idempotent.
func (s *BlacklistStore) Set(idx int, blacklisted bool) error {
	if idx < 0 {
		return errors.NewInvalidRequestError("gpu index must be non-negative, got %d", idx)
	}

	var err error
	if blacklisted {
		_, err = s.db.Exec(
			"INSERT OR IGNORE INTO gpu_blacklist (gpu_index, blacklisted_at) VALUES (?, ?)",
			idx, float64(time.Now().UnixNano())/1e9,
		)
	} else {
		_, err = s.db.Exec("DELETE FROM gpu_blacklist WHERE gpu_index = ?", idx)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to update blacklist for gpu %d", idx)
	}
	return nil
}

// List returns the blacklisted GPU indices in ascending order.
func (s *BlacklistStore) List() ([]int, error) {
	rows, err := s.db.Query("SELECT gpu_index FROM gpu_blacklist ORDER BY gpu_index ASC")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list blacklist")
	}
	defer rows.Close()

	var idxs []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, errors.Wrap(err, "failed to scan blacklist row")
		}
		idxs = append(idxs, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating blacklist")
	}
	return idxs, nil
}

// Contains reports whether a GPU index is blacklisted.
func (s *BlacklistStore) Contains(idx int) (bool, error) {
	var exists bool
	err := s.db.QueryRow("SELECT EXISTS(SELECT 1 FROM gpu_blacklist WHERE gpu_index = ?)", idx).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check blacklist for gpu %d", idx)
	}
	return exists, nil
}
