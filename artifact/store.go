// Package artifact stores the tar archives jobs run against. Artifacts
// are reference-counted by live jobs and garbage-collected once nothing
// queued or running points at them.
package artifact

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nexusai/nexus/errors"
)

// MaxSize caps artifact uploads at 512 MB.
const MaxSize = 512 << 20

// Artifact is a stored source-tree tar.
type Artifact struct {
	ID        string  `json:"id"`
	Size      int64   `json:"size"`
	CreatedAt float64 `json:"created_at"`
	GitSHA    string  `json:"git_sha,omitempty"`
}

// Store handles artifact persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates an artifact store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Add stores a tar blob and returns its server-minted id. gitSHA may be
// empty; when present it enables upload dedup via FindBySHA.
func (s *Store) Add(data []byte, gitSHA string) (string, error) {
	if len(data) == 0 {
		return "", errors.NewInvalidRequestError("artifact is empty")
	}
	if len(data) > MaxSize {
		return "", errors.NewInvalidRequestError("artifact exceeds maximum size of %d bytes", MaxSize)
	}

	id := uuid.New().String()
	createdAt := float64(time.Now().UnixNano()) / 1e9

	sha := sql.NullString{String: gitSHA, Valid: gitSHA != ""}
	_, err := s.db.Exec(
		"INSERT INTO artifacts (id, data, size, created_at, git_sha) VALUES (?, ?, ?, ?, ?)",
		id, data, len(data), createdAt, sha,
	)
	if err != nil {
		return "", errors.Wrap(err, "failed to store artifact")
	}
	return id, nil
}

// Get returns artifact metadata by id.
func (s *Store) Get(id string) (Artifact, error) {
	var a Artifact
	var sha sql.NullString
	err := s.db.QueryRow(
		"SELECT id, size, created_at, git_sha FROM artifacts WHERE id = ?", id,
	).Scan(&a.ID, &a.Size, &a.CreatedAt, &sha)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, errors.NewNotFoundError("artifact not found: %s", id)
	}
	if err != nil {
		return Artifact{}, errors.Wrapf(err, "failed to get artifact %s", id)
	}
	a.GitSHA = sha.String
	return a, nil
}

// Data returns the tar bytes for an artifact. Satisfies job.ArtifactSource.
func (s *Store) Data(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM artifacts WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("artifact not found: %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read artifact %s", id)
	}
	return data, nil
}

// FindBySHA returns the id of an artifact previously uploaded for the
// given commit, or "" when none exists.
func (s *Store) FindBySHA(gitSHA string) (string, error) {
	if gitSHA == "" {
		return "", nil
	}
	var id string
	err := s.db.QueryRow(
		"SELECT id FROM artifacts WHERE git_sha = ? ORDER BY created_at DESC LIMIT 1", gitSHA,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to look up artifact by sha %s", gitSHA)
	}
	return id, nil
}

// InUse reports whether any live (queued or running) job references the
// artifact.
func (s *Store) InUse(id string) (bool, error) {
	var inUse bool
	err := s.db.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM jobs WHERE artifact_id = ? AND status IN ('queued', 'running'))", id,
	).Scan(&inUse)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check artifact %s references", id)
	}
	return inUse, nil
}

// DeleteIfUnused removes the artifact unless a live job still references
// it. The in-use check and the delete run in one transaction so a
// concurrently submitting client cannot slip a new reference in between.
// Returns true when the artifact was deleted.
func (s *Store) DeleteIfUnused(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, errors.Wrap(err, "failed to begin artifact GC transaction")
	}
	defer tx.Rollback()

	var inUse bool
	err = tx.QueryRow(
		"SELECT EXISTS(SELECT 1 FROM jobs WHERE artifact_id = ? AND status IN ('queued', 'running'))", id,
	).Scan(&inUse)
	if err != nil {
		return false, errors.Wrapf(err, "failed to check artifact %s references", id)
	}
	if inUse {
		return false, nil
	}

	if _, err := tx.Exec("DELETE FROM artifacts WHERE id = ?", id); err != nil {
		return false, errors.Wrapf(err, "failed to delete artifact %s", id)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit artifact GC")
	}
	return true, nil
}
