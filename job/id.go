package job

import (
	"crypto/rand"
	"crypto/sha256"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"github.com/nexusai/nexus/errors"
)

// IDLength is the length of a job identifier.
const IDLength = 6

// maxIDAttempts bounds the collision-retry loop. With a 4-byte hash space
// a collision is already vanishingly rare; hitting the bound means the
// exists callback is broken.
const maxIDAttempts = 100

// GenerateID mints a short opaque job identifier: base58 of a truncated
// hash, lowercased so ids read differently from GPU indices. exists is
// consulted so the id is unique across all jobs past and present.
func GenerateID(exists func(id string) (bool, error)) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := newID()
		if err != nil {
			return "", err
		}
		taken, err := exists(id)
		if err != nil {
			return "", errors.Wrap(err, "failed to check job id uniqueness")
		}
		if !taken {
			return id, nil
		}
	}
	return "", errors.New("exhausted attempts generating a unique job id")
}

func newID() (string, error) {
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to read random bytes for job id")
	}

	seed := strconv.FormatFloat(float64(time.Now().UnixNano())/1e9, 'f', -1, 64)
	sum := sha256.Sum256(append([]byte(seed), nonce...))

	encoded := base58.Encode(sum[:4])
	if len(encoded) < IDLength {
		// 4 hash bytes encode to 5-6 base58 digits; pad the short case
		encoded = encoded + strings.Repeat("1", IDLength-len(encoded))
	}
	return strings.ToLower(encoded[:IDLength]), nil
}
