// Package auth gates the HTTP surface with a single bearer token and a
// loopback bypass, and manages SSH key registration for remote session
// attach.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"

	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/errors"
)

// tokenBytes yields 48 hex characters.
const tokenBytes = 24

// LoadOrCreateToken returns the server's API token, minting and
// persisting one on first boot. The token file is owner-only.
func LoadOrCreateToken(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	}

	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "failed to generate api token")
	}
	token := hex.EncodeToString(buf)

	if err := os.WriteFile(path, []byte(token+"\n"), config.SensitiveFilePermission); err != nil {
		return "", errors.Wrapf(err, "failed to persist api token to %s", path)
	}
	return token, nil
}
