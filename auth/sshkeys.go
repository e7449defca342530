package auth

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/nexusai/nexus/config"
	"github.com/nexusai/nexus/errors"
)

var sshKeyPrefixes = []string{"ssh-ed25519", "ssh-rsa", "ecdsa-"}

// ValidateSSHKey checks that a public key line looks like an OpenSSH
// public key: a known algorithm prefix followed by a base64 blob.
func ValidateSSHKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.NewInvalidRequestError("public_key cannot be empty")
	}

	fields := strings.Fields(key)
	if len(fields) < 2 {
		return errors.NewInvalidRequestError("public key must have an algorithm and a key body")
	}

	validPrefix := false
	for _, prefix := range sshKeyPrefixes {
		if strings.HasPrefix(fields[0], prefix) {
			validPrefix = true
			break
		}
	}
	if !validPrefix {
		return errors.NewInvalidRequestError("unsupported key algorithm %q", fields[0])
	}

	if _, err := base64.StdEncoding.DecodeString(fields[1]); err != nil {
		return errors.NewInvalidRequestError("key body is not valid base64")
	}
	return nil
}

// AddSSHKey appends a public key to ~/.ssh/authorized_keys so remote
// clients can attach to job sessions over SSH. Returns "added" or
// "exists".
func AddSSHKey(key string) (string, error) {
	if err := ValidateSSHKey(key); err != nil {
		return "", err
	}
	key = strings.TrimSpace(key)

	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "could not determine home directory")
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return "", errors.Wrapf(err, "failed to create %s", sshDir)
	}
	authorizedKeys := filepath.Join(sshDir, "authorized_keys")

	existing, err := os.ReadFile(authorizedKeys)
	if err != nil && !os.IsNotExist(err) {
		return "", errors.Wrapf(err, "failed to read %s", authorizedKeys)
	}
	for _, line := range strings.Split(string(existing), "\n") {
		if strings.TrimSpace(line) == key {
			return "exists", nil
		}
	}

	f, err := os.OpenFile(authorizedKeys,
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, config.SensitiveFilePermission)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %s", authorizedKeys)
	}
	defer f.Close()

	if _, err := f.WriteString(key + "\n"); err != nil {
		return "", errors.Wrapf(err, "failed to append key to %s", authorizedKeys)
	}
	return "added", nil
}
