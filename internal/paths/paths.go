// Package paths provides centralized path resolution for ZeroClaw's
// on-disk state: the secret store's key and ciphertext files, and the
// e-stop persisted state file.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// BaseDir returns the ZeroClaw base directory (~/.zeroclaw).
func BaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".zeroclaw"), nil
}

// DataPath returns a path within the ZeroClaw data directory
// (~/.zeroclaw/<subpath>).
func DataPath(subpath string) (string, error) {
	base, err := BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, subpath), nil
}

// SecretsKeyPath returns the default location of the secret store's AEAD
// master key (~/.zeroclaw/secrets.key).
func SecretsKeyPath() (string, error) {
	return DataPath("secrets.key")
}

// SecretsStorePath returns the default location of the encrypted secret
// store (~/.zeroclaw/secrets.enc).
func SecretsStorePath() (string, error) {
	return DataPath("secrets.enc")
}

// EstopStatePath returns the default location of the persisted e-stop
// state file (~/.zeroclaw/estop.json).
func EstopStatePath() (string, error) {
	return DataPath("estop.json")
}

// OTPSecretPath returns the default location of the encrypted OTP seed
// (~/.zeroclaw/otp-secret).
func OTPSecretPath() (string, error) {
	return DataPath("otp-secret")
}

// CopilotAccessTokenPath returns the default location of the cached GitHub
// OAuth token (~/.zeroclaw/copilot/access-token).
func CopilotAccessTokenPath() (string, error) {
	return DataPath(filepath.Join("copilot", "access-token"))
}

// CopilotAPIKeyPath returns the default location of the cached Copilot API
// key (~/.zeroclaw/copilot/api-key.json).
func CopilotAPIKeyPath() (string, error) {
	return DataPath(filepath.Join("copilot", "api-key.json"))
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}
