//go:build !windows

package secrets

import "os"

// tightenPermissions restricts the key file to owner read/write.
func tightenPermissions(path string) error {
	return os.Chmod(path, 0o600)
}
