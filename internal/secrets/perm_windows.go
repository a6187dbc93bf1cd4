//go:build windows

package secrets

import (
	"fmt"
	"os"
	"os/exec"

	. "github.com/zveroz/zeroclaw/internal/logging"
)

// tightenPermissions restricts the key file's ACL to the current user via
// icacls, since Windows has no chmod equivalent. When the username can't be
// determined, ACL tightening is skipped with a warning rather than failing
// key bootstrap outright.
func tightenPermissions(path string) error {
	user := os.Getenv("USERNAME")
	if user == "" {
		L_warn("secrets: USERNAME not set, skipping ACL tightening", "path", path)
		return nil
	}

	cmd := exec.Command("icacls", path, "/inheritance:r", "/grant:r", fmt.Sprintf("%s:F", user))
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("secrets: icacls failed: %w (%s)", err, string(output))
	}
	return nil
}
