// Package pathutil provides small path helpers shared across packages.
package pathutil

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ExpandHome expands a leading ~ or ~/ to the user's home directory.
// Paths like ~otheruser/... are returned unchanged since we cannot
// reliably resolve other users' home directories.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	return filepath.Join(home, p[2:])
}

// CleanRelative normalizes a slash-separated relative path and rejects
// anything that could escape its root: absolute paths, empty paths, and
// paths that traverse upward with "..".
func CleanRelative(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") {
		return "", fmt.Errorf("path %q is absolute, want relative", p)
	}
	cleaned := path.Clean(p)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes its root", p)
	}
	if cleaned == "." {
		return "", fmt.Errorf("path %q resolves to the root itself", p)
	}
	return cleaned, nil
}
