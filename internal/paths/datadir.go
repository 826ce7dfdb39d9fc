package paths

import (
	"os"
	"path/filepath"
)

const appName = "dht-node"

// DefaultDataDir returns a per-user directory appropriate for persisting node state.
// It prefers os.UserConfigDir and falls back to the current directory.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, appName)
	}
	return "." + appName
}

// EnsureDir makes sure dir exists and returns the cleaned path.
func EnsureDir(dir string) (string, error) {
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// NodeCachePath is where the contact cache lives inside dataDir.
func NodeCachePath(dataDir string) string {
	return filepath.Join(dataDir, "nodes.db")
}

// IdentityPath is where the node's persistent id lives inside dataDir.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, "node.id")
}

// SigningKeyPath is where the ed25519 seed for mutable records lives.
func SigningKeyPath(dataDir string) string {
	return filepath.Join(dataDir, "record.key")
}
