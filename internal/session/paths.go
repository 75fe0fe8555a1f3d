package session

import (
	"os"
	"path/filepath"
)

const DefaultName = "main"

// BaseDir returns ~/.connexa.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".connexa")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// CacheDBPath returns the local sqlite cache path.
func CacheDBPath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "connexad.log")
}

// ControlSocketPath returns the unix socket the control API listens on.
func ControlSocketPath(name string) string {
	return filepath.Join(Dir(name), "control.sock")
}

// ConfigPath returns the per-session config file path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "session.toml")
}

// EnsureDir creates the session directory tree with 0700 permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
