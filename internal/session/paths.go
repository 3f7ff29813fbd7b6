package session

import (
	"os"
	"path/filepath"
)

// EnvHome overrides BaseDir.
const EnvHome = "WPP_HOME"

// BaseDir returns $WPP_HOME, or ~/.wpp.
func BaseDir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wpp")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths locates the files of one session under a base directory.
type Paths struct {
	Base string
	Name string
}

// For returns the paths of session name under BaseDir.
func For(name string) Paths {
	return Paths{Base: BaseDir(), Name: name}
}

// Dir returns the session-specific directory.
func (p Paths) Dir() string {
	return filepath.Join(p.Base, "sessions", p.Name)
}

// SocketPath returns the UDS socket path.
func (p Paths) SocketPath() string {
	return filepath.Join(p.Dir(), "daemon.sock")
}

// LockPath returns the lock file path.
func (p Paths) LockPath() string {
	return filepath.Join(p.Dir(), "LOCK")
}

// DBPath returns the record database path.
func (p Paths) DBPath() string {
	return filepath.Join(p.Dir(), "wppcache.db")
}

// BlobDir holds uploaded attachments.
func (p Paths) BlobDir() string {
	return filepath.Join(p.Dir(), "blobs")
}

// LogDir returns the log directory.
func (p Paths) LogDir() string {
	return filepath.Join(p.Dir(), "logs")
}

// LogPath returns the daemon log file path.
func (p Paths) LogPath() string {
	return filepath.Join(p.LogDir(), "wppd.log")
}

// EnsureDir creates the session directory tree with proper permissions.
func (p Paths) EnsureDir() error {
	for _, d := range []string{p.Dir(), p.LogDir(), p.BlobDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
