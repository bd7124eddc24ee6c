// Package infra provides filesystem path conventions shared by the CLI.
package infra

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds the directories used for state that outlives a single relay
// process: the single-instance lock file and PID file written by the
// foreground CLI guard in internal/cli/commands.
var Paths = struct {
	StateDir string
	LogDir   string
}{
	StateDir: resolveStateDir(),
	LogDir:   resolveLogDir(),
}

func resolveStateDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "cdprelay")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "cdprelay")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "cdprelay")
	default:
		if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
			return filepath.Join(xdg, "cdprelay")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "state", "cdprelay")
	}
}

func resolveLogDir() string {
	return filepath.Join(resolveStateDir(), "logs")
}

// EnsureDirs creates the directories Paths names.
func EnsureDirs() error {
	for _, dir := range []string{Paths.StateDir, Paths.LogDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
