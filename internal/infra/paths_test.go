package infra

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveStateDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("path layout differs on windows")
	}

	dir := resolveStateDir()
	assert.Contains(t, dir, "cdprelay")
	assert.True(t, filepath.IsAbs(dir))
}

func TestResolveLogDir(t *testing.T) {
	assert.Equal(t, filepath.Join(resolveStateDir(), "logs"), resolveLogDir())
}

func TestEnsureDirs(t *testing.T) {
	tempDir := t.TempDir()

	oldPaths := Paths
	defer func() { Paths = oldPaths }()

	Paths.StateDir = filepath.Join(tempDir, "state")
	Paths.LogDir = filepath.Join(tempDir, "state", "logs")

	err := EnsureDirs()
	assert.NoError(t, err)

	assert.DirExists(t, Paths.StateDir)
	assert.DirExists(t, Paths.LogDir)
}

func TestResolveStateDirRespectsXDG(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("XDG_STATE_HOME only consulted on the default OS branch")
	}

	oldXDG := os.Getenv("XDG_STATE_HOME")
	defer os.Setenv("XDG_STATE_HOME", oldXDG)

	os.Setenv("XDG_STATE_HOME", "/tmp/xdg-state")
	assert.Equal(t, "/tmp/xdg-state/cdprelay", resolveStateDir())
}
