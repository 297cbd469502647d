package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment line\nFOO_KEY=bar\n\nSPACED_KEY = value \nQUOTED_KEY=\"quoted value\"\nnot-a-pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("FOO_KEY", "")
	t.Setenv("SPACED_KEY", "")
	t.Setenv("QUOTED_KEY", "")
	require.NoError(t, LoadEnv(path))

	assert.Equal(t, "bar", os.Getenv("FOO_KEY"))
	assert.Equal(t, "value", os.Getenv("SPACED_KEY"))
	assert.Equal(t, "quoted value", os.Getenv("QUOTED_KEY"))
}

func TestLoadEnvMissingFile(t *testing.T) {
	err := LoadEnv("definitely-not-here.env")
	assert.Error(t, err)
}

func TestLoadDefaultEnvSkipsConfiguredProcess(t *testing.T) {
	// explicit settings win; the loader must not even look for a file
	t.Setenv("LOG_LEVEL", "debug")
	assert.NoError(t, LoadDefaultEnv())
}
