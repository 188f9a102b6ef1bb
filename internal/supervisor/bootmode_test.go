package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectBootModeColdOnFirstRun(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "speakersafetyd.flag")

	cold := DetectBootMode(flagPath, discardLogger())
	assert.True(t, cold)

	_, err := os.Stat(flagPath)
	require.NoError(t, err)
}

func TestDetectBootModeWarmWhenFlagAlreadyExists(t *testing.T) {
	flagPath := filepath.Join(t.TempDir(), "speakersafetyd.flag")
	require.NoError(t, os.WriteFile(flagPath, []byte("started"), 0o644))

	cold := DetectBootMode(flagPath, discardLogger())
	assert.False(t, cold)
}

func TestDetectBootModeWarmWhenDirectoryUnwritable(t *testing.T) {
	flagPath := filepath.Join("/nonexistent-speakersafetyd-dir", "speakersafetyd.flag")

	cold := DetectBootMode(flagPath, discardLogger())
	assert.False(t, cold)
}
