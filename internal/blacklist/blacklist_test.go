package blacklist

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestLoadMissingFileAllowsEverything(t *testing.T) {
	dir := t.TempDir()
	bl, err := Load(filepath.Join(dir, "nope.txt"), nil)
	require.NoError(t, err)
	defer bl.Close()

	assert.True(t, bl.ServerIsAllowed("anything.example.com"))
}

func TestLoadBlocksListedHosts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	writeFile(t, path, "# comment\nblocked.example.com\n\nOther.Example.COM\n")

	bl, err := Load(path, nil)
	require.NoError(t, err)
	defer bl.Close()

	assert.False(t, bl.ServerIsAllowed("blocked.example.com"))
	assert.False(t, bl.ServerIsAllowed("other.example.com"), "matching must be case-insensitive")
	assert.True(t, bl.ServerIsAllowed("allowed.example.com"))
}

func TestHotReloadPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked.txt")
	writeFile(t, path, "first.example.com\n")

	bl, err := Load(path, nil)
	require.NoError(t, err)
	defer bl.Close()

	require.False(t, bl.ServerIsAllowed("first.example.com"))

	writeFile(t, path, "second.example.com\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bl.ServerIsAllowed("first.example.com") && !bl.ServerIsAllowed("second.example.com") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.True(t, bl.ServerIsAllowed("first.example.com"), "entries removed from the file should no longer block")
	assert.False(t, bl.ServerIsAllowed("second.example.com"))
}
