package fsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateDedupFileNeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.ts")

	var paths []string
	for i := 0; i < 5; i++ {
		path, f, err := CreateDedupFile(target)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		paths = append(paths, path)
	}

	seen := map[string]bool{}
	for _, p := range paths {
		require.False(t, seen[p], "path reused: %s", p)
		seen[p] = true
	}
	require.Equal(t, target, paths[0])
	require.Equal(t, filepath.Join(dir, "out-1.ts"), paths[1])
	require.Equal(t, filepath.Join(dir, "out-4.ts"), paths[4])
}

func TestCreateDedupDirNeverOverwrites(t *testing.T) {
	base := t.TempDir()
	target := filepath.Join(base, "out")

	first, err := CreateDedupDir(target)
	require.NoError(t, err)
	require.Equal(t, target, first)

	second, err := CreateDedupDir(target)
	require.NoError(t, err)
	require.Equal(t, target+"-1", second)

	third, err := CreateDedupDir(target)
	require.NoError(t, err)
	require.Equal(t, target+"-2", third)
}

func TestCreateNewFileAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")

	f, err := CreateNewFile(target)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.NoError(t, f.Close())

	f2, err := CreateNewFile(target)
	require.NoError(t, err)
	require.Nil(t, f2)
}
