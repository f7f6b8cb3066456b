package autoencrypt

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readZip returns file entry name → content.
func readZip(t *testing.T, path string) map[string]string {
	t.Helper()
	r, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer r.Close()

	out := make(map[string]string)
	for _, f := range r.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func TestArchiveDirectory_RelativeEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "d")
	writeFile(t, filepath.Join(dir, "x.txt"), "x content")
	writeFile(t, filepath.Join(dir, "sub", "y.txt"), "y content")

	a := NewArchiver(quickWaiter(), nil)
	out, err := a.ArchiveDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, dir+".zip", out)
	assert.Equal(t, map[string]string{
		"x.txt":     "x content",
		"sub/y.txt": "y content",
	}, readZip(t, out))

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "source directory should be removed")
}

func TestArchiveDirectory_MarksArchiveSuppressed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "bundle")
	writeFile(t, filepath.Join(dir, "a.txt"), "a")

	suppress := NewSuppressor(time.Minute)
	a := NewArchiver(quickWaiter(), suppress)
	out, err := a.ArchiveDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.True(t, suppress.Suppressed(out))
	assert.False(t, suppress.Suppressed(dir))
}

func TestArchiveDirectory_EmptyDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.Mkdir(dir, 0755))

	out, err := NewArchiver(quickWaiter(), nil).ArchiveDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Empty(t, readZip(t, out))
	assert.False(t, exists(dir))
}

func TestArchiveDirectory_ExistingArchive(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "d")
	writeFile(t, filepath.Join(dir, "x.txt"), "x")
	writeFile(t, dir+".zip", "not ours")

	_, err := NewArchiver(quickWaiter(), nil).ArchiveDirectory(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrArchiveExists)

	// Nothing is touched.
	assert.True(t, exists(filepath.Join(dir, "x.txt")))
	got, _ := os.ReadFile(dir + ".zip")
	assert.Equal(t, "not ours", string(got))
}

func TestArchiveDirectory_WaitTimeout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "d")
	writeFile(t, filepath.Join(dir, "x.txt"), "x")

	probe := newLockProbe()
	probe.setLocked(dir, true)
	a := NewArchiver(NewAccessWaiter(probe, time.Millisecond, 20*time.Millisecond), nil)

	_, err := a.ArchiveDirectory(context.Background(), dir)
	assert.ErrorIs(t, err, ErrAccessTimeout)
	assert.True(t, exists(dir))
	assert.False(t, exists(dir+".zip"))
}

func TestArchivePath(t *testing.T) {
	assert.Equal(t, "/w/bundle.zip", ArchivePath("/w/bundle/"))
}
