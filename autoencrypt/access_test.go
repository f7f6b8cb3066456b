package autoencrypt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessWaiter_ReturnsWhenAccessible(t *testing.T) {
	probe := newLockProbe()
	w := NewAccessWaiter(probe, time.Millisecond, time.Second)

	require.NoError(t, w.WaitUntilAccessible(context.Background(), "/w/a.txt"))
	assert.Equal(t, 1, probe.grants())
	assert.True(t, w.Accessible("/w/a.txt"))
}

func TestAccessWaiter_BlocksWhileLocked(t *testing.T) {
	probe := newLockProbe()
	probe.setLocked("/w/a.txt", true)
	w := NewAccessWaiter(probe, 5*time.Millisecond, 0)

	result := make(chan error, 1)
	go func() {
		result <- w.WaitUntilAccessible(context.Background(), "/w/a.txt")
	}()

	select {
	case <-result:
		t.Fatal("wait returned while the lock was held")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, probe.grants())

	probe.setLocked("/w/a.txt", false)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait should have returned after unlock")
	}
	assert.Equal(t, 1, probe.grants())
}

func TestAccessWaiter_Timeout(t *testing.T) {
	probe := newLockProbe()
	probe.setLocked("/w/a.txt", true)
	w := NewAccessWaiter(probe, 5*time.Millisecond, 30*time.Millisecond)

	err := w.WaitUntilAccessible(context.Background(), "/w/a.txt")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAccessTimeout))
	assert.Contains(t, err.Error(), "/w/a.txt")
}

func TestAccessWaiter_ContextCancelled(t *testing.T) {
	probe := newLockProbe()
	probe.setLocked("/w/a.txt", true)
	w := NewAccessWaiter(probe, 5*time.Millisecond, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := w.WaitUntilAccessible(ctx, "/w/a.txt")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAccessWaiter_DefaultInterval(t *testing.T) {
	w := NewAccessWaiter(newLockProbe(), 0, 0)
	assert.Equal(t, defaultPollInterval, w.interval)
}

// lockingFs fails renames of locked paths, like a Windows share would.
type lockingFs struct {
	afero.Fs
	locked map[string]bool
}

func (fs lockingFs) Rename(oldname, newname string) error {
	if fs.locked[oldname] {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrPermission}
	}
	return fs.Fs.Rename(oldname, newname)
}

func TestRenameProbe(t *testing.T) {
	dir := t.TempDir()
	free := filepath.Join(dir, "free.txt")
	held := filepath.Join(dir, "held.txt")
	writeFile(t, free, "a")
	writeFile(t, held, "b")

	probe := RenameProbe{Fs: lockingFs{Fs: afero.NewOsFs(), locked: map[string]bool{held: true}}}

	assert.True(t, probe.Accessible(free))
	assert.True(t, probe.Accessible(dir))
	assert.False(t, probe.Accessible(held))
	assert.False(t, probe.Accessible(filepath.Join(dir, "missing.txt")))

	// The probe must not disturb the file.
	got, err := os.ReadFile(free)
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestStableProbe(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, fs.MkdirAll("/w/bundle/sub", 0755))
	require.NoError(t, afero.WriteFile(fs, "/w/bundle/sub/y.txt", []byte("y"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/w/a.txt", []byte("a"), 0644))
	for _, p := range []string{"/w/bundle", "/w/bundle/sub", "/w/bundle/sub/y.txt", "/w/a.txt"} {
		require.NoError(t, fs.Chtimes(p, base, base))
	}

	probe := StableProbe{Fs: fs, StableFor: time.Second, Now: func() time.Time { return base.Add(2 * time.Second) }}
	assert.True(t, probe.Accessible("/w/a.txt"))
	assert.True(t, probe.Accessible("/w/bundle"))
	assert.False(t, probe.Accessible("/w/missing"))

	// A recent write deep in the tree keeps the directory busy.
	recent := base.Add(1500 * time.Millisecond)
	require.NoError(t, fs.Chtimes("/w/bundle/sub/y.txt", recent, recent))
	assert.False(t, probe.Accessible("/w/bundle"))
	assert.True(t, probe.Accessible("/w/a.txt"))
}

func TestAllProbes(t *testing.T) {
	a, b := newLockProbe(), newLockProbe()
	probes := AllProbes{a, b}

	assert.True(t, probes.Accessible("/x"))
	b.setLocked("/x", true)
	assert.False(t, probes.Accessible("/x"))
	assert.True(t, AllProbes{}.Accessible("/x"))
}
