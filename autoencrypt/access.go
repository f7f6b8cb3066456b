package autoencrypt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/afero"
)

const (
	defaultPollInterval  = 100 * time.Millisecond
	defaultAccessTimeout = 10 * time.Minute
)

// Probe reports whether a path is currently free for exclusive use.
type Probe interface {
	Accessible(path string) bool
}

// RenameProbe renames the path onto itself. On platforms with mandatory
// locking the rename fails while another process holds the file open.
type RenameProbe struct {
	Fs afero.Fs
}

func (p RenameProbe) Accessible(path string) bool {
	return p.Fs.Rename(path, path) == nil
}

// StableProbe reports a path as accessible once nothing under it has been
// modified for StableFor. Directories use the newest modtime in the tree.
type StableProbe struct {
	Fs        afero.Fs
	StableFor time.Duration
	Now       func() time.Time
}

func (p StableProbe) Accessible(path string) bool {
	info, err := p.Fs.Stat(path)
	if err != nil {
		return false
	}
	latest := info.ModTime()
	if info.IsDir() {
		err := afero.Walk(p.Fs, path, func(_ string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if fi.ModTime().After(latest) {
				latest = fi.ModTime()
			}
			return nil
		})
		if err != nil {
			return false
		}
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().Sub(latest) >= p.StableFor
}

// OpenHandleProbe reports a path as accessible when no other process has it,
// or any file below it, open.
type OpenHandleProbe struct{}

func (OpenHandleProbe) Accessible(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	procs, err := process.Processes()
	if err != nil {
		return false
	}
	self := int32(os.Getpid())
	prefix := abs + string(filepath.Separator)
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		files, err := p.OpenFiles()
		if err != nil {
			// Processes of other users are unreadable; skip them.
			continue
		}
		for _, f := range files {
			if f.Path == abs || strings.HasPrefix(f.Path, prefix) {
				return false
			}
		}
	}
	return true
}

// AllProbes is accessible only when every probe agrees.
type AllProbes []Probe

func (ps AllProbes) Accessible(path string) bool {
	for _, p := range ps {
		if !p.Accessible(path) {
			return false
		}
	}
	return true
}

// AccessWaiter polls a Probe until a path becomes accessible.
type AccessWaiter struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
}

// NewAccessWaiter creates a waiter. A zero interval uses 100ms. A zero
// timeout waits without bound.
func NewAccessWaiter(probe Probe, interval, timeout time.Duration) *AccessWaiter {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &AccessWaiter{probe: probe, interval: interval, timeout: timeout}
}

// Accessible runs the probe once.
func (w *AccessWaiter) Accessible(path string) bool {
	return w.probe.Accessible(path)
}

// WaitUntilAccessible blocks until the probe succeeds, the timeout expires
// (ErrAccessTimeout) or ctx is cancelled.
func (w *AccessWaiter) WaitUntilAccessible(ctx context.Context, path string) error {
	if w.probe.Accessible(path) {
		return nil
	}
	l := sub("access")
	start := time.Now()

	var deadline <-chan time.Time
	if w.timeout > 0 {
		timer := time.NewTimer(w.timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for polls := 1; ; polls++ {
		if logEnabled(LevelTrace) {
			l.Log(ctx, LevelTrace, "not accessible, sleeping", "path", path, "polls", polls)
		}
		select {
		case <-ctx.Done():
			l.Warn("wait for access cancelled", "path", path, "waited", time.Since(start))
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%s after %s: %w", path, w.timeout, ErrAccessTimeout)
		case <-ticker.C:
		}
		if w.probe.Accessible(path) {
			l.Debug("accessible", "path", path, "polls", polls, "waited", time.Since(start))
			return nil
		}
	}
}
