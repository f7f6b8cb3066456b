package autoencrypt

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// fakeAxCrypt mimics the real tool: it writes <name>-<ext>.axx next to the
// source and wipes the source. Arguments: passphrase, path.
const fakeAxCrypt = `src="$2"
dir=$(dirname "$src"); base=$(basename "$src")
case "$base" in
  ?*.*) out="$dir/${base%.*}-${base##*.}.axx" ;;
  *) out="$dir/$base.axx" ;;
esac
echo "encrypting $src"
cp "$src" "$out" && rm "$src"
`

// writeScript writes an sh script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "encrypt.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

// scriptCommand returns an encrypt command template running script.
func scriptCommand(script string) string {
	return "sh " + script + " {passphrase} {path}"
}

// quickWaiter uses the rename probe on the OS filesystem with short polls.
func quickWaiter() *AccessWaiter {
	return NewAccessWaiter(RenameProbe{Fs: afero.NewOsFs()}, time.Millisecond, 5*time.Second)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// lockProbe simulates exclusive locks held by another process.
type lockProbe struct {
	mu      sync.Mutex
	locked  map[string]bool
	granted int // successful probes
}

func newLockProbe() *lockProbe {
	return &lockProbe{locked: make(map[string]bool)}
}

func (p *lockProbe) Accessible(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.locked[path] {
		return false
	}
	p.granted++
	return true
}

func (p *lockProbe) setLocked(path string, locked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locked[path] = locked
}

func (p *lockProbe) grants() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.granted
}
