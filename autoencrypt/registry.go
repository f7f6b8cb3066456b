package autoencrypt

import (
	"fmt"
	"path/filepath"
	"sync"
)

// WatchedPair associates a watched local directory with the remote
// directory that receives its encrypted files.
type WatchedPair struct {
	LocalDir  string
	RemoteDir string
}

// Registry maps local directories to remote directories, and live watch
// handles to the local directory they represent.
// The pairs are fixed at construction; only the handle set changes.
type Registry struct {
	mu      sync.RWMutex
	pairs   []WatchedPair
	remotes map[string]string // local dir → remote dir
	handles map[Handle]string // handle → local dir
}

// NewRegistry validates the pairs and builds a registry.
// Every pair needs both directories and a local directory may appear once.
func NewRegistry(pairs []WatchedPair) (*Registry, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("%w: no watched directories", ErrConfig)
	}
	r := &Registry{
		remotes: make(map[string]string, len(pairs)),
		handles: make(map[Handle]string, len(pairs)),
	}
	for i, p := range pairs {
		if p.LocalDir == "" || p.RemoteDir == "" {
			return nil, fmt.Errorf("%w: pair %d needs both a watch and a remote directory", ErrConfig, i+1)
		}
		local := filepath.Clean(p.LocalDir)
		remote := filepath.Clean(p.RemoteDir)
		if _, dup := r.remotes[local]; dup {
			return nil, fmt.Errorf("%w: directory %s is watched twice", ErrConfig, local)
		}
		r.remotes[local] = remote
		r.pairs = append(r.pairs, WatchedPair{LocalDir: local, RemoteDir: remote})
	}
	return r, nil
}

// Pairs returns the configured pairs in configuration order.
func (r *Registry) Pairs() []WatchedPair {
	out := make([]WatchedPair, len(r.pairs))
	copy(out, r.pairs)
	return out
}

// Remote returns the remote directory paired with a local directory.
func (r *Registry) Remote(local string) (string, bool) {
	remote, ok := r.remotes[filepath.Clean(local)]
	return remote, ok
}

// Bind records that h watches local.
func (r *Registry) Bind(h Handle, local string) error {
	local = filepath.Clean(local)
	if _, ok := r.remotes[local]; !ok {
		return fmt.Errorf("%w: %s has no remote directory", ErrConfig, local)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h] = local
	return nil
}

// Unbind drops h from the active set and returns the directory it watched.
func (r *Registry) Unbind(h Handle) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.handles[h]
	delete(r.handles, h)
	return local, ok
}

// Resolve returns the pair watched by h.
func (r *Registry) Resolve(h Handle) (WatchedPair, bool) {
	r.mu.RLock()
	local, ok := r.handles[h]
	r.mu.RUnlock()
	if !ok {
		return WatchedPair{}, false
	}
	return WatchedPair{LocalDir: local, RemoteDir: r.remotes[local]}, true
}

// Active returns the number of bound handles.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
