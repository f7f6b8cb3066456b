package autoencrypt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultBatchWindow = 300 * time.Millisecond

// Handle identifies one directory registration with a watch subsystem.
type Handle int

// EventKind classifies a filesystem notification.
type EventKind int

const (
	Created EventKind = iota
	Deleted
	Modified
	Overflow
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Modified:
		return "modified"
	case Overflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Event is a single notification. Name is relative to the watched directory
// and empty for Overflow.
type Event struct {
	Kind   EventKind
	Name   string
	Handle Handle
}

// Batch holds the events delivered for one handle by one Take, in delivery
// order. Events may be empty when the handle itself changed state.
type Batch struct {
	Handle Handle
	Events []Event
}

// Subsystem is the filesystem watch facility the dispatcher drains.
type Subsystem interface {
	// Register starts watching dir (non-recursively).
	Register(dir string) (Handle, error)
	// Take blocks until a batch is available. It fails with the context
	// error when ctx is done, and with ErrWatchClosed after Close.
	Take(ctx context.Context) (Batch, error)
	// Reset reports whether h is still valid. An invalid handle is
	// released and never delivers again.
	Reset(h Handle) bool
	Close() error
}

// NotifyService is a Subsystem on top of fsnotify. Events are grouped per
// handle and flushed once no new event arrived for the batch window.
type NotifyService struct {
	watcher *fsnotify.Watcher
	window  time.Duration

	mu      sync.Mutex
	next    Handle
	dirs    map[Handle]string
	byDir   map[string]Handle
	invalid map[Handle]bool
	ready   []Batch
	closed  bool
	notify  chan struct{} // signaled when batches are ready or on close

	done chan struct{}
	wg   sync.WaitGroup
}

// NewNotifyService creates the service and starts its event loop.
// A zero window uses 300ms.
func NewNotifyService(window time.Duration) (*NotifyService, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if window <= 0 {
		window = defaultBatchWindow
	}
	s := &NotifyService{
		watcher: w,
		window:  window,
		next:    1,
		dirs:    make(map[Handle]string),
		byDir:   make(map[string]Handle),
		invalid: make(map[Handle]bool),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Register adds dir to the fsnotify watcher.
func (s *NotifyService) Register(dir string) (Handle, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", abs, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("register %s: not a directory", abs)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrWatchClosed
	}
	if h, ok := s.byDir[abs]; ok {
		return h, nil
	}
	if err := s.watcher.Add(abs); err != nil {
		return 0, fmt.Errorf("register %s: %w", abs, err)
	}
	h := s.next
	s.next++
	s.dirs[h] = abs
	s.byDir[abs] = h
	sub("notify").Debug("registered directory", "dir", abs, "handle", h)
	return h, nil
}

// Take returns the oldest ready batch.
func (s *NotifyService) Take(ctx context.Context) (Batch, error) {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			b := s.ready[0]
			s.ready = s.ready[1:]
			s.mu.Unlock()
			return b, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Batch{}, ErrWatchClosed
		}

		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Reset reports whether h still watches an existing directory. Invalid
// handles are removed from fsnotify and forgotten.
func (s *NotifyService) Reset(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.dirs[h]
	if !ok {
		return false
	}
	if !s.invalid[h] {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return true
		}
	}
	s.watcher.Remove(dir) //nolint:errcheck
	delete(s.dirs, h)
	delete(s.byDir, dir)
	delete(s.invalid, h)
	return false
}

// Close stops the event loop. Pending and later Take calls fail with
// ErrWatchClosed once the ready batches are consumed.
func (s *NotifyService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	s.signal()
	return err
}

func (s *NotifyService) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// loop collects fsnotify events into per-handle pending lists and flushes
// them when the debounce timer fires.
func (s *NotifyService) loop() {
	defer s.wg.Done()
	l := sub("notify")

	pending := make(map[Handle][]Event)
	var order []Handle
	add := func(h Handle, ev *Event) {
		if _, ok := pending[h]; !ok {
			order = append(order, h)
			pending[h] = nil
		}
		if ev != nil {
			pending[h] = append(pending[h], *ev)
		}
	}

	timer := time.NewTimer(s.window)
	timer.Stop()

	// A steady stream of events would otherwise postpone the flush forever.
	maxDelay := 4 * s.window
	var since time.Time
	arm := func() {
		if since.IsZero() {
			since = time.Now()
		}
		if time.Since(since) < maxDelay {
			timer.Reset(s.window)
		}
	}

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if logEnabled(slog.LevelDebug) {
				l.Debug("fsnotify event", "name", event.Name, "op", event.Op.String())
			}

			s.mu.Lock()
			if h, self := s.byDir[filepath.Clean(event.Name)]; self && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				// The watched directory itself went away.
				s.invalid[h] = true
				s.mu.Unlock()
				add(h, nil)
				arm()
				continue
			}
			h, ok := s.byDir[filepath.Dir(event.Name)]
			s.mu.Unlock()
			if !ok {
				continue
			}

			add(h, &Event{Kind: kindOf(event), Name: filepath.Base(event.Name), Handle: h})
			arm()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				l.Warn("event queue overflow", "err", err)
				s.mu.Lock()
				handles := make([]Handle, 0, len(s.dirs))
				for h := range s.dirs {
					handles = append(handles, h)
				}
				s.mu.Unlock()
				for _, h := range handles {
					add(h, &Event{Kind: Overflow, Handle: h})
				}
				arm()
				continue
			}
			l.Warn("fsnotify error", "err", err)

		case <-timer.C:
			if len(order) == 0 {
				continue
			}
			s.mu.Lock()
			for _, h := range order {
				s.ready = append(s.ready, Batch{Handle: h, Events: pending[h]})
			}
			s.mu.Unlock()
			l.Debug("flushed batches", "handles", len(order))
			pending = make(map[Handle][]Event)
			order = nil
			since = time.Time{}
			s.signal()
		}
	}
}

func kindOf(event fsnotify.Event) EventKind {
	switch {
	case event.Has(fsnotify.Create):
		return Created
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Deleted
	default:
		return Modified
	}
}
