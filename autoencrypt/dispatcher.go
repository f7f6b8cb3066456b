package autoencrypt

import (
	"context"
	"errors"
	"fmt"
)

// Dispatcher drains watch notifications, resolves them to watched pairs and
// hands them to per-directory lanes. It prunes handles whose directory is
// gone and stops once none remain.
type Dispatcher struct {
	watch    Subsystem
	registry *Registry
	proc     EventProcessor
	lanes    *Lanes
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(watch Subsystem, registry *Registry, proc EventProcessor, lanes *Lanes) *Dispatcher {
	if lanes == nil {
		lanes = NewLanes(defaultWorkers)
	}
	return &Dispatcher{watch: watch, registry: registry, proc: proc, lanes: lanes}
}

// Register watches every local directory of the registry.
func (d *Dispatcher) Register() error {
	l := sub("dispatcher")
	for _, pair := range d.registry.Pairs() {
		l.Info("watching", "dir", pair.LocalDir, "remote", pair.RemoteDir)
		h, err := d.watch.Register(pair.LocalDir)
		if err != nil {
			return fmt.Errorf("watch %s: %w", pair.LocalDir, err)
		}
		if err := d.registry.Bind(h, pair.LocalDir); err != nil {
			return err
		}
	}
	return nil
}

// Run processes batches until ctx is cancelled or the watch subsystem is
// closed (ErrInterrupted), or every watched directory became inaccessible
// (ErrNoWatchedDirectories). Queued work is finished before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	l := sub("dispatcher")
	l.Info("dispatcher started", "directories", d.registry.Active())
	defer d.lanes.Wait()

	for {
		batch, err := d.watch.Take(ctx)
		if err != nil {
			l.Error("watcher interrupted", "err", err)
			return fmt.Errorf("%w: %w", ErrInterrupted, err)
		}
		l.Log(ctx, LevelTrace, "batch", "handle", batch.Handle, "events", len(batch.Events))

		d.dispatch(ctx, batch)

		if !d.watch.Reset(batch.Handle) {
			dir, _ := d.registry.Unbind(batch.Handle)
			l.Error("directory no longer accessible, removing watch", "handle", batch.Handle, "dir", dir)
			if d.registry.Active() == 0 {
				l.Error("all directories are inaccessible, halting")
				return ErrNoWatchedDirectories
			}
		}
	}
}

// dispatch resolves the batch's directory and queues it on its lane.
func (d *Dispatcher) dispatch(ctx context.Context, batch Batch) {
	if len(batch.Events) == 0 {
		return
	}
	pair, ok := d.registry.Resolve(batch.Handle)
	if !ok {
		sub("dispatcher").Warn("watched directory is non-existent or not recognized, skipping batch",
			"handle", batch.Handle, "events", len(batch.Events))
		return
	}
	d.lanes.Submit(ctx, batch.Handle, func(ctx context.Context) {
		d.processBatch(ctx, pair, batch.Events)
	})
}

// processBatch runs events in order. The first failure abandons the rest of
// the batch; it is logged and never reaches Run.
func (d *Dispatcher) processBatch(ctx context.Context, pair WatchedPair, events []Event) {
	l := sub("dispatcher")
	for i, ev := range events {
		switch ev.Kind {
		case Overflow:
			l.Warn("overflow, events may have been lost: manual check necessary", "dir", pair.LocalDir)
			continue
		case Deleted, Modified:
			l.Debug("observed", "kind", ev.Kind.String(), "name", ev.Name, "dir", pair.LocalDir)
			continue
		}

		if err := d.proc.ProcessEvent(ctx, pair, ev); err != nil {
			stage := ""
			path := ev.Name
			var se *StageError
			if errors.As(err, &se) {
				stage, path = se.Stage, se.Path
			}
			l.Error("event processing failed, skipping rest of batch",
				"path", path, "stage", stage, "skipped", len(events)-i-1, "err", err)
			return
		}
	}
}
