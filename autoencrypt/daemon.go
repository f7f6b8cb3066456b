package autoencrypt

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// Daemon wires the watch subsystem, the pipeline and the dispatcher from a
// Config.
type Daemon struct {
	cfg        *Config
	registry   *Registry
	watch      Subsystem
	suppress   *Suppressor
	dispatcher *Dispatcher
}

// NewDaemon builds every component. The watch subsystem is created but no
// directory is registered until Run.
func NewDaemon(cfg *Config) (*Daemon, error) {
	watch, err := NewNotifyService(cfg.BatchWindow)
	if err != nil {
		return nil, err
	}
	d, err := newDaemon(cfg, watch)
	if err != nil {
		watch.Close()
		return nil, err
	}
	return d, nil
}

func newDaemon(cfg *Config, watch Subsystem) (*Daemon, error) {
	registry, err := NewRegistry(cfg.Pairs)
	if err != nil {
		return nil, err
	}
	ignore, err := NewIgnoreList(cfg.Ignore)
	if err != nil {
		return nil, err
	}

	osFs := afero.NewOsFs()
	waiter := NewAccessWaiter(buildProbe(cfg, osFs), cfg.PollInterval, cfg.AccessTimeout)
	suppress := NewSuppressor(cfg.SuppressTTL)

	encryptor, err := NewEncryptor(cfg.EncryptCommand, cfg.Marker, waiter)
	if err != nil {
		return nil, err
	}

	proc := NewProcessor(ProcessorDeps{
		Archiver:   NewArchiver(waiter, suppress),
		Encryptor:  encryptor,
		Relocator:  NewRelocator(osFs),
		Suppress:   suppress,
		Ignore:     ignore,
		Passphrase: cfg.Passphrase,
	})

	return &Daemon{
		cfg:        cfg,
		registry:   registry,
		watch:      watch,
		suppress:   suppress,
		dispatcher: NewDispatcher(watch, registry, proc, NewLanes(cfg.Workers)),
	}, nil
}

func buildProbe(cfg *Config, fs afero.Fs) Probe {
	var probes AllProbes
	for _, name := range cfg.AccessProbes {
		switch name {
		case ProbeRename:
			probes = append(probes, RenameProbe{Fs: fs})
		case ProbeStable:
			probes = append(probes, StableProbe{Fs: fs, StableFor: cfg.StableFor})
		case ProbeHandles:
			probes = append(probes, OpenHandleProbe{})
		}
	}
	if len(probes) == 0 {
		probes = append(probes, RenameProbe{Fs: fs})
	}
	return probes
}

// Run registers the watched directories and dispatches events until ctx is
// cancelled, which returns nil, or no watched directory remains, which
// returns ErrNoWatchedDirectories.
func (d *Daemon) Run(ctx context.Context) error {
	l := sub("daemon")
	defer d.watch.Close()

	if err := d.dispatcher.Register(); err != nil {
		l.Error("registering directories failed, daemon aborting", "err", err)
		return err
	}
	l.Info("initialization successful", "directories", len(d.registry.Pairs()), "workers", d.cfg.Workers)

	var g errgroup.Group
	g.Go(func() error {
		d.suppress.Start()
		return nil
	})
	g.Go(func() error {
		defer d.suppress.Stop()
		return d.dispatcher.Run(ctx)
	})
	err := g.Wait()

	if errors.Is(err, ErrInterrupted) && ctx.Err() != nil {
		l.Info("daemon stopped")
		return nil
	}
	l.Error("daemon stopped", "err", err)
	return fmt.Errorf("run: %w", err)
}
