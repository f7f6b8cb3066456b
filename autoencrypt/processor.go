package autoencrypt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// EventProcessor handles one notification for a resolved watched pair.
type EventProcessor interface {
	ProcessEvent(ctx context.Context, pair WatchedPair, ev Event) error
}

// Processor archives created directories and encrypts-then-moves created
// files.
type Processor struct {
	archiver   *Archiver
	encryptor  *Encryptor
	relocator  *Relocator
	suppress   *Suppressor
	ignore     *IgnoreList
	passphrase string
}

// ProcessorDeps bundles the collaborators of a Processor. Suppress and
// Ignore may be nil.
type ProcessorDeps struct {
	Archiver   *Archiver
	Encryptor  *Encryptor
	Relocator  *Relocator
	Suppress   *Suppressor
	Ignore     *IgnoreList
	Passphrase string
}

// NewProcessor creates a Processor.
func NewProcessor(d ProcessorDeps) *Processor {
	return &Processor{
		archiver:   d.Archiver,
		encryptor:  d.Encryptor,
		relocator:  d.Relocator,
		suppress:   d.Suppress,
		ignore:     d.Ignore,
		passphrase: d.Passphrase,
	}
}

// ProcessEvent runs the pipeline for a Created event. Other kinds are
// ignored. Failures are returned as *StageError.
func (p *Processor) ProcessEvent(ctx context.Context, pair WatchedPair, ev Event) error {
	if ev.Kind != Created {
		return nil
	}
	l := sub("processor")
	path := filepath.Join(pair.LocalDir, ev.Name)
	l.Debug("created", "path", path, "local", pair.LocalDir, "remote", pair.RemoteDir)

	if p.suppress != nil && p.suppress.Suppressed(path) {
		l.Debug("skip: produced by pipeline", "path", path)
		return nil
	}

	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			l.Info("skip: vanished before processing", "path", path)
			return nil
		}
		return &StageError{Stage: StageClassify, Path: path, Err: err}
	}

	if p.ignore.IsIgnored(info.Name(), info.IsDir()) {
		l.Debug("skip: ignored", "path", path)
		return nil
	}

	switch {
	case info.IsDir():
		l.Info("directory created, archiving", "path", path)
		archive, err := p.archiver.ArchiveDirectory(ctx, path)
		if err != nil {
			return &StageError{Stage: StageArchive, Path: path, Err: err}
		}
		l.Info("archived", "path", path, "archive", archive)
		return nil

	case info.Mode().IsRegular():
		return p.encryptAndMove(ctx, pair, path)

	default:
		l.Info("skip: not a regular file or directory", "path", path, "mode", info.Mode().String())
		return nil
	}
}

func (p *Processor) encryptAndMove(ctx context.Context, pair WatchedPair, path string) error {
	l := sub("processor")
	if IsEncrypted(path, p.encryptor.Marker()) {
		l.Debug("skip: already encrypted", "path", path)
		return nil
	}

	encrypted, err := p.encryptor.Encrypt(ctx, path, p.passphrase)
	if err != nil {
		return &StageError{Stage: StageEncrypt, Path: path, Err: err}
	}
	if p.suppress != nil {
		p.suppress.Mark(encrypted)
	}

	moved, err := p.relocator.Move(encrypted, pair.RemoteDir)
	if err != nil {
		return &StageError{Stage: StageMove, Path: encrypted, Err: fmt.Errorf("to %s: %w", pair.RemoteDir, err)}
	}
	l.Info("moved", "path", encrypted, "remote", moved)
	return nil
}
