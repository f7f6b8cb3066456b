package autoencrypt

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned for configuration that cannot start a watcher,
	// such as a watch directory without a paired remote directory.
	ErrConfig = errors.New("invalid configuration")

	// ErrInterrupted is returned by Dispatcher.Run when the blocking wait for
	// notifications is cancelled or the watch subsystem is closed.
	ErrInterrupted = errors.New("watcher interrupted")

	// ErrNoWatchedDirectories is returned by Dispatcher.Run once every watch
	// handle has been invalidated.
	ErrNoWatchedDirectories = errors.New("all watched directories are inaccessible")

	// ErrWatchClosed is returned by Take after Close.
	ErrWatchClosed = errors.New("watch subsystem closed")

	// ErrAccessTimeout is returned when a path stays locked past the
	// configured access timeout.
	ErrAccessTimeout = errors.New("path not accessible before timeout")

	// ErrExternalCommandFailed is wrapped by CommandError.
	ErrExternalCommandFailed = errors.New("external command failed")

	// ErrAlreadyEncrypted is returned by Encrypt for paths carrying the
	// encrypted-file marker. The command is not run.
	ErrAlreadyEncrypted = errors.New("already encrypted")

	// ErrArtifactMissing is returned when the command succeeded but the
	// derived output file does not exist.
	ErrArtifactMissing = errors.New("encrypted artifact missing")

	// ErrArtifactExists is returned when an encrypted sibling of the source
	// is already present, typically left behind by an earlier failed move.
	ErrArtifactExists = errors.New("encrypted artifact already exists")

	// ErrArchiveExists is returned when the sibling archive path is taken.
	ErrArchiveExists = errors.New("archive already exists")

	// ErrDestinationExists is returned by Move instead of overwriting.
	ErrDestinationExists = errors.New("destination already exists")

	// ErrRemoteUnreachable is returned by Move when the remote directory is
	// missing or not a directory.
	ErrRemoteUnreachable = errors.New("remote directory unreachable")
)

// Pipeline stages reported in StageError.
const (
	StageClassify = "classify"
	StageArchive  = "archive"
	StageEncrypt  = "encrypt"
	StageMove     = "move"
)

// StageError records where in the pipeline an event failed.
type StageError struct {
	Stage string
	Path  string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Path, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// CommandError is returned when the external encryption command exits
// non-zero or cannot be started. ExitCode is -1 when the process never ran.
type CommandError struct {
	Path     string
	ExitCode int
	Err      error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encrypt %s: exit code %d: %v", e.Path, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("encrypt %s: exit code %d", e.Path, e.ExitCode)
}

func (e *CommandError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrExternalCommandFailed, e.Err}
	}
	return []error{ErrExternalCommandFailed}
}
