package autoencrypt

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/maruel/natural"
	"github.com/mholt/archives"
)

const archiveExtension = ".zip"

// Archiver compresses a directory into a sibling zip file and removes the
// original tree.
type Archiver struct {
	waiter   *AccessWaiter
	suppress *Suppressor
}

// NewArchiver creates an archiver. suppress may be nil.
func NewArchiver(waiter *AccessWaiter, suppress *Suppressor) *Archiver {
	return &Archiver{waiter: waiter, suppress: suppress}
}

// ArchivePath returns the archive written for dir.
func ArchivePath(dir string) string {
	return filepath.Clean(dir) + archiveExtension
}

// ArchiveDirectory writes every regular file under dir into dir+".zip",
// named by its slash-separated path relative to dir, then deletes dir.
// Failing to delete dir is logged and does not fail the call.
func (a *Archiver) ArchiveDirectory(ctx context.Context, dir string) (string, error) {
	l := sub("archiver")
	if err := a.waiter.WaitUntilAccessible(ctx, dir); err != nil {
		return "", fmt.Errorf("wait: %w", err)
	}

	files, err := a.collect(ctx, dir)
	if err != nil {
		return "", err
	}

	out := ArchivePath(dir)
	if a.suppress != nil {
		a.suppress.Mark(out)
	}
	l.Info("creating archive", "dir", dir, "archive", out, "files", len(files))

	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%s: %w", out, ErrArchiveExists)
		}
		return "", fmt.Errorf("create archive: %w", err)
	}

	format := archives.Zip{Compression: zip.Deflate, SelectiveCompression: true}
	writeErr := format.Archive(ctx, f, files)
	closeErr := f.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		os.Remove(out)
		return "", fmt.Errorf("write archive: %w", writeErr)
	}

	l.Debug("deleting directory", "dir", dir)
	if err := os.RemoveAll(dir); err != nil {
		l.Warn("deleting archived directory failed", "dir", dir, "err", err)
	} else {
		l.Debug("deleted directory", "dir", dir)
	}
	return out, nil
}

// collect enumerates the regular files under dir, ordered naturally by
// entry name so repeated runs produce identical archives.
func (a *Archiver) collect(ctx context.Context, dir string) ([]archives.FileInfo, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", dir, err)
	}

	names := make(map[string]string, len(paths))
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, fmt.Errorf("relative path: %w", err)
		}
		names[path] = filepath.ToSlash(rel)
		if logEnabled(LevelTrace) {
			sub("archiver").Log(ctx, LevelTrace, "adding to archive", "file", path, "entry", names[path])
		}
	}

	files, err := archives.FilesFromDisk(ctx, nil, names)
	if err != nil {
		return nil, fmt.Errorf("stat files: %w", err)
	}
	sort.Slice(files, func(i, j int) bool {
		return natural.Less(files[i].NameInArchive, files[j].NameInArchive)
	})
	return files, nil
}
