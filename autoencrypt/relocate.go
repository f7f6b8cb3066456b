package autoencrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// Relocator moves files into a remote directory without overwriting.
type Relocator struct {
	fs afero.Fs
}

// NewRelocator creates a relocator on fs. A nil fs means the OS filesystem.
func NewRelocator(fs afero.Fs) *Relocator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Relocator{fs: fs}
}

// Move moves src to remoteDir/base(src) and returns the new path. An
// existing destination fails with ErrDestinationExists and leaves src alone.
func (r *Relocator) Move(src, remoteDir string) (string, error) {
	l := sub("relocator")

	info, err := r.fs.Stat(remoteDir)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %v", remoteDir, ErrRemoteUnreachable, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s: %w: not a directory", remoteDir, ErrRemoteUnreachable)
	}

	dst := filepath.Join(remoteDir, filepath.Base(src))
	if _, err := r.fs.Stat(dst); err == nil {
		return "", fmt.Errorf("%s: %w", dst, ErrDestinationExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat destination: %w", err)
	}

	l.Debug("moving file", "src", src, "dst", dst)
	err = r.fs.Rename(src, dst)
	if err == nil {
		return dst, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return "", fmt.Errorf("rename: %w", err)
	}

	l.Debug("cross-device move, copying", "src", src, "dst", dst)
	if err := r.copyExclusive(src, dst); err != nil {
		return "", err
	}
	if err := r.fs.Remove(src); err != nil {
		return "", fmt.Errorf("remove source after copy: %w", err)
	}
	return dst, nil
}

// copyExclusive copies src to dst, refusing to open an existing dst, and
// carries over the source mtime. A failed copy removes dst.
func (r *Relocator) copyExclusive(src, dst string) error {
	srcInfo, err := r.fs.Stat(src)
	if err != nil {
		return fmt.Errorf("stat src: %w", err)
	}
	in, err := r.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open src: %w", err)
	}
	defer in.Close()

	out, err := r.fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, srcInfo.Mode().Perm())
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%s: %w", dst, ErrDestinationExists)
		}
		return fmt.Errorf("create dst: %w", err)
	}

	_, copyErr := io.Copy(out, in)
	if copyErr == nil {
		copyErr = out.Sync()
	}
	if err := out.Close(); copyErr == nil {
		copyErr = err
	}
	if copyErr == nil {
		copyErr = r.fs.Chtimes(dst, time.Now(), srcInfo.ModTime())
	}
	if copyErr != nil {
		r.fs.Remove(dst)
		return fmt.Errorf("copy to %s: %w", dst, copyErr)
	}
	return nil
}
