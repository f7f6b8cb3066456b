package autoencrypt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/flynn/go-shlex"
)

const (
	// DefaultEncryptCommand runs AxCrypt in batch mode: encrypt (-e) with
	// the passphrase (-k) and wipe the plaintext (-z).
	DefaultEncryptCommand = "axcrypt -b 2 -e -k {passphrase} -z {path}"

	// DefaultMarker is the extension of files the command produces.
	DefaultMarker = "axx"

	placeholderPassphrase = "{passphrase}"
	placeholderPath       = "{path}"
)

// Encryptor runs an external encryption command against single files.
type Encryptor struct {
	argv   []string
	marker string
	waiter *AccessWaiter
}

// NewEncryptor parses the command template. The template must reference
// {path}; {passphrase} is optional for tools that read it elsewhere.
func NewEncryptor(command, marker string, waiter *AccessWaiter) (*Encryptor, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypt command: %v", ErrConfig, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: encrypt command is empty", ErrConfig)
	}
	if !strings.Contains(command, placeholderPath) {
		return nil, fmt.Errorf("%w: encrypt command must contain %s", ErrConfig, placeholderPath)
	}
	marker = strings.TrimPrefix(marker, ".")
	if marker == "" {
		marker = DefaultMarker
	}
	return &Encryptor{argv: argv, marker: marker, waiter: waiter}, nil
}

// Marker returns the encrypted-file extension, without the dot.
func (e *Encryptor) Marker() string {
	return e.marker
}

// Encrypt runs the command for path and returns the path of the encrypted
// file. Paths that already carry the marker return ErrAlreadyEncrypted
// without running anything.
func (e *Encryptor) Encrypt(ctx context.Context, path, passphrase string) (string, error) {
	l := sub("encryptor")
	if IsEncrypted(path, e.marker) {
		return "", fmt.Errorf("%s: %w", path, ErrAlreadyEncrypted)
	}

	out := DeriveEncryptedPath(path, e.marker)
	if _, err := os.Lstat(out); err == nil {
		return "", fmt.Errorf("%s: %w", out, ErrArtifactExists)
	}

	if err := e.waiter.WaitUntilAccessible(ctx, path); err != nil {
		return "", fmt.Errorf("wait: %w", err)
	}
	l.Debug("accessible", "path", path)

	if err := e.run(ctx, path, passphrase); err != nil {
		l.Error("encryption not successful", "path", path, "err", err)
		return "", err
	}

	if _, err := os.Lstat(out); err != nil {
		return "", fmt.Errorf("%s: %w", out, ErrArtifactMissing)
	}
	l.Info("encrypted", "path", path, "encrypted", out)
	return out, nil
}

// run starts the command, logs its combined output line by line and waits
// for it only after the output is drained.
func (e *Encryptor) run(ctx context.Context, path, passphrase string) error {
	l := sub("encryptor")

	args := make([]string, len(e.argv))
	shown := make([]string, len(e.argv))
	for i, a := range e.argv {
		args[i] = strings.ReplaceAll(strings.ReplaceAll(a, placeholderPassphrase, passphrase), placeholderPath, path)
		shown[i] = strings.ReplaceAll(strings.ReplaceAll(a, placeholderPassphrase, "***"), placeholderPath, path)
	}
	l.Debug("running encrypt command", "argv", shown)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = filepath.Dir(path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &CommandError{Path: path, ExitCode: -1, Err: err}
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return &CommandError{Path: path, ExitCode: -1, Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		lines++
		l.Debug("process output", "path", path, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		l.Warn("reading process output failed", "path", path, "err", err)
	}

	err = cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	l.Debug("process exited", "path", path, "exitCode", code, "lines", lines)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &CommandError{Path: path, ExitCode: exitErr.ExitCode()}
		}
		return &CommandError{Path: path, ExitCode: code, Err: err}
	}
	return nil
}

// Extension returns the text after the last dot of the base name, or "" if
// there is none or the only dot leads the name.
func Extension(path string) string {
	base := filepath.Base(path)
	i := strings.LastIndexByte(base, '.')
	if i <= 0 {
		return ""
	}
	return base[i+1:]
}

// IsEncrypted reports whether path carries the encrypted-file marker.
func IsEncrypted(path, marker string) bool {
	return Extension(path) == strings.TrimPrefix(marker, ".")
}

// DeriveEncryptedPath returns the file the encryption command produces for
// path: "report.txt" becomes "report-txt.<marker>", "Makefile" becomes
// "Makefile.<marker>".
func DeriveEncryptedPath(path, marker string) string {
	marker = strings.TrimPrefix(marker, ".")
	ext := Extension(path)
	if ext == "" {
		return path + "." + marker
	}
	return strings.TrimSuffix(path, "."+ext) + "-" + ext + "." + marker
}
