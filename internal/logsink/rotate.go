// Package logsink provides the size-rotated files that receive the output of
// supervised processes.
package logsink

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/turtacn/vigil/pkg/consts"
	"github.com/turtacn/vigil/pkg/protocol"
)

// RotatingFile is an io.WriteCloser that moves the current file to path.1
// once it would grow past MaxBytes, shifting older backups up to path.N and
// deleting whatever falls off the end.
type RotatingFile struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// Open creates or appends to the file described by spec.
func Open(spec protocol.LogSinkSpec) (*RotatingFile, error) {
	if spec.Path == "" {
		return nil, fmt.Errorf("log sink requires a path")
	}
	maxBytes := spec.MaxBytes
	if maxBytes == 0 {
		maxBytes = consts.DefaultLogMaxBytes
	}
	backups := consts.DefaultLogBackups
	if spec.Backups != nil {
		backups = *spec.Backups
	}

	if err := os.MkdirAll(filepath.Dir(spec.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	r := &RotatingFile{path: spec.Path, maxBytes: maxBytes, backups: backups}
	if err := r.openFile(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) openFile() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	r.file = f
	r.size = fi.Size()
	return nil
}

// Write appends p, rotating first when p would not fit. A single write larger
// than MaxBytes still lands in one file.
func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *RotatingFile) backupName(i int) string {
	return fmt.Sprintf("%s.%d", r.path, i)
}

func (r *RotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	if r.backups <= 0 {
		if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return r.openFile()
	}
	if err := os.Remove(r.backupName(r.backups)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := r.backups - 1; i >= 1; i-- {
		if err := os.Rename(r.backupName(i), r.backupName(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := os.Rename(r.path, r.backupName(1)); err != nil {
		return err
	}
	return r.openFile()
}

// Close closes the current file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// OpenOrDefault opens spec, or returns fallback itself when no path is
// configured so an *os.File is handed to children without a copy loop.
// The returned closer never closes fallback.
func OpenOrDefault(spec protocol.LogSinkSpec, fallback io.Writer) (io.Writer, io.Closer, error) {
	if spec.Path == "" {
		return fallback, nopCloser{}, nil
	}
	r, err := Open(spec)
	if err != nil {
		return nil, nil, err
	}
	return r, r, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Personal.AI order the ending
