package logstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultDataFile is where the file backend keeps the log when no path is configured.
const DefaultDataFile = "/var/tmp/cmdlogdata"

// FileBackend stores the log as a single append-only file.
type FileBackend struct {
	path          string
	removeOnClose bool
	log           *slog.Logger

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileBackend opens (or creates) the file at path. With removeOnClose the
// file is deleted when the backend closes, leaving nothing behind at exit.
func NewFileBackend(path string, removeOnClose bool, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}
	if path == "" {
		path = DefaultDataFile
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat data file: %w", err)
	}

	return &FileBackend{
		path:          path,
		removeOnClose: removeOnClose,
		log:           log,
		f:             f,
		size:          info.Size(),
	}, nil
}

// Name implements Backend.
func (b *FileBackend) Name() string {
	return "file"
}

// Path returns the data file location.
func (b *FileBackend) Path() string {
	return b.path
}

// Append writes data and syncs the file. A failed write is truncated away so
// the file never holds a partial record.
func (b *FileBackend) Append(ctx context.Context, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.f == nil {
		return ErrClosed
	}

	if _, err := b.f.Write(data); err != nil {
		b.rollback()
		return fmt.Errorf("write data file: %w", err)
	}
	if err := b.f.Sync(); err != nil {
		b.rollback()
		return fmt.Errorf("sync data file: %w", err)
	}
	b.size += int64(len(data))
	return nil
}

// rollback truncates the file to the last acknowledged size. Caller holds b.mu.
func (b *FileBackend) rollback() {
	if err := b.f.Truncate(b.size); err != nil {
		b.log.Warn("failed to truncate data file after write error", "path", b.path, "error", err)
	}
}

// ReadAll implements Backend.
func (b *FileBackend) ReadAll(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.f == nil {
		return nil, ErrClosed
	}

	data := make([]byte, b.size)
	if _, err := b.f.ReadAt(data, 0); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read data file: %w", err)
	}
	return data, nil
}

// Reset truncates the file.
func (b *FileBackend) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.f == nil {
		return ErrClosed
	}
	if err := b.f.Truncate(0); err != nil {
		return fmt.Errorf("truncate data file: %w", err)
	}
	b.size = 0
	return b.f.Sync()
}

// Close syncs and closes the file, removing it if configured to.
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.f == nil {
		return nil
	}
	if err := b.f.Sync(); err != nil {
		b.log.Warn("failed to sync data file", "path", b.path, "error", err)
	}
	err := b.f.Close()
	b.f = nil
	if err != nil {
		return fmt.Errorf("close data file: %w", err)
	}

	if b.removeOnClose {
		if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove data file: %w", err)
		}
		b.log.Debug("removed data file", "path", b.path)
	}
	return nil
}
