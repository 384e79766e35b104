// Package device exposes the command log with file semantics: handles that
// read and seek anywhere in the logical byte space and write commands that
// are committed once their terminator arrives.
package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/cmdlog/internal/assembler"
	"github.com/ehrlich-b/cmdlog/internal/logstore"
)

var (
	// ErrInvalidSeek is returned for seeks to a negative or out-of-range position.
	ErrInvalidSeek = errors.New("invalid seek")

	// ErrHandleClosed is returned by operations on a closed handle.
	ErrHandleClosed = errors.New("handle closed")
)

// Device owns the log and the pending partial command shared by every
// handle. Writes through any handle continue the same pending command, so a
// command may be split across several writes or handles.
type Device struct {
	store *logstore.Store
	log   *slog.Logger

	mu  sync.Mutex // guards asm; always taken before the store lock
	asm *assembler.Assembler
}

// New creates a device over store. opts configure the shared assembler.
func New(store *logstore.Store, log *slog.Logger, opts ...assembler.Option) *Device {
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		store: store,
		log:   log,
		asm:   assembler.New(opts...),
	}
}

// Open returns a new handle positioned at offset 0.
func (d *Device) Open() *Handle {
	return &Handle{dev: d, ctx: context.Background()}
}

// write feeds p to the shared assembler one command at a time and commits
// each completed command. It returns the number of bytes of p consumed
// before a failed commit, or len(p).
func (d *Device) write(ctx context.Context, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var (
		n    int
		ferr error
	)
	for n < len(p) {
		seg := p[n:]
		if i := bytes.IndexByte(seg, d.asm.Terminator()); i >= 0 {
			seg = seg[:i+1]
		}
		records, err := d.asm.Feed(seg)
		if err != nil {
			d.log.Warn("discarded pending command", "error", err)
			ferr = err
		}
		for _, rec := range records {
			if err := d.store.AppendRecord(ctx, rec); err != nil {
				// Later commands in this write would land out of order; drop them
				// together with the pending tail.
				d.asm.Reset()
				return n, fmt.Errorf("commit command: %w", err)
			}
		}
		n += len(seg)
	}
	return n, ferr
}

// Pending returns the number of bytes written but not yet terminated.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.asm.Pending()
}

// Handle is one open view of the device with its own file position.
type Handle struct {
	dev *Device
	ctx context.Context

	mu     sync.Mutex
	pos    int64
	closed bool
}

// WithContext returns a copy of h whose operations use ctx. The copy starts
// at h's current position.
func (h *Handle) WithContext(ctx context.Context) *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return &Handle{dev: h.dev, ctx: ctx, pos: h.pos, closed: h.closed}
}

// Read reads from the current position. It returns io.EOF once the position
// reaches the end of the log and never changes the log.
func (h *Handle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandleClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := h.dev.store.ReadAt(h.ctx, p, h.pos)
	h.pos += int64(n)
	return n, err
}

// Write appends p to the pending command and commits every command it
// completes. The position is not affected: commands always go to the end of
// the log.
//
// If a commit fails, n counts the bytes of the commands committed before it.
// A command that outgrows the maximum size is discarded through its
// terminator and Write returns assembler.ErrOutOfMemory with n == len(p);
// commands around it are still committed.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return 0, ErrHandleClosed
	}
	return h.dev.write(h.ctx, p)
}

// Seek sets the position. io.SeekEnd is relative to the current log size.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandleClosed
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		size, err := h.dev.store.Size(h.ctx)
		if err != nil {
			return 0, err
		}
		base = size
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}

	pos := base + offset
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position %d", ErrInvalidSeek, pos)
	}
	h.pos = pos
	return pos, nil
}

// SeekRecord positions the handle at byte offset inside the index-th live
// command, 0 being the oldest.
func (h *Handle) SeekRecord(index, offset int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrHandleClosed
	}
	pos, err := h.dev.store.RecordOffset(index, offset)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSeek, err)
	}
	h.pos = pos
	return pos, nil
}

// Close releases the handle. Pending command bytes belong to the device and
// survive the handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
