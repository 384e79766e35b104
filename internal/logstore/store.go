package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ehrlich-b/cmdlog/internal/ringlog"
)

// Options configures a Store.
type Options struct {
	// Capacity is the number of records kept in the ring. Zero makes the
	// store unbounded: the backend's byte stream is the log.
	Capacity int
}

// Stats describes the current log.
type Stats struct {
	Records   int    `json:"records"`
	Bytes     int64  `json:"bytes"`
	Capacity  int    `json:"capacity"`
	Appends   uint64 `json:"appends"`
	Evictions uint64 `json:"evictions"`
	Backend   string `json:"backend"`
}

// Store is the process-wide command log. Every operation holds one exclusive
// lock for its whole duration, so appends (including the durable write) and
// reads never interleave.
type Store struct {
	mu        sync.Mutex
	ring      *ringlog.Log // nil when unbounded
	backend   Backend      // nil when memory only
	closed    bool
	appends   uint64
	evictions uint64

	log *slog.Logger
}

// New creates a store. An unbounded store (Capacity 0) requires a backend.
func New(opts Options, backend Backend, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Capacity < 0 {
		return nil, fmt.Errorf("invalid capacity %d", opts.Capacity)
	}
	if opts.Capacity == 0 && backend == nil {
		return nil, errors.New("unbounded log requires a storage backend")
	}

	s := &Store{backend: backend, log: log}
	if opts.Capacity > 0 {
		s.ring = ringlog.New(opts.Capacity)
	}
	return s, nil
}

// Bounded reports whether the store keeps a fixed number of records.
func (s *Store) Bounded() bool {
	return s.ring != nil
}

// AppendRecord adds rec to the log. When a backend is configured the record
// is flushed there first; if that fails the ring is left untouched and the
// error wraps ErrStorage.
func (s *Store) AppendRecord(ctx context.Context, rec ringlog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.backend != nil {
		if err := s.backend.Append(ctx, rec.Bytes()); err != nil {
			return fmt.Errorf("%w: append to %s: %v", ErrStorage, s.backend.Name(), err)
		}
	}

	s.appends++
	if s.ring == nil {
		return nil
	}

	if evicted, ok := s.ring.Append(rec); ok {
		s.evictions++
		s.log.Debug("evicted oldest record", "size", evicted.Len())
	}
	return nil
}

// Snapshot returns a copy of the whole log.
func (s *Store) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.contents(ctx)
}

// ReadAt copies log bytes starting at logical offset off into p. It returns
// io.EOF once off reaches the end of the log; that is the normal end of data.
func (s *Store) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	if s.ring == nil {
		data, err := s.contents(ctx)
		if err != nil {
			return 0, err
		}
		if off >= int64(len(data)) {
			return 0, io.EOF
		}
		return copy(p, data[off:]), nil
	}

	n := 0
	for n < len(p) {
		rec, local, ok := s.ring.FindByOffset(int(off) + n)
		if !ok {
			break
		}
		c, _ := rec.ReadAt(p[n:], int64(local))
		n += c
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Size returns the total number of bytes in the log.
func (s *Store) Size(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.ring != nil {
		return int64(s.ring.TotalBytes()), nil
	}
	data, err := s.contents(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// RecordOffset returns the logical offset of byte off inside the index-th
// live record, 0 being the oldest.
func (s *Store) RecordOffset(index, off int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.ring == nil {
		return 0, ErrUnsupported
	}
	rec, ok := s.ring.At(index)
	if !ok {
		return 0, fmt.Errorf("record %d out of range (have %d)", index, s.ring.Len())
	}
	if off < 0 || off >= rec.Len() {
		return 0, fmt.Errorf("offset %d out of range for record %d (size %d)", off, index, rec.Len())
	}
	start, _ := s.ring.StartOffset(index)
	return int64(start + off), nil
}

// Stat returns counters describing the log.
func (s *Store) Stat(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Stats{}, ErrClosed
	}
	st, _, err := s.stat(ctx)
	return st, err
}

// StatSnapshot returns the counters and a copy of the log they describe,
// taken under one lock.
func (s *Store) StatSnapshot(ctx context.Context) (Stats, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Stats{}, nil, ErrClosed
	}
	st, data, err := s.stat(ctx)
	if err != nil {
		return Stats{}, nil, err
	}
	if data == nil {
		data = s.ring.Bytes()
	}
	return st, data, nil
}

// stat fills in Stats. For unbounded logs it also returns the contents it had
// to read. Caller holds s.mu.
func (s *Store) stat(ctx context.Context) (Stats, []byte, error) {
	st := Stats{
		Appends:   s.appends,
		Evictions: s.evictions,
		Backend:   "memory",
	}
	if s.backend != nil {
		st.Backend = s.backend.Name()
	}
	if s.ring != nil {
		st.Records = s.ring.Len()
		st.Capacity = s.ring.Cap()
		st.Bytes = int64(s.ring.TotalBytes())
		return st, nil, nil
	}

	// Unbounded logs keep no record boundaries; only backends that store
	// one entry per record can count them.
	data, err := s.contents(ctx)
	if err != nil {
		return Stats{}, nil, err
	}
	st.Bytes = int64(len(data))
	if rc, ok := s.backend.(RecordCounter); ok {
		n, err := rc.Count(ctx)
		if err != nil {
			return Stats{}, nil, fmt.Errorf("%w: count %s: %v", ErrStorage, s.backend.Name(), err)
		}
		st.Records = n
	}
	return st, data, nil
}

// Clear empties the log and its backend.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.backend != nil {
		if err := s.backend.Reset(ctx); err != nil {
			return fmt.Errorf("%w: reset %s: %v", ErrStorage, s.backend.Name(), err)
		}
	}
	if s.ring != nil {
		s.ring.Clear()
	}
	s.log.Info("log cleared")
	return nil
}

// Close releases every record and the backend. Further calls are no-ops.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.ring != nil {
		s.ring.Clear()
	}
	if s.backend != nil {
		if err := s.backend.Close(); err != nil {
			return fmt.Errorf("close %s backend: %w", s.backend.Name(), err)
		}
	}
	return nil
}

// contents returns the full log. Caller holds s.mu.
func (s *Store) contents(ctx context.Context) ([]byte, error) {
	if s.ring != nil {
		return s.ring.Bytes(), nil
	}
	data, err := s.backend.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrStorage, s.backend.Name(), err)
	}
	return data, nil
}
