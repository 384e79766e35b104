// Package assembler splits a raw byte stream into terminator-delimited records.
// It keeps no transport state, so the same assembler serves socket reads,
// device writes and HTTP bodies.
package assembler

import (
	"bytes"
	"errors"

	"github.com/ehrlich-b/cmdlog/internal/ringlog"
)

const (
	// DefaultChunkSize is the growth unit of the pending buffer.
	DefaultChunkSize = 512

	// DefaultMaxSize bounds a single pending record (1MB).
	DefaultMaxSize = 1024 * 1024

	// DefaultTerminator ends a record.
	DefaultTerminator = '\n'
)

// ErrOutOfMemory is returned when a pending record would outgrow the
// configured maximum. The record is discarded through its terminator.
var ErrOutOfMemory = errors.New("record exceeds maximum size")

// Assembler accumulates input until a terminator byte completes a record.
// It is not safe for concurrent use.
type Assembler struct {
	terminator byte
	chunkSize  int
	maxSize    int

	buf        []byte // pending bytes of the record in progress
	discarding bool   // skipping the rest of an oversized record
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithTerminator sets the byte that completes a record.
func WithTerminator(b byte) Option {
	return func(a *Assembler) { a.terminator = b }
}

// WithChunkSize sets the growth unit for the pending buffer.
func WithChunkSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithMaxSize sets the largest record the assembler will hold, terminator included.
func WithMaxSize(n int) Option {
	return func(a *Assembler) {
		if n > 0 {
			a.maxSize = n
		}
	}
}

// New creates an assembler with default settings overridden by opts.
func New(opts ...Option) *Assembler {
	a := &Assembler{
		terminator: DefaultTerminator,
		chunkSize:  DefaultChunkSize,
		maxSize:    DefaultMaxSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Feed consumes p and returns every record completed by it, in order. Bytes
// after the last terminator stay pending until a later Feed completes them.
//
// A record that outgrows the maximum size is dropped up to and including its
// terminator, possibly in a later Feed. Records around it are still returned,
// and Feed reports ErrOutOfMemory once for the input that overflowed.
func (a *Assembler) Feed(p []byte) ([]ringlog.Record, error) {
	var (
		records []ringlog.Record
		err     error
	)
	for len(p) > 0 {
		i := bytes.IndexByte(p, a.terminator)

		if a.discarding {
			if i < 0 {
				return records, err
			}
			a.discarding = false
			p = p[i+1:]
			continue
		}

		if i < 0 {
			if perr := a.push(p); perr != nil {
				a.discarding = true
				err = perr
			}
			return records, err
		}

		if perr := a.push(p[:i+1]); perr != nil {
			err = perr
		} else {
			records = append(records, ringlog.NewRecord(a.buf))
			a.buf = a.buf[:0]
		}
		p = p[i+1:]
	}
	return records, err
}

// Discarding reports whether input is being skipped until the terminator of
// an oversized record.
func (a *Assembler) Discarding() bool {
	return a.discarding
}

// Terminator returns the byte that completes a record.
func (a *Assembler) Terminator() byte {
	return a.terminator
}

// Pending returns the number of buffered bytes not yet part of a record.
func (a *Assembler) Pending() int {
	return len(a.buf)
}

// Reset drops any pending bytes and releases the buffer.
func (a *Assembler) Reset() {
	a.buf = nil
	a.discarding = false
}

// push appends p to the pending buffer, growing it in chunk multiples.
func (a *Assembler) push(p []byte) error {
	need := len(a.buf) + len(p)
	if need > a.maxSize {
		a.buf = nil
		return ErrOutOfMemory
	}
	if need > cap(a.buf) {
		a.grow(need)
	}
	a.buf = append(a.buf, p...)
	return nil
}

// grow reallocates the buffer to at least need bytes: double the current
// capacity, rounded up to a whole number of chunks, capped at maxSize.
func (a *Assembler) grow(need int) {
	size := 2 * cap(a.buf)
	if size < need {
		size = need
	}
	size = (size + a.chunkSize - 1) / a.chunkSize * a.chunkSize
	if size > a.maxSize {
		size = a.maxSize
	}
	buf := make([]byte, len(a.buf), size)
	copy(buf, a.buf)
	a.buf = buf
}
