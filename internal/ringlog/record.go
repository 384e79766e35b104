package ringlog

import "io"

// Record is one terminator-delimited command. The payload is owned by the
// record and never shared with the caller.
type Record struct {
	data []byte
}

// NewRecord copies p into a new record.
func NewRecord(p []byte) Record {
	data := make([]byte, len(p))
	copy(data, p)
	return Record{data: data}
}

// Len returns the payload length in bytes.
func (r Record) Len() int {
	return len(r.data)
}

// isZero reports whether r holds no payload (an empty slot).
func (r Record) isZero() bool {
	return r.data == nil
}

// Bytes returns a copy of the payload.
func (r Record) Bytes() []byte {
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// String returns the payload as a string.
func (r Record) String() string {
	return string(r.data)
}

// ByteAt returns the byte at local offset i.
func (r Record) ByteAt(i int) byte {
	return r.data[i]
}

// ReadAt copies payload bytes starting at off into p.
func (r Record) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	n := copy(p, r.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// appendTo appends the payload to dst without an intermediate copy.
func (r Record) appendTo(dst []byte) []byte {
	return append(dst, r.data...)
}
