// Package ringlog provides a fixed-capacity circular log of variable-length
// records with oldest-first eviction and logical byte offset lookup.
//
// A Log is not safe for concurrent use; callers serialize access.
package ringlog

// DefaultCapacity is the number of records kept when no capacity is configured.
const DefaultCapacity = 10

// Log holds at most Cap() records. Appending to a full log evicts the oldest.
type Log struct {
	slots []Record
	in    int // next slot to write
	out   int // oldest live record
	full  bool
}

// New creates an empty log holding up to capacity records.
// A capacity below 1 is treated as 1.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{slots: make([]Record, capacity)}
}

// Cap returns the maximum number of live records.
func (l *Log) Cap() int {
	return len(l.slots)
}

// Len returns the number of live records.
func (l *Log) Len() int {
	if l.full {
		return len(l.slots)
	}
	return (l.in - l.out + len(l.slots)) % len(l.slots)
}

// Append stores rec at the write position. When the log is full the oldest
// record is moved out of its slot first and returned as evicted; the slot no
// longer references it once Append returns.
func (l *Log) Append(rec Record) (evicted Record, ok bool) {
	n := len(l.slots)
	if l.full {
		evicted, l.slots[l.out] = l.slots[l.out], Record{}
		ok = true
		l.out = (l.out + 1) % n
	}

	l.slots[l.in] = rec
	l.in = (l.in + 1) % n
	l.full = l.in == l.out
	return evicted, ok
}

// FindByOffset returns the record containing logical byte off and the offset
// inside that record. The logical space is the concatenation of all live
// records, oldest first. ok is false when off is outside [0, TotalBytes()).
func (l *Log) FindByOffset(off int) (rec Record, local int, ok bool) {
	if off < 0 {
		return Record{}, 0, false
	}
	acc := 0
	for i := 0; i < l.Len(); i++ {
		r := l.slots[l.index(i)]
		if off < acc+r.Len() {
			return r, off - acc, true
		}
		acc += r.Len()
	}
	return Record{}, 0, false
}

// StartOffset returns the logical offset of the i-th live record (0 = oldest).
func (l *Log) StartOffset(i int) (int, bool) {
	if i < 0 || i >= l.Len() {
		return 0, false
	}
	acc := 0
	for j := 0; j < i; j++ {
		acc += l.slots[l.index(j)].Len()
	}
	return acc, true
}

// At returns the i-th live record, 0 being the oldest.
func (l *Log) At(i int) (Record, bool) {
	if i < 0 || i >= l.Len() {
		return Record{}, false
	}
	return l.slots[l.index(i)], true
}

// TotalBytes returns the summed length of all live records.
func (l *Log) TotalBytes() int {
	total := 0
	for i := 0; i < l.Len(); i++ {
		total += l.slots[l.index(i)].Len()
	}
	return total
}

// Bytes returns the concatenation of all live records in ring order.
func (l *Log) Bytes() []byte {
	out := make([]byte, 0, l.TotalBytes())
	for i := 0; i < l.Len(); i++ {
		out = l.slots[l.index(i)].appendTo(out)
	}
	return out
}

// records returns the live records, oldest first.
func (l *Log) records() []Record {
	out := make([]Record, 0, l.Len())
	for i := 0; i < l.Len(); i++ {
		out = append(out, l.slots[l.index(i)])
	}
	return out
}

// Clear drops every record and resets the log to empty.
func (l *Log) Clear() {
	for i := range l.slots {
		l.slots[i] = Record{}
	}
	l.in, l.out, l.full = 0, 0, false
}

// index maps the i-th live record to its slot.
func (l *Log) index(i int) int {
	return (l.out + i) % len(l.slots)
}
