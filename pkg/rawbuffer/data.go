package rawbuffer

import (
	"fmt"
	"sync"
)

// Data is an owned, lockable byte region with a valid sub-window.
// Exactly one holder may mutate it at a time; Lock/Unlock is the
// scoped-acquisition boundary transform operations use to bound their
// critical section to a single pair per call, including on error
// paths.
type Data struct {
	mu     sync.Mutex
	locked bool
	buf    []byte
	start  int
	end    int
}

// NewData wraps buf, with the valid range initially spanning the
// whole buffer.
func NewData(buf []byte) *Data {
	return &Data{buf: buf, start: 0, end: len(buf)}
}

// Lock acquires exclusive access and returns the underlying buffer.
// Callers must call Unlock on every exit path, including errors.
func (d *Data) Lock() []byte {
	d.mu.Lock()
	d.locked = true
	return d.buf
}

// Unlock releases exclusive access acquired by Lock.
func (d *Data) Unlock() {
	d.locked = false
	d.mu.Unlock()
}

// ValidRange returns the current valid sub-window, [start, end).
func (d *Data) ValidRange() (start, end int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.start, d.end
}

// ValidRangeLocked is ValidRange for a caller that already holds the
// lock via Lock. sync.Mutex is not reentrant, so code that has called
// Lock must use this instead of ValidRange to read the valid window
// without deadlocking itself.
func (d *Data) ValidRangeLocked() (start, end int) {
	return d.start, d.end
}

// SetValidRange updates the valid sub-window. Callers hold the lock
// while transforming the buffer, so this is typically called just
// before Unlock.
func (d *Data) SetValidRange(start, end int) {
	if start < 0 || end > len(d.buf) || start > end {
		panic(fmt.Sprintf("rawbuffer: invalid range [%d,%d) over %d bytes", start, end, len(d.buf)))
	}
	d.start = start
	d.end = end
}

// Size returns the capacity of the underlying buffer.
func (d *Data) Size() int {
	return len(d.buf)
}

// Bytes returns the full underlying buffer without locking. It gives
// no protection against a concurrent holder of Lock; the container
// writer and the preview renderer use Lock with ValidRangeLocked.
func (d *Data) Bytes() []byte {
	return d.buf
}
