package rawbuffer

import "sync/atomic"

// Pool is the external buffer-pool collaborator. The pipeline never
// frees a buffer itself; it only ever returns one to the pool via
// Discard once the writer that ingested it is done with it.
type Pool interface {
	// Acquire returns a ready-to-fill buffer of at least cap bytes,
	// or ok=false if the pool is refusing new allocations (its chosen
	// form of pipeline backpressure; see spec §9).
	Acquire(format PixelFormat, width, height, cap int) (buf *RawImageBuffer, ok bool)

	// Discard returns a buffer to the pool once the pipeline is done
	// with it. Safe to call exactly once per buffer.
	Discard(buf *RawImageBuffer)
}

// SlabPool is the reference Pool implementation: it hands out freshly
// allocated buffers up to a configured ceiling on outstanding bytes,
// then refuses further Acquire calls until Discards bring usage back
// under the ceiling. It does not recycle byte slices (a GC'd language
// doesn't need to); the "pool" here exists purely to provide the
// admission-control backpressure point spec §9 assumes lives outside
// the pipeline.
type SlabPool struct {
	maxBytes     int64
	outstanding  atomic.Int64
	acquireCount atomic.Uint64
	refusedCount atomic.Uint64
}

// NewSlabPool creates a pool that admits at most maxBytes of
// outstanding buffer capacity at once. maxBytes <= 0 means unbounded.
func NewSlabPool(maxBytes int64) *SlabPool {
	return &SlabPool{maxBytes: maxBytes}
}

func (p *SlabPool) Acquire(format PixelFormat, width, height, cap int) (*RawImageBuffer, bool) {
	if p.maxBytes > 0 {
		if p.outstanding.Add(int64(cap)) > p.maxBytes {
			p.outstanding.Add(-int64(cap))
			p.refusedCount.Add(1)
			return nil, false
		}
	}
	p.acquireCount.Add(1)
	return New(format, width, height, cap), true
}

func (p *SlabPool) Discard(buf *RawImageBuffer) {
	if p.maxBytes > 0 {
		p.outstanding.Add(-int64(buf.Data.Size()))
	}
}

// Outstanding returns the current number of bytes handed out but not
// yet discarded. Usage is only tracked when the pool has a ceiling; an
// unbounded pool (maxBytes <= 0) always reports 0.
func (p *SlabPool) Outstanding() int64 { return p.outstanding.Load() }

// Refused returns the number of Acquire calls that were refused
// because the pool was saturated.
func (p *SlabPool) Refused() uint64 { return p.refusedCount.Load() }
