package rawbuffer

import (
	"fmt"
	"time"
)

// RawImageBuffer is a captured sensor frame as it moves through the
// pipeline: camera -> unprocessed queue -> transform -> ready queue ->
// writer -> pool.
type RawImageBuffer struct {
	Data *Data

	Width     int
	Height    int
	RowStride int

	PixelFormat     PixelFormat
	CompressionType CompressionType
	IsBinned        bool
	IsCompressed    bool

	Metadata Metadata

	// Timestamp orders frames across writer shards; end-to-end
	// ordering is not preserved by the pipeline itself (see spec §5).
	Timestamp time.Time
}

// New allocates a RawImageBuffer backed by a zeroed buffer of cap
// bytes, in the natural (uncompressed) layout for format/width/height.
func New(format PixelFormat, width, height, cap int) *RawImageBuffer {
	return &RawImageBuffer{
		Data:            NewData(make([]byte, cap)),
		Width:           width,
		Height:          height,
		RowStride:       NaturalRowStride(format, width),
		PixelFormat:     format,
		CompressionType: Uncompressed,
	}
}

// Validate checks the at-rest invariants from spec §3.
func (b *RawImageBuffer) Validate() error {
	if b.Width%2 != 0 || b.Height%2 != 0 {
		return errInvalid("width and height must be even, got %dx%d", b.Width, b.Height)
	}
	if b.IsCompressed {
		if b.CompressionType == Uncompressed {
			return errInvalid("isCompressed but compressionType is UNCOMPRESSED")
		}
		return nil
	}
	if b.CompressionType != Uncompressed {
		return errInvalid("!isCompressed but compressionType is %s", b.CompressionType)
	}
	if b.RowStride*b.Height > b.Data.Size() {
		return errInvalid("rowStride*height (%d) exceeds buffer size (%d)", b.RowStride*b.Height, b.Data.Size())
	}
	if want := NaturalRowStride(b.PixelFormat, b.Width); want != 0 && b.RowStride != want {
		return errInvalid("rowStride %d does not match natural stride %d for %s width %d", b.RowStride, want, b.PixelFormat, b.Width)
	}
	return nil
}

func errInvalid(format string, args ...any) error {
	return &invalidBufferError{msg: fmt.Sprintf(format, args...)}
}

type invalidBufferError struct{ msg string }

func (e *invalidBufferError) Error() string { return "rawbuffer: " + e.msg }
