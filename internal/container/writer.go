package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

// indexEntry records where one committed frame record lives in the
// file, for the trailer.
type indexEntry struct {
	offset uint64
	length uint64
}

// Writer is a single-threaded, append-only encoder for one shard's
// container file. Frames are distributed across Writers round-robin by
// the streamer; a Writer is never shared between goroutines.
type Writer struct {
	mu sync.Mutex

	w      io.Writer
	closer io.Closer

	offset       uint64
	index        []indexEntry
	writtenBytes uint64
	committed    bool
}

// NewWriter writes a FileHeader to w and returns a Writer ready to
// Add frames. The caller owns w when closer is nil; a non-nil closer
// hands ownership to the Writer, and Commit closes it, matching spec
// §4.5's "caller-owned unless the writer takes ownership" resource rule.
func NewWriter(w io.Writer, closer io.Closer, header FileHeader) (*Writer, error) {
	wr := &Writer{w: w, closer: closer}

	buf := make([]byte, fileHeaderFixedSize+len(header.CameraMetadata))
	binary.LittleEndian.PutUint32(buf[0:4], fileMagic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], header.ShardIndex)
	binary.LittleEndian.PutUint16(buf[8:10], header.ShardCount)
	binary.LittleEndian.PutUint32(buf[10:14], uint32(len(header.CameraMetadata)))
	copy(buf[fileHeaderFixedSize:], header.CameraMetadata)

	n, err := w.Write(buf)
	if err != nil {
		return nil, fmt.Errorf("container: write file header: %w", err)
	}
	wr.offset = uint64(n)

	return wr, nil
}

// Add serializes buf's header, metadata, and valid payload range as one
// frame record and appends it to the file. The buffer's data lock is
// held only long enough to copy the payload out.
func (w *Writer) Add(buf *rawbuffer.RawImageBuffer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return fmt.Errorf("container: Add called after Commit")
	}

	metadata, err := buf.Metadata.MarshalBinary()
	if err != nil {
		return fmt.Errorf("container: marshal metadata: %w", err)
	}

	data := buf.Data.Lock()
	start, end := buf.Data.ValidRangeLocked()
	payload := append([]byte(nil), data[start:end]...)
	buf.Data.Unlock()

	recordStart := w.offset

	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], uint64(buf.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(buf.Width))
	binary.LittleEndian.PutUint32(header[12:16], uint32(buf.Height))
	binary.LittleEndian.PutUint32(header[16:20], uint32(buf.RowStride))
	header[20] = byte(buf.PixelFormat)
	header[21] = byte(buf.CompressionType)
	binary.LittleEndian.PutUint32(header[24:28], uint32(len(metadata)))
	binary.LittleEndian.PutUint32(header[28:32], uint32(len(payload)))

	if n, err := w.w.Write(header); err != nil {
		return fmt.Errorf("container: write frame header: %w", err)
	} else {
		w.offset += uint64(n)
	}
	if n, err := w.w.Write(metadata); err != nil {
		return fmt.Errorf("container: write frame metadata: %w", err)
	} else {
		w.offset += uint64(n)
	}
	if n, err := w.w.Write(payload); err != nil {
		return fmt.Errorf("container: write frame payload: %w", err)
	} else {
		w.offset += uint64(n)
	}

	recordLen := w.offset - recordStart
	w.index = append(w.index, indexEntry{offset: recordStart, length: recordLen})
	w.writtenBytes += recordLen

	return nil
}

// FrameCount returns the number of frames committed via Add so far.
func (w *Writer) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

// WrittenBytes returns the total bytes of frame records (header plus
// metadata plus payload) written so far, excluding the file header
// and trailer.
func (w *Writer) WrittenBytes() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writtenBytes
}

// Commit writes the trailer — an index of every frame record's offset
// and length, plus a sentinel — and seals the file. Idempotent: a
// second Commit is a no-op. If the underlying writer was given with
// ownership, Commit also closes it.
func (w *Writer) Commit() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.committed {
		return nil
	}
	w.committed = true

	buf := make([]byte, trailerFixedSize+len(w.index)*indexEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], trailerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(w.index)))

	off := trailerFixedSize
	for _, e := range w.index {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.offset)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.length)
		off += indexEntrySize
	}

	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("container: write trailer: %w", err)
	}

	if w.closer != nil {
		return w.closer.Close()
	}
	return nil
}
