package container

import (
	"bytes"
	"testing"
	"time"

	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

func makeFrame(width, height int, payload []byte) *rawbuffer.RawImageBuffer {
	buf := rawbuffer.New(rawbuffer.RAW10, width, height, len(payload))
	buf.RowStride = rawbuffer.NaturalRowStride(rawbuffer.RAW10, width)
	buf.Data.SetValidRange(0, len(payload))
	data := buf.Data.Lock()
	copy(data, payload)
	buf.Data.Unlock()
	buf.Timestamp = time.Unix(0, int64(len(payload))*1000)
	buf.Metadata = rawbuffer.Metadata{ISO: 100, ExposureNs: 8333333}
	return buf
}

func TestWriterCommitThenReadBack(t *testing.T) {
	var out bytes.Buffer

	w, err := NewWriter(&out, nil, FileHeader{ShardIndex: 0, ShardCount: 2, CameraMetadata: []byte("vendor-blob")})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	frames := []*rawbuffer.RawImageBuffer{
		makeFrame(16, 8, []byte{1, 2, 3, 4, 5}),
		makeFrame(16, 8, []byte{6, 7, 8, 9, 10, 11}),
		makeFrame(16, 8, []byte{12}),
	}
	for _, f := range frames {
		if err := w.Add(f); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	if w.FrameCount() != 3 {
		t.Fatalf("FrameCount = %d, want 3", w.FrameCount())
	}

	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// Commit is idempotent.
	if err := w.Commit(); err != nil {
		t.Fatalf("second Commit: %v", err)
	}

	result, err := ReadFile(out.Bytes())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !result.Committed {
		t.Fatalf("expected Committed=true")
	}
	if result.Header.ShardIndex != 0 || result.Header.ShardCount != 2 {
		t.Fatalf("header mismatch: %+v", result.Header)
	}
	if string(result.Header.CameraMetadata) != "vendor-blob" {
		t.Fatalf("camera metadata mismatch: %q", result.Header.CameraMetadata)
	}
	if len(result.Frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(result.Frames))
	}
	for i, f := range result.Frames {
		want := frames[i]
		if f.Width != want.Width || f.Height != want.Height {
			t.Fatalf("frame %d dims = %dx%d, want %dx%d", i, f.Width, f.Height, want.Width, want.Height)
		}
		wantPayload := want.Data.Bytes()[:func() int { _, e := want.Data.ValidRange(); return e }()]
		if !bytes.Equal(f.Payload, wantPayload) {
			t.Fatalf("frame %d payload mismatch: got %v want %v", i, f.Payload, wantPayload)
		}
		if f.Metadata.ISO != 100 {
			t.Fatalf("frame %d metadata ISO = %d, want 100", i, f.Metadata.ISO)
		}
	}
}

func TestReadFileRecoversTruncatedContainer(t *testing.T) {
	var out bytes.Buffer

	w, err := NewWriter(&out, nil, FileHeader{ShardIndex: 1, ShardCount: 1})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := w.Add(makeFrame(16, 8, []byte{byte(i), byte(i + 1)})); err != nil {
			t.Fatalf("Add %d: %v", i, err)
		}
	}
	// No Commit(): simulate abrupt termination, and additionally chop
	// off the tail of the last record to confirm a partially-written
	// final frame is simply dropped rather than corrupting the scan.
	truncated := out.Bytes()[:out.Len()-1]

	result, err := ReadFile(truncated)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if result.Committed {
		t.Fatalf("expected Committed=false for a file with no trailer")
	}
	if len(result.Frames) != 4 {
		t.Fatalf("got %d recovered frames, want 4 (the 5th was truncated)", len(result.Frames))
	}
}

func TestReadFileRejectsBadMagic(t *testing.T) {
	_, err := ReadFile([]byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if err == nil {
		t.Fatalf("expected error for bad magic")
	}
}
