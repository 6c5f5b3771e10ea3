package preview

import (
	"bytes"
	"image/jpeg"
	"testing"

	"github.com/sensorstream/rawcapture/internal/codec"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

func TestRenderPreviewJPEGProducesDecodableImage(t *testing.T) {
	width, height := 64, 32
	stride := rawbuffer.NaturalRowStride(rawbuffer.RAW12, width)
	buf := rawbuffer.New(rawbuffer.RAW12, width, height, stride*height)

	data := buf.Data.Lock()
	for y := 0; y < height; y++ {
		row := make([]uint16, width)
		for x := range row {
			row[x] = uint16((x + y) % 4096)
		}
		codec.PackRow12(row, data[y*stride:(y+1)*stride])
	}
	buf.Data.Unlock()

	jpegBytes, err := renderPreviewJPEG(buf)
	if err != nil {
		t.Fatalf("renderPreviewJPEG: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(jpegBytes))
	if err != nil {
		t.Fatalf("decode produced JPEG: %v", err)
	}
	if img.Bounds().Dx() != previewWidth || img.Bounds().Dy() != previewHeight {
		t.Fatalf("preview dims = %dx%d, want %dx%d", img.Bounds().Dx(), img.Bounds().Dy(), previewWidth, previewHeight)
	}
}

func TestRenderPreviewJPEGDecodesCompressedBuffer(t *testing.T) {
	width, height := 32, 16
	half := width / 2

	buf := rawbuffer.New(rawbuffer.RAW16, width, height, width*2*height)
	data := buf.Data.Lock()
	offset := 0
	for y := 0; y < height; y++ {
		row := make([]uint16, width)
		for x2 := 0; x2 < half; x2++ {
			row[x2] = uint16((x2*37 + y) % 1024)        // even columns
			row[half+x2] = uint16((x2*53 + y*7) % 1024) // odd columns
		}
		offset += codec.EncodeRowInto(row, data[offset:])
	}
	buf.Data.Unlock()
	buf.Data.SetValidRange(0, offset)
	buf.IsCompressed = true
	buf.CompressionType = rawbuffer.BitNZPack2

	jpegBytes, err := renderPreviewJPEG(buf)
	if err != nil {
		t.Fatalf("renderPreviewJPEG on compressed buffer: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(jpegBytes)); err != nil {
		t.Fatalf("decode produced JPEG: %v", err)
	}
}

func TestRenderPreviewJPEGRejectsUnsupportedFormat(t *testing.T) {
	buf := rawbuffer.New(rawbuffer.PixelFormat(99), 16, 16, 1024)
	if _, err := renderPreviewJPEG(buf); err == nil {
		t.Fatalf("expected error for unsupported pixel format")
	}
}

func TestBroadcasterViewerCountStartsAtZero(t *testing.T) {
	b := NewBroadcaster(nil, 4, nil)
	if n := b.ViewerCount(); n != 0 {
		t.Fatalf("ViewerCount() = %d, want 0", n)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close on empty broadcaster: %v", err)
	}
}
