// Package transform implements the three in-place reshaping operations a
// frame can undergo between capture and disk: crop, crop+compress, and
// crop+bin. All three are stateless per buffer and dispatch on the
// buffer's pixel format.
package transform

import (
	"fmt"
	"math"

	"github.com/sensorstream/rawcapture/internal/codec"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

// UnsupportedFormatError reports a pixel format the transform does not
// know how to reshape. The caller forwards the buffer to the writer
// untouched; this is not treated as a fatal error.
type UnsupportedFormatError struct {
	Format rawbuffer.PixelFormat
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("transform: unsupported pixel format %s", e.Format)
}

// Options mirrors the subset of streamer configuration that governs
// frame reshaping.
type Options struct {
	CropWidthPercent  float64
	CropHeightPercent float64
	Bin               bool
	EnableCompression bool
}

// ProcessBuffer selects crop, cropAndCompress, or cropAndBin according
// to opts and rewrites buf in place. An UnsupportedFormatError leaves
// buf untouched.
func ProcessBuffer(buf *rawbuffer.RawImageBuffer, opts Options) error {
	if opts.Bin {
		return cropAndBin(buf, opts.CropWidthPercent, opts.CropHeightPercent, opts.EnableCompression)
	}
	if opts.EnableCompression {
		return cropAndCompress(buf, opts.CropWidthPercent, opts.CropHeightPercent)
	}
	return crop(buf, opts.CropWidthPercent, opts.CropHeightPercent)
}

// cropAmounts computes the symmetric per-side crop in pixels, rounded
// down to a multiple of 4 horizontally and 2 vertically to preserve
// Bayer phase, along with the resulting cropped dimensions.
func cropAmounts(cropWidthPct, cropHeightPct float64, width, height int) (horizontal, vertical, croppedWidth, croppedHeight int) {
	horizontal = 4 * (int(math.Round(0.5*(cropWidthPct/100.0*float64(width)))) / 4)
	vertical = 2 * (int(math.Round(0.5*(cropHeightPct/100.0*float64(height)))) / 2)
	croppedWidth = width - horizontal*2
	croppedHeight = height - vertical*2
	return
}

// crop excises a symmetric border and rewrites buf in place as a
// byte-wise row move for RAW10/RAW12. RAW16 is always crop+packed to
// RAW12, even with a zero-percent crop, so an uncompressed RAW16 frame
// never reaches the writer. Packing keeps the low 12 bits of each
// RAW16 sample.
func crop(buf *rawbuffer.RawImageBuffer, cropWidthPct, cropHeightPct float64) error {
	if cropWidthPct == 0 && cropHeightPct == 0 && buf.PixelFormat != rawbuffer.RAW16 {
		return nil
	}

	horizontalCrop, verticalCrop, croppedWidth, croppedHeight := cropAmounts(cropWidthPct, cropHeightPct, buf.Width, buf.Height)

	data := buf.Data.Lock()
	defer buf.Data.Unlock()

	ystart := verticalCrop
	yend := buf.Height - ystart

	var croppedRowStride int

	switch buf.PixelFormat {
	case rawbuffer.RAW10:
		croppedRowStride = 10 * croppedWidth / 8
		xstart := 10 * horizontalCrop / 8
		for y := ystart; y < yend; y++ {
			srcOffset := buf.RowStride * y
			dstOffset := croppedRowStride * (y - ystart)
			copy(data[dstOffset:dstOffset+croppedRowStride], data[srcOffset+xstart:srcOffset+xstart+croppedRowStride])
		}

	case rawbuffer.RAW12:
		croppedRowStride = 12 * croppedWidth / 8
		xstart := 12 * horizontalCrop / 8
		for y := ystart; y < yend; y++ {
			srcOffset := buf.RowStride * y
			dstOffset := croppedRowStride * (y - ystart)
			copy(data[dstOffset:dstOffset+croppedRowStride], data[srcOffset+xstart:srcOffset+xstart+croppedRowStride])
		}

	case rawbuffer.RAW16:
		croppedRowStride = 12 * croppedWidth / 8
		dstOffset := 0
		for y := ystart; y < yend; y++ {
			for x := horizontalCrop; x < buf.Width-horizontalCrop; x += 2 {
				p0 := codec.Read16(data, x, y, buf.RowStride)
				p1 := codec.Read16(data, x+1, y, buf.RowStride)

				upper := byte(p0&0x0F) | byte(p1&0x0F)<<4

				data[dstOffset+0] = byte(p0 >> 4)
				data[dstOffset+1] = byte(p1 >> 4)
				data[dstOffset+2] = upper

				dstOffset += 3
			}
		}
		buf.PixelFormat = rawbuffer.RAW12

	default:
		return &UnsupportedFormatError{Format: buf.PixelFormat}
	}

	buf.RowStride = croppedRowStride
	buf.Width = croppedWidth
	buf.Height = croppedHeight
	buf.IsCompressed = false
	buf.CompressionType = rawbuffer.Uncompressed
	buf.Data.SetValidRange(0, buf.RowStride*buf.Height)

	return nil
}

// cropAndCompress crops symmetrically (horizontal step of 2) and runs
// the BITNZPACK_2 row codec over each cropped row. The row is
// rearranged as [even-column samples || odd-column samples] first, so
// that adjacent samples in the packed stream come from the same color
// channel and compress tighter.
func cropAndCompress(buf *rawbuffer.RawImageBuffer, cropWidthPct, cropHeightPct float64) error {
	horizontalCrop, verticalCrop, croppedWidth, croppedHeight := cropAmounts(cropWidthPct, cropHeightPct, buf.Width, buf.Height)

	data := buf.Data.Lock()
	defer buf.Data.Unlock()

	xstart := horizontalCrop
	xend := buf.Width - xstart
	ystart := verticalCrop
	yend := buf.Height - ystart
	croppedWidthHalf := croppedWidth >> 1

	row := make([]uint16, croppedWidth)
	offset := 0

	var readFn func(data []byte, x, y, stride int) uint16
	switch buf.PixelFormat {
	case rawbuffer.RAW10:
		readFn = codec.Read10
	case rawbuffer.RAW12:
		readFn = codec.Read12
	case rawbuffer.RAW16:
		readFn = codec.Read16
	default:
		return &UnsupportedFormatError{Format: buf.PixelFormat}
	}

	for y := ystart; y < yend; y++ {
		for x := xstart; x < xend; x += 2 {
			p0 := readFn(data, x, y, buf.RowStride)
			p1 := readFn(data, x+1, y, buf.RowStride)

			x2 := (x - xstart) >> 1
			row[x2] = p0
			row[croppedWidthHalf+x2] = p1
		}

		offset += codec.EncodeRowInto(row, data[offset:])
	}

	buf.PixelFormat = rawbuffer.RAW16
	buf.RowStride = croppedWidth * 2
	buf.Width = croppedWidth
	buf.Height = croppedHeight
	buf.IsCompressed = true
	buf.CompressionType = rawbuffer.BitNZPack2
	buf.Data.SetValidRange(0, offset)

	return nil
}

// cropAndBin crops (horizontal step of 4, vertical step of 4) and
// downscales 2x in each axis while preserving the Bayer mosaic. Each
// 4x4 source block yields four output samples (two per row, one per
// column phase), each the separable 3x3 weighted sum of the
// like-color neighborhood at offsets of +/-2 in x and y, weights
// [[1,2,1],[2,4,2],[1,2,1]] (sum 16, divide by right-shifting 4).
// Boundary rule: clamp the left/top neighbor to 0, wrap the
// right/bottom neighbor modulo width/height.
func cropAndBin(buf *rawbuffer.RawImageBuffer, cropWidthPct, cropHeightPct float64, compress bool) error {
	horizontalCrop, verticalCrop, croppedWidth, _ := cropAmounts(cropWidthPct, cropHeightPct, buf.Width, buf.Height)

	data := buf.Data.Lock()
	defer buf.Data.Unlock()

	xstart := horizontalCrop
	xend := buf.Width - xstart
	ystart := verticalCrop
	yend := buf.Height - ystart
	binnedWidth := croppedWidth / 2

	var readFn func(data []byte, x, y, stride int) uint16
	switch buf.PixelFormat {
	case rawbuffer.RAW10:
		readFn = codec.Read10
	case rawbuffer.RAW12:
		readFn = codec.Read12
	case rawbuffer.RAW16:
		readFn = codec.Read16
	default:
		return &UnsupportedFormatError{Format: buf.PixelFormat}
	}

	row0 := make([]uint16, binnedWidth)
	row1 := make([]uint16, binnedWidth)
	offset := 0

	weighted := func(ix, iy int) uint16 {
		ixM2 := max(0, ix-2)
		ixP2 := (ix + 2) % buf.Width
		iyM2 := max(0, iy-2)
		iyP2 := (iy + 2) % buf.Height

		p0 := readFn(data, ixM2, iyM2, buf.RowStride)
		p1 := readFn(data, ix, iyM2, buf.RowStride) << 1
		p2 := readFn(data, ixP2, iyM2, buf.RowStride)
		p3 := readFn(data, ixM2, iy, buf.RowStride) << 1
		p4 := readFn(data, ix, iy, buf.RowStride) << 2
		p5 := readFn(data, ixP2, iy, buf.RowStride) << 1
		p6 := readFn(data, ixM2, iyP2, buf.RowStride)
		p7 := readFn(data, ix, iyP2, buf.RowStride) << 1
		p8 := readFn(data, ixP2, iyP2, buf.RowStride)

		return (p0 + p1 + p2 + p3 + p4 + p5 + p6 + p7 + p8) >> 4
	}

	for y := ystart; y < yend; y += 4 {
		for x := xstart; x < xend; x += 4 {
			xOut := (x - xstart) >> 2
			row0[xOut] = weighted(x, y)
			row0[xOut+binnedWidth/2] = weighted(x+1, y)
			row1[xOut] = weighted(x, y+1)
			row1[xOut+binnedWidth/2] = weighted(x+1, y+1)
		}

		if compress {
			offset += codec.EncodeRowInto(row0, data[offset:])
			offset += codec.EncodeRowInto(row1, data[offset:])
			continue
		}

		switch buf.PixelFormat {
		case rawbuffer.RAW10:
			offset += codec.PackRow10(row0, data[offset:])
			offset += codec.PackRow10(row1, data[offset:])
		case rawbuffer.RAW12:
			offset += codec.PackRow12(row0, data[offset:])
			offset += codec.PackRow12(row1, data[offset:])
		case rawbuffer.RAW16:
			offset += codec.PackRow12(row0, data[offset:])
			offset += codec.PackRow12(row1, data[offset:])
		}
	}

	buf.Width = binnedWidth
	buf.Height = (yend - ystart) / 2
	buf.IsBinned = true

	if compress {
		buf.PixelFormat = rawbuffer.RAW16
		buf.CompressionType = rawbuffer.BitNZPack2
		buf.IsCompressed = true
		buf.RowStride = binnedWidth * 2
	} else {
		buf.IsCompressed = false
		buf.CompressionType = rawbuffer.Uncompressed
		if buf.PixelFormat == rawbuffer.RAW16 {
			buf.PixelFormat = rawbuffer.RAW12
		}
		buf.RowStride = rawbuffer.NaturalRowStride(buf.PixelFormat, buf.Width)
	}
	buf.Data.SetValidRange(0, offset)

	return nil
}
