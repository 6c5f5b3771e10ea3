// Package rawbuffer defines the frame representation shared by every
// stage of the capture pipeline: the pixel codec, the frame
// transformer, the bounded queues, and the container writer all
// operate on *RawImageBuffer.
package rawbuffer

import (
	"encoding/binary"
	"fmt"
	"math"
)

// PixelFormat identifies the packed layout of a sensor frame.
type PixelFormat int

const (
	RAW10 PixelFormat = iota
	RAW12
	RAW16
)

func (f PixelFormat) String() string {
	switch f {
	case RAW10:
		return "RAW10"
	case RAW12:
		return "RAW12"
	case RAW16:
		return "RAW16"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int(f))
	}
}

// CompressionType identifies the entropy stage, if any, applied to a
// buffer's payload.
type CompressionType int

const (
	Uncompressed CompressionType = iota
	BitNZPack2
)

func (c CompressionType) String() string {
	switch c {
	case Uncompressed:
		return "UNCOMPRESSED"
	case BitNZPack2:
		return "BITNZPACK_2"
	default:
		return fmt.Sprintf("CompressionType(%d)", int(c))
	}
}

// NaturalRowStride returns the row stride, in bytes, for an
// uncompressed buffer of the given format and width.
func NaturalRowStride(format PixelFormat, width int) int {
	switch format {
	case RAW10:
		return 10 * width / 8
	case RAW12:
		return 12 * width / 8
	case RAW16:
		return 2 * width
	default:
		return 0
	}
}

// Metadata is the opaque per-frame side-band the camera attaches to a
// buffer (exposure, white balance, timestamp, and an arbitrary
// vendor-private blob). The pipeline never reads these fields; only
// the container writer and reader touch them, and only to move them
// to and from disk.
type Metadata struct {
	TimestampUnixNano int64
	ExposureNs        int64
	ISO               uint32
	WhiteBalanceR     float32
	WhiteBalanceG     float32
	WhiteBalanceB     float32
	Vendor            []byte
}

const metadataFixedSize = 8 + 8 + 4 + 4 + 4 + 4

// MarshalBinary encodes Metadata as little-endian fixed-width fields
// followed by the vendor blob, satisfying encoding.BinaryMarshaler.
func (m Metadata) MarshalBinary() ([]byte, error) {
	out := make([]byte, metadataFixedSize+len(m.Vendor))
	binary.LittleEndian.PutUint64(out[0:8], uint64(m.TimestampUnixNano))
	binary.LittleEndian.PutUint64(out[8:16], uint64(m.ExposureNs))
	binary.LittleEndian.PutUint32(out[16:20], m.ISO)
	binary.LittleEndian.PutUint32(out[20:24], math.Float32bits(m.WhiteBalanceR))
	binary.LittleEndian.PutUint32(out[24:28], math.Float32bits(m.WhiteBalanceG))
	binary.LittleEndian.PutUint32(out[28:32], math.Float32bits(m.WhiteBalanceB))
	copy(out[metadataFixedSize:], m.Vendor)
	return out, nil
}

// UnmarshalBinary decodes Metadata, satisfying encoding.BinaryUnmarshaler.
func (m *Metadata) UnmarshalBinary(data []byte) error {
	if len(data) < metadataFixedSize {
		return fmt.Errorf("rawbuffer: metadata blob too short (%d bytes)", len(data))
	}
	m.TimestampUnixNano = int64(binary.LittleEndian.Uint64(data[0:8]))
	m.ExposureNs = int64(binary.LittleEndian.Uint64(data[8:16]))
	m.ISO = binary.LittleEndian.Uint32(data[16:20])
	m.WhiteBalanceR = math.Float32frombits(binary.LittleEndian.Uint32(data[20:24]))
	m.WhiteBalanceG = math.Float32frombits(binary.LittleEndian.Uint32(data[24:28]))
	m.WhiteBalanceB = math.Float32frombits(binary.LittleEndian.Uint32(data[28:32]))
	if rest := data[metadataFixedSize:]; len(rest) > 0 {
		m.Vendor = append([]byte(nil), rest...)
	}
	return nil
}
