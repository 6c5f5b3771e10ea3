package container

import (
	"encoding/binary"
	"fmt"

	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

// Frame is one decoded frame record: its fixed header fields, decoded
// Metadata, and the raw (possibly compressed) payload bytes.
type Frame struct {
	Timestamp       int64
	Width           int
	Height          int
	RowStride       int
	PixelFormat     rawbuffer.PixelFormat
	CompressionType rawbuffer.CompressionType
	Metadata        rawbuffer.Metadata
	Payload         []byte
}

// ReadResult is the outcome of parsing one container file.
type ReadResult struct {
	Header FileHeader
	Frames []Frame
	// Committed is true if a valid trailer was found immediately
	// after the last frame record and its frame count agrees with the
	// forward scan. False means the file was truncated (or the
	// trailer is otherwise missing/corrupt) — every frame in Frames
	// up to the truncation point is still fully recovered.
	Committed bool
}

// ReadFile parses a complete container file already loaded into
// memory. It always forward-scans frame headers from just past the
// file header — this is what recovers every fully-written record in a
// truncated file — then checks whether a well-formed trailer
// immediately follows the last scanned record, confirming the file
// committed cleanly.
func ReadFile(data []byte) (ReadResult, error) {
	header, bodyOffset, err := parseFileHeader(data)
	if err != nil {
		return ReadResult{}, err
	}

	frames, endOffset := scanFrames(data, bodyOffset)
	committed := validTrailer(data[endOffset:], len(frames))

	return ReadResult{Header: header, Frames: frames, Committed: committed}, nil
}

func parseFileHeader(data []byte) (FileHeader, int, error) {
	if len(data) < fileHeaderFixedSize {
		return FileHeader{}, 0, fmt.Errorf("container: file too short for header")
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != fileMagic {
		return FileHeader{}, 0, fmt.Errorf("container: bad magic %#x", magic)
	}

	shardIndex := binary.LittleEndian.Uint16(data[6:8])
	shardCount := binary.LittleEndian.Uint16(data[8:10])
	metaLen := int(binary.LittleEndian.Uint32(data[10:14]))

	end := fileHeaderFixedSize + metaLen
	if end > len(data) {
		return FileHeader{}, 0, fmt.Errorf("container: camera metadata blob exceeds file size")
	}

	header := FileHeader{
		ShardIndex:     shardIndex,
		ShardCount:     shardCount,
		CameraMetadata: append([]byte(nil), data[fileHeaderFixedSize:end]...),
	}
	return header, end, nil
}

// scanFrames walks frame records forward from offset until one fails
// to parse (truncated header, or truncated metadata/payload, or the
// bytes there are actually the trailer) and returns every frame
// recovered plus the offset just past the last one.
func scanFrames(data []byte, offset int) ([]Frame, int) {
	var frames []Frame
	for offset+frameHeaderSize <= len(data) {
		if validTrailer(data[offset:], len(frames)) {
			break
		}
		frame, n, err := parseFrameRecord(data[offset:])
		if err != nil {
			break
		}
		frames = append(frames, frame)
		offset += n
	}
	return frames, offset
}

// validTrailer reports whether tail is a well-formed trailer whose
// frameCount matches wantFrameCount. The per-frame offset/length index
// is decodable but not cross-checked here: a reader that trusts
// Committed==true already trusts the forward scan it came from.
func validTrailer(tail []byte, wantFrameCount int) bool {
	if len(tail) < trailerFixedSize {
		return false
	}
	if binary.LittleEndian.Uint32(tail[0:4]) != trailerMagic {
		return false
	}
	frameCount := int(binary.LittleEndian.Uint32(tail[4:8]))
	if frameCount != wantFrameCount {
		return false
	}
	return len(tail) >= trailerFixedSize+frameCount*indexEntrySize
}

// parseFrameRecord parses exactly one frame record (header + metadata
// + payload) from the start of data and returns it along with the
// number of bytes consumed.
func parseFrameRecord(data []byte) (Frame, int, error) {
	if len(data) < frameHeaderSize {
		return Frame{}, 0, fmt.Errorf("container: truncated frame header")
	}

	timestamp := int64(binary.LittleEndian.Uint64(data[0:8]))
	width := binary.LittleEndian.Uint32(data[8:12])
	height := binary.LittleEndian.Uint32(data[12:16])
	rowStride := binary.LittleEndian.Uint32(data[16:20])
	pixelFormat := rawbuffer.PixelFormat(data[20])
	compressionType := rawbuffer.CompressionType(data[21])
	metadataLen := binary.LittleEndian.Uint32(data[24:28])
	payloadLen := binary.LittleEndian.Uint32(data[28:32])

	total := frameHeaderSize + int(metadataLen) + int(payloadLen)
	if total > len(data) {
		return Frame{}, 0, fmt.Errorf("container: truncated frame record")
	}

	var metadata rawbuffer.Metadata
	if err := metadata.UnmarshalBinary(data[frameHeaderSize : frameHeaderSize+int(metadataLen)]); err != nil {
		return Frame{}, 0, fmt.Errorf("container: bad frame metadata: %w", err)
	}

	payloadStart := frameHeaderSize + int(metadataLen)
	payload := append([]byte(nil), data[payloadStart:payloadStart+int(payloadLen)]...)

	return Frame{
		Timestamp:       timestamp,
		Width:           int(width),
		Height:          int(height),
		RowStride:       int(rowStride),
		PixelFormat:     pixelFormat,
		CompressionType: compressionType,
		Metadata:        metadata,
		Payload:         payload,
	}, total, nil
}
