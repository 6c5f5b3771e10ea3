// Package container implements the per-writer append-only container
// file: a fixed header, a run of variable-length frame records, and a
// trailer written at commit() that indexes every record. A file with
// no trailer is a truncated-but-recoverable container: ReadFile
// recovers its records by a forward scan of frame headers.
package container

const (
	fileMagic    = 0x52415743 // "RAWC"
	trailerMagic = 0x52415754 // "RAWT"
	formatVersion = 1

	// fileHeaderFixedSize is magic(4) + version(2) + shardIndex(2) +
	// shardCount(2) + cameraMetadataLen(4).
	fileHeaderFixedSize = 4 + 2 + 2 + 2 + 4

	// frameHeaderSize is timestampUnixNano(8) + width(4) + height(4) +
	// rowStride(4) + pixelFormat(1) + compressionType(1) + reserved(2) +
	// metadataLen(4) + payloadLen(4).
	frameHeaderSize = 8 + 4 + 4 + 4 + 1 + 1 + 2 + 4 + 4

	// indexEntrySize is offset(8) + length(8) for one frame record, as
	// recorded in the trailer.
	indexEntrySize = 8 + 8

	// trailerFixedSize is trailerMagic(4) + frameCount(4), excluding
	// the variable-length index itself.
	trailerFixedSize = 4 + 4
)

// FileHeader is the fixed container prefix: a magic number, format
// version, this file's position among its shards, and an opaque
// camera metadata blob common to every frame in the file.
type FileHeader struct {
	ShardIndex     uint16
	ShardCount     uint16
	CameraMetadata []byte
}
