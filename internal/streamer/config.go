package streamer

import (
	"fmt"
	"io"

	"github.com/sensorstream/rawcapture/internal/audio"
	"github.com/sensorstream/rawcapture/internal/logger"
	"github.com/sensorstream/rawcapture/internal/metrics"
	"github.com/sensorstream/rawcapture/internal/preview"
	"github.com/sensorstream/rawcapture/internal/transform"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

// Descriptor pairs a destination Writer with an optional Closer the
// streamer owns. If Closer is non-nil, the streamer's Commit on that
// shard closes it; otherwise the caller retains ownership and closes
// it itself once Stop returns.
type Descriptor struct {
	Writer io.Writer
	Closer io.Closer
}

// Config configures one capture session. Descriptors has one entry
// per output shard — its length is the shard count.
type Config struct {
	CropWidthPercent  float64
	CropHeightPercent float64
	Bin               bool
	EnableCompression bool

	// NumTransformWorkers is the number of goroutines racing on the
	// shared unprocessed queue. Defaults to 1 if <= 0.
	NumTransformWorkers int

	Descriptors    []Descriptor
	CameraMetadata []byte

	// Pool, if set, has Discard called on every buffer once its writer
	// shard has committed it to disk, mirroring the reference's
	// discardBuffer call right after RawContainer::add. Optional: a
	// caller not using a Pool for admission control can leave this nil.
	Pool rawbuffer.Pool

	// AudioInterface and AudioDescriptor are both optional; the audio
	// sub-stream is only started if both are set.
	AudioInterface  audio.Interface
	AudioDescriptor *Descriptor

	// Preview, if set, receives a copy of every buffer once a transform
	// worker finishes reshaping it. The offer is non-blocking: a
	// broadcaster still busy with the previous frame has this one
	// dropped rather than stalling the transform worker. A Publish
	// failure is logged and counted, never fatal to the capture session.
	Preview *preview.Broadcaster

	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// ConfigError reports a Config that fails validation before any
// goroutine or file is started.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return "streamer: " + e.Msg }

func (c *Config) validate() error {
	if c.CropWidthPercent < 0 || c.CropWidthPercent > 100 {
		return &ConfigError{Msg: fmt.Sprintf("cropWidthPercent %v out of [0,100]", c.CropWidthPercent)}
	}
	if c.CropHeightPercent < 0 || c.CropHeightPercent > 100 {
		return &ConfigError{Msg: fmt.Sprintf("cropHeightPercent %v out of [0,100]", c.CropHeightPercent)}
	}
	if len(c.Descriptors) == 0 {
		return &ConfigError{Msg: "no output descriptors"}
	}
	for i, d := range c.Descriptors {
		if d.Writer == nil {
			return &ConfigError{Msg: fmt.Sprintf("descriptor %d has a nil Writer", i)}
		}
	}
	if (c.AudioInterface == nil) != (c.AudioDescriptor == nil) {
		return &ConfigError{Msg: "AudioInterface and AudioDescriptor must both be set or both be nil"}
	}
	return nil
}

func (c *Config) transformOptions() transform.Options {
	return transform.Options{
		CropWidthPercent:  c.CropWidthPercent,
		CropHeightPercent: c.CropHeightPercent,
		Bin:               c.Bin,
		EnableCompression: c.EnableCompression,
	}
}
