// Package audio implements the secondary PCM capture bound to a
// streaming session's lifecycle: a driver-facing Interface, an
// in-memory segment that accumulates samples for the session's
// duration, and a single RIFF/WAVE write performed once at stop().
package audio

import "sync"

// SampleRateHz and ChannelCount are the fixed capture parameters the
// streamer starts the audio interface with, matching the reference's
// SoundSampleRateHz/SoundChannelCount constants.
const (
	SampleRateHz = 48000
	ChannelCount = 2
)

// Interface abstracts the platform audio driver: start capture at a
// given rate/channel count, stop it, and retrieve everything captured
// since start. Implementations are provided by the host application;
// this package only defines the capability the streamer depends on.
type Interface interface {
	Start(sampleRateHz, channels int) error
	Stop()
	// AudioData returns the interleaved PCM16 samples captured since
	// Start, and the channel count/sample rate actually used (a driver
	// may not honor the requested rate exactly).
	AudioData() (samples []int16, channels, sampleRateHz int)
}

// Segment is an in-memory interleaved PCM16 accumulator. It is not a
// true bounded ring buffer — sessions are seconds to minutes, not
// unbounded, so the reference's own "accumulate for the session, flush
// once at stop" behavior (RawBufferStreamer::stop) is preserved rather
// than adding a capacity that nothing in this spec needs.
type Segment struct {
	mu      sync.Mutex
	samples []int16
}

// NewSegment returns an empty Segment.
func NewSegment() *Segment { return &Segment{} }

// Append adds interleaved PCM16 samples to the segment.
func (s *Segment) Append(samples []int16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, samples...)
}

// Samples returns a copy of everything accumulated so far.
func (s *Segment) Samples() []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int16(nil), s.samples...)
}

// Len returns the number of accumulated samples (not frames: for
// stereo, one frame is two samples).
func (s *Segment) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
