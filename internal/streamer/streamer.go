// Package streamer coordinates the capture pipeline end to end: a
// caller pushes buffers in via Add, a pool of transform workers reshape
// them, and one writer goroutine per output shard commits them to its
// container file. It is the Go counterpart of RawBufferStreamer: the
// same start/add/stop lifecycle and the same two-queue worker
// topology, adapted to the container writer and per-shard round robin
// this implementation uses instead of a single shared output queue.
package streamer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorstream/rawcapture/internal/audio"
	"github.com/sensorstream/rawcapture/internal/container"
	"github.com/sensorstream/rawcapture/internal/queue"
	"github.com/sensorstream/rawcapture/internal/transform"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

const (
	// transformDequeueTimeout and writerDequeueTimeout bound how long a
	// worker blocks before re-checking the running flag, mirroring the
	// reference's wait_dequeue_timed poll interval.
	transformDequeueTimeout = 67 * time.Millisecond
	writerDequeueTimeout    = 100 * time.Millisecond

	// previewQueueDepth bounds how many transformed frames can be
	// waiting for the preview worker before a transform worker starts
	// dropping instead of sending. One frame of slack absorbs a single
	// slow JPEG encode without discarding the frame that triggered it.
	previewQueueDepth = 1
)

// Streamer runs one capture session at a time. A Streamer is reusable
// across sessions: each Start replaces the previous session's state
// after implicitly stopping it.
type Streamer struct {
	startStopMu sync.Mutex

	cfg  Config
	opts transform.Options

	running atomic.Bool

	// unprocessed is shared by every transform worker, matching the
	// reference's single mUnprocessedBuffers queue. readyQueues is one
	// queue per output shard; a transform worker picks the shard for
	// its result via readyRR, giving round-robin distribution across
	// shards even though the unprocessed side is worker-raced.
	unprocessed *queue.Queue[*rawbuffer.RawImageBuffer]
	readyQueues []*queue.Queue[*rawbuffer.RawImageBuffer]
	readyRR     atomic.Uint64

	writers []*container.Writer

	acceptedFrames atomic.Uint64
	writtenBytes   atomic.Uint64

	audioSegment *audio.Segment

	// previewCh carries transformed-frame snapshots to previewWorker.
	// It is created only when cfg.Preview is set, and closed after
	// every transform/writer worker has exited so previewWorker can
	// drain it and return on its own.
	previewCh chan *rawbuffer.RawImageBuffer
	previewWg sync.WaitGroup

	startTime time.Time
	wg        sync.WaitGroup
}

// New returns a Streamer with no active session.
func New() *Streamer {
	return &Streamer{}
}

// Start validates cfg, opens every writer shard, and launches the
// transform and writer worker goroutines. Any previously running
// session is stopped first.
func (s *Streamer) Start(cfg Config) error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()

	s.stopLocked()

	if err := cfg.validate(); err != nil {
		return err
	}

	numShards := len(cfg.Descriptors)
	writers := make([]*container.Writer, numShards)
	for i, d := range cfg.Descriptors {
		w, err := container.NewWriter(d.Writer, d.Closer, container.FileHeader{
			ShardIndex:     uint16(i),
			ShardCount:     uint16(numShards),
			CameraMetadata: cfg.CameraMetadata,
		})
		if err != nil {
			return &IOError{Shard: i, Err: err}
		}
		writers[i] = w
	}

	s.cfg = cfg
	s.opts = cfg.transformOptions()
	s.writers = writers
	s.unprocessed = queue.New[*rawbuffer.RawImageBuffer]()
	s.readyQueues = make([]*queue.Queue[*rawbuffer.RawImageBuffer], numShards)
	for i := range s.readyQueues {
		s.readyQueues[i] = queue.New[*rawbuffer.RawImageBuffer]()
	}
	s.readyRR.Store(0)
	s.acceptedFrames.Store(0)
	s.writtenBytes.Store(0)
	s.audioSegment = audio.NewSegment()
	s.startTime = time.Now()

	if cfg.AudioInterface != nil && cfg.AudioDescriptor != nil {
		if err := cfg.AudioInterface.Start(audio.SampleRateHz, audio.ChannelCount); err != nil {
			s.reportAudioError(err)
		}
	}

	if cfg.Preview != nil {
		s.previewCh = make(chan *rawbuffer.RawImageBuffer, previewQueueDepth)
		s.previewWg.Add(1)
		go s.previewWorker()
	} else {
		s.previewCh = nil
	}

	s.running.Store(true)

	numTransform := cfg.NumTransformWorkers
	if numTransform <= 0 {
		numTransform = 1
	}
	for i := 0; i < numTransform; i++ {
		s.wg.Add(1)
		go s.transformWorker()
	}
	for shard := range writers {
		s.wg.Add(1)
		go s.writerWorker(shard)
	}

	return nil
}

// RequestHighPriority is the abstract capability hook for real-time
// scheduling: a production build on a Linux-class host could use it to
// raise the calling goroutine's OS thread to a real-time scheduling
// class, but no such platform hook exists in this tree. Core pipeline
// logic never branches on whether this succeeds — a caller that skips
// it entirely gets the exact same correctness, only worse tail
// latency under load.
func (s *Streamer) RequestHighPriority() error {
	return nil
}

// Add enqueues buf for transformation and eventual write. It never
// blocks: the unprocessed queue is unbounded, so backpressure (if any)
// is the caller's buffer pool's concern, not Add's.
func (s *Streamer) Add(buf *rawbuffer.RawImageBuffer) {
	if !s.running.Load() {
		return
	}

	s.unprocessed.Enqueue(buf)
	s.acceptedFrames.Add(1)

	if m := s.cfg.Metrics; m != nil {
		m.AcceptedFrames.Add(1)
		m.UnprocessedQueueDepth.Store(uint64(s.unprocessed.Len()))
	}
}

// Stop ends the current session: it stops admitting new buffers, lets
// every worker drain its queues and commit its container, and flushes
// the audio sub-stream if one was running. Stop is idempotent.
func (s *Streamer) Stop() error {
	s.startStopMu.Lock()
	defer s.startStopMu.Unlock()
	return s.stopLocked()
}

func (s *Streamer) stopLocked() error {
	if !s.running.Swap(false) {
		return nil
	}

	if s.cfg.AudioInterface != nil && s.cfg.AudioDescriptor != nil {
		s.cfg.AudioInterface.Stop()
		samples, channels, sampleRate := s.cfg.AudioInterface.AudioData()
		s.audioSegment.Append(samples)
		if m := s.cfg.Metrics; m != nil {
			m.AudioSamplesCaptured.Store(uint64(s.audioSegment.Len()))
		}
		if err := audio.WriteWAV(s.cfg.AudioDescriptor.Writer, s.audioSegment.Samples(), sampleRate, channels); err != nil {
			s.reportAudioError(err)
		}
		if s.cfg.AudioDescriptor.Closer != nil {
			if err := s.cfg.AudioDescriptor.Closer.Close(); err != nil {
				s.reportAudioError(err)
			}
		}
	}

	s.wg.Wait()

	if s.previewCh != nil {
		close(s.previewCh)
		s.previewWg.Wait()
	}

	return nil
}

// EstimateFPS returns the accepted-frame rate since the current
// session's Start, matching RawBufferStreamer::estimateFps.
func (s *Streamer) EstimateFPS() float64 {
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.acceptedFrames.Load()) / elapsed
}

// WrittenOutputBytes returns the total frame-record bytes committed
// across every shard so far in the current session.
func (s *Streamer) WrittenOutputBytes() uint64 {
	return s.writtenBytes.Load()
}

func (s *Streamer) transformWorker() {
	defer s.wg.Done()

	for s.running.Load() {
		buf, ok := s.unprocessed.WaitDequeueTimed(transformDequeueTimeout)
		if !ok {
			continue
		}
		s.transformAndEnqueue(buf)
	}
}

func (s *Streamer) transformAndEnqueue(buf *rawbuffer.RawImageBuffer) {
	if err := transform.ProcessBuffer(buf, s.opts); err != nil {
		s.reportTransformError(err)
	}

	s.offerPreview(buf)

	shard := int(s.readyRR.Add(1)-1) % len(s.readyQueues)
	s.readyQueues[shard].Enqueue(buf)

	if m := s.cfg.Metrics; m != nil {
		m.UnprocessedQueueDepth.Store(uint64(s.unprocessed.Len()))
		readyDepth := 0
		for _, q := range s.readyQueues {
			readyDepth += q.Len()
		}
		m.ReadyQueueDepth.Store(uint64(readyDepth))
	}
}

// offerPreview hands a standalone snapshot of buf's current valid
// range to the preview worker via a non-blocking send. buf itself
// keeps moving toward its writer shard and, once written, back to the
// pool for reuse — offerPreview must never retain a reference to buf
// or its Data, or a recycled buffer could be mutated underneath a
// still-rendering preview frame.
func (s *Streamer) offerPreview(buf *rawbuffer.RawImageBuffer) {
	if s.previewCh == nil {
		return
	}

	snapshot := snapshotBuffer(buf)

	select {
	case s.previewCh <- snapshot:
	default:
		if m := s.cfg.Metrics; m != nil {
			m.PreviewFramesDropped.Add(1)
		}
	}
}

// snapshotBuffer copies buf's current valid byte range into a new,
// unshared RawImageBuffer so the preview worker can decode it on its
// own schedule without racing the pipeline's reuse of buf.
func snapshotBuffer(buf *rawbuffer.RawImageBuffer) *rawbuffer.RawImageBuffer {
	data := buf.Data.Lock()
	start, end := buf.Data.ValidRangeLocked()
	payload := append([]byte(nil), data[start:end]...)
	buf.Data.Unlock()

	return &rawbuffer.RawImageBuffer{
		Data:            rawbuffer.NewData(payload),
		Width:           buf.Width,
		Height:          buf.Height,
		RowStride:       buf.RowStride,
		PixelFormat:     buf.PixelFormat,
		CompressionType: buf.CompressionType,
		IsBinned:        buf.IsBinned,
		IsCompressed:    buf.IsCompressed,
		Metadata:        buf.Metadata,
		Timestamp:       buf.Timestamp,
	}
}

// previewWorker owns the broadcaster: it is the only goroutine that
// calls Publish, so a stalled encode or a slow WebRTC fan-out backs up
// previewCh (bounded) instead of a transform worker.
func (s *Streamer) previewWorker() {
	defer s.previewWg.Done()

	for buf := range s.previewCh {
		if err := s.cfg.Preview.Publish(buf); err != nil {
			s.reportPreviewError(err)
		}
	}
}

func (s *Streamer) writerWorker(shard int) {
	defer s.wg.Done()

	writer := s.writers[shard]
	ready := s.readyQueues[shard]

	for s.running.Load() {
		buf, ok := ready.WaitDequeueTimed(writerDequeueTimeout)
		if !ok {
			continue
		}
		if !s.writeFrame(shard, writer, buf) {
			s.commitWriter(shard, writer)
			return
		}
	}

	// Drain whatever this shard's ready queue still holds.
	for {
		buf, ok := ready.TryDequeue()
		if !ok {
			break
		}
		if !s.writeFrame(shard, writer, buf) {
			s.commitWriter(shard, writer)
			return
		}
	}

	// Mirror doStream's final pass: pick up whatever is left in the
	// shared unprocessed queue directly, transforming it inline, the
	// same way a reference writer thread races transform threads for
	// the last few buffers at shutdown.
	for {
		buf, ok := s.unprocessed.TryDequeue()
		if !ok {
			break
		}
		if err := transform.ProcessBuffer(buf, s.opts); err != nil {
			s.reportTransformError(err)
		}
		if !s.writeFrame(shard, writer, buf) {
			s.commitWriter(shard, writer)
			return
		}
	}

	s.commitWriter(shard, writer)
}

func (s *Streamer) writeFrame(shard int, writer *container.Writer, buf *rawbuffer.RawImageBuffer) bool {
	if err := writer.Add(buf); err != nil {
		s.reportIOError(shard, err)
		return false
	}

	start, end := buf.Data.ValidRange()
	n := uint64(end - start)
	s.writtenBytes.Add(n)

	if m := s.cfg.Metrics; m != nil {
		m.WrittenFrames.Add(1)
		m.WrittenBytes.Add(n)
		m.ShardWrittenBytes[shard].Add(n)
	}

	if s.cfg.Pool != nil {
		s.cfg.Pool.Discard(buf)
	}
	return true
}

func (s *Streamer) commitWriter(shard int, writer *container.Writer) {
	if err := writer.Commit(); err != nil {
		s.reportIOError(shard, err)
	}
}

func (s *Streamer) reportTransformError(err error) {
	if _, ok := err.(*transform.UnsupportedFormatError); ok {
		if m := s.cfg.Metrics; m != nil {
			m.UnsupportedFormatFrames.Add(1)
		}
		if s.cfg.Logger != nil {
			s.cfg.Logger.Warn("transform", "%v", err)
		}
		return
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error("transform", "%v", err)
	}
}

func (s *Streamer) reportIOError(shard int, err error) {
	if m := s.cfg.Metrics; m != nil {
		m.IOErrors.Add(1)
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Error("writer", "shard %d: %v", shard, err)
	}
}

func (s *Streamer) reportAudioError(err error) {
	if m := s.cfg.Metrics; m != nil {
		m.AudioErrors.Add(1)
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn("audio", "%v", err)
	}
}

func (s *Streamer) reportPreviewError(err error) {
	if m := s.cfg.Metrics; m != nil {
		m.PreviewErrors.Add(1)
	}
	if s.cfg.Logger != nil {
		s.cfg.Logger.Warn("preview", "%v", err)
	}
}
