package streamer

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/sensorstream/rawcapture/internal/container"
	"github.com/sensorstream/rawcapture/internal/metrics"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

func makeRAW10Buffer(iso int) *rawbuffer.RawImageBuffer {
	width, height := 16, 8
	stride := rawbuffer.NaturalRowStride(rawbuffer.RAW10, width)
	buf := rawbuffer.New(rawbuffer.RAW10, width, height, stride*height)
	buf.Metadata.ISO = uint32(iso)
	return buf
}

func newDescriptors(n int) ([]Descriptor, []*bytes.Buffer) {
	bufs := make([]*bytes.Buffer, n)
	descriptors := make([]Descriptor, n)
	for i := range bufs {
		bufs[i] = &bytes.Buffer{}
		descriptors[i] = Descriptor{Writer: bufs[i]}
	}
	return descriptors, bufs
}

func TestStreamerWritesAndCommitsAcrossShards(t *testing.T) {
	const numShards = 3
	const numFrames = 300

	descriptors, bufs := newDescriptors(numShards)

	s := New()
	if err := s.Start(Config{NumTransformWorkers: 4, Descriptors: descriptors}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < numFrames; i++ {
		s.Add(makeRAW10Buffer(100 + i))
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	total := 0
	for i, b := range bufs {
		res, err := container.ReadFile(b.Bytes())
		if err != nil {
			t.Fatalf("shard %d: ReadFile: %v", i, err)
		}
		if !res.Committed {
			t.Fatalf("shard %d: expected a committed container", i)
		}
		if res.Header.ShardCount != numShards {
			t.Fatalf("shard %d: header shardCount = %d, want %d", i, res.Header.ShardCount, numShards)
		}
		total += len(res.Frames)
	}
	if total != numFrames {
		t.Fatalf("total frames across shards = %d, want %d", total, numFrames)
	}
	if s.WrittenOutputBytes() == 0 {
		t.Fatalf("expected nonzero WrittenOutputBytes")
	}
}

func TestStreamerAbruptStopLeavesParseableContainers(t *testing.T) {
	descriptors, bufs := newDescriptors(2)

	s := New()
	if err := s.Start(Config{NumTransformWorkers: 2, Descriptors: descriptors}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 50; i++ {
		s.Add(makeRAW10Buffer(i))
	}
	time.Sleep(25 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	total := 0
	for i, b := range bufs {
		res, err := container.ReadFile(b.Bytes())
		if err != nil {
			t.Fatalf("shard %d: ReadFile: %v", i, err)
		}
		if !res.Committed {
			t.Fatalf("shard %d: expected a committed container even on abrupt stop", i)
		}
		total += len(res.Frames)
	}
	if total > 50 {
		t.Fatalf("total frames = %d, want <= 50", total)
	}
}

func TestStreamerRejectsInvalidConfig(t *testing.T) {
	s := New()
	if err := s.Start(Config{}); err == nil {
		t.Fatalf("expected ConfigError for no descriptors")
	}

	descriptors, _ := newDescriptors(1)
	if err := s.Start(Config{CropWidthPercent: 200, Descriptors: descriptors}); err == nil {
		t.Fatalf("expected ConfigError for out-of-range crop percent")
	}
}

func TestStreamerForwardsUnsupportedFormatUntouched(t *testing.T) {
	descriptors, bufs := newDescriptors(1)

	s := New()
	if err := s.Start(Config{
		CropWidthPercent:  10,
		CropHeightPercent: 10,
		Descriptors:       descriptors,
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := &rawbuffer.RawImageBuffer{
		Data:        rawbuffer.NewData(make([]byte, 64)),
		Width:       8,
		Height:      8,
		RowStride:   8,
		PixelFormat: rawbuffer.PixelFormat(99),
	}
	buf.Data.SetValidRange(0, 64)

	s.Add(buf)
	time.Sleep(150 * time.Millisecond)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	res, err := container.ReadFile(bufs[0].Bytes())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(res.Frames) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(res.Frames))
	}
	if res.Frames[0].PixelFormat != rawbuffer.PixelFormat(99) {
		t.Fatalf("forwarded frame's pixel format changed: got %v", res.Frames[0].PixelFormat)
	}
}

type fakeAudioInterface struct {
	mu      sync.Mutex
	started bool
	samples []int16
}

func (f *fakeAudioInterface) Start(sampleRateHz, channels int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.samples = []int16{1, 2, 3, 4}
	return nil
}

func (f *fakeAudioInterface) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
}

func (f *fakeAudioInterface) AudioData() ([]int16, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.samples, 2, 48000
}

func TestStreamerFlushesAudioOnStop(t *testing.T) {
	descriptors, _ := newDescriptors(1)
	audioBuf := &bytes.Buffer{}
	fake := &fakeAudioInterface{}

	s := New()
	if err := s.Start(Config{
		Descriptors:     descriptors,
		AudioInterface:  fake,
		AudioDescriptor: &Descriptor{Writer: audioBuf},
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if audioBuf.Len() == 0 {
		t.Fatalf("expected a WAV file to be written to the audio descriptor")
	}
	if string(audioBuf.Bytes()[0:4]) != "RIFF" {
		t.Fatalf("audio descriptor does not contain a RIFF header")
	}
}

func TestStreamerAccumulatesAudioIntoSegmentAndMetric(t *testing.T) {
	descriptors, _ := newDescriptors(1)
	audioBuf := &bytes.Buffer{}
	fake := &fakeAudioInterface{}

	s := New()
	if err := s.Start(Config{
		Descriptors:     descriptors,
		AudioInterface:  fake,
		AudioDescriptor: &Descriptor{Writer: audioBuf},
		Metrics:         metrics.New(1),
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	wantSamples := len(fake.samples)
	if got := s.audioSegment.Len(); got != wantSamples {
		t.Fatalf("audioSegment.Len() = %d, want %d", got, wantSamples)
	}
	if got := s.cfg.Metrics.AudioSamplesCaptured.Load(); got != uint64(wantSamples) {
		t.Fatalf("AudioSamplesCaptured = %d, want %d", got, wantSamples)
	}
}

func TestRequestHighPriorityIsANoOp(t *testing.T) {
	s := New()
	if err := s.RequestHighPriority(); err != nil {
		t.Fatalf("RequestHighPriority: %v", err)
	}
}

// TestOfferPreviewDropsWithoutBlocking exercises offerPreview directly
// against a full previewCh: it must return immediately and record the
// drop rather than wait for a consumer, since that consumer (the real
// preview worker, pulling from a pion WebRTC broadcaster) cannot be
// faked in a unit test without a live peer connection.
func TestOfferPreviewDropsWithoutBlocking(t *testing.T) {
	s := New()
	s.cfg.Metrics = metrics.New(1)
	s.previewCh = make(chan *rawbuffer.RawImageBuffer, 1)

	s.offerPreview(makeRAW10Buffer(1))

	select {
	case <-s.previewCh:
	default:
		t.Fatalf("expected the first offer to land in previewCh")
	}

	// Refill the channel directly, then offer once more with nothing
	// draining it: that offer must drop rather than block.
	s.previewCh <- makeRAW10Buffer(2)

	done := make(chan struct{})
	go func() {
		s.offerPreview(makeRAW10Buffer(3))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("offerPreview blocked on a full previewCh")
	}

	if got := s.cfg.Metrics.PreviewFramesDropped.Load(); got != 1 {
		t.Fatalf("PreviewFramesDropped = %d, want 1", got)
	}
}
