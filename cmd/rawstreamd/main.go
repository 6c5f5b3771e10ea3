// Command rawstreamd drives the RAW capture pipeline as a standalone
// process: it wires a Streamer to a set of shard files on disk, an
// optional audio WAV, and an optional live preview channel, then feeds
// it with a synthetic sensor-frame source so the pipeline can be
// exercised without a real camera (out of scope per spec §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sensorstream/rawcapture/internal/audio"
	"github.com/sensorstream/rawcapture/internal/logger"
	"github.com/sensorstream/rawcapture/internal/metrics"
	"github.com/sensorstream/rawcapture/internal/preview"
	"github.com/sensorstream/rawcapture/internal/streamer"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

var (
	outDir       = flag.String("out", "./capture", "Directory for shard container files")
	shardCount   = flag.Int("shards", 2, "Number of output shard files")
	cropWidth    = flag.Float64("crop-width", 0, "Horizontal crop percent [0,100]")
	cropHeight   = flag.Float64("crop-height", 0, "Vertical crop percent [0,100]")
	bin          = flag.Bool("bin", false, "Enable 2x binning")
	compress     = flag.Bool("compress", false, "Enable BITNZPACK_2 entropy compression")
	numThreads   = flag.Int("threads", 2, "Transform worker count")
	frameWidth   = flag.Int("width", 4000, "Synthetic sensor frame width")
	frameHeight  = flag.Int("height", 3000, "Synthetic sensor frame height")
	fps          = flag.Float64("fps", 30, "Synthetic frame submission rate")
	duration     = flag.Duration("duration", 0, "Stop automatically after this long (0 = run until signaled)")
	withAudio    = flag.Bool("audio", false, "Capture a synthetic audio sub-stream alongside video")
	withPreview  = flag.Bool("preview", false, "Enable the live WebRTC preview channel")
	previewAddr  = flag.String("preview-http", ":8081", "HTTP address for preview offer/answer signaling")
	stunServers  = flag.String("stun", "stun:stun.l.google.com:19302", "STUN server URLs (comma-separated)")
	poolMaxBytes = flag.Int64("pool-max-bytes", 0, "Buffer pool ceiling in bytes (0 = unbounded)")
	metricsAddr  = flag.String("metrics", ":9090", "Metrics server address")
	pprofAddr    = flag.String("pprof", "", "pprof server address (empty disables it)")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error, silent)")
	logColor     = flag.Bool("log-color", true, "Enable colored log output")
)

// Server owns one capture session's process-level resources: the
// shard files, the streamer, the optional preview HTTP surface, and
// the synthetic frame source feeding it.
type Server struct {
	log      *logger.Logger
	metrics  *metrics.Metrics
	pool     *rawbuffer.SlabPool
	stream   *streamer.Streamer
	preview  *preview.Broadcaster
	httpSrv  *http.Server
	shardFDs []*os.File
	audioFD  *os.File

	source *syntheticSource
}

func main() {
	flag.Parse()

	level, err := logger.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level: %v", err)
	}
	lg := logger.New(level, os.Stderr, *logColor)

	srv, err := NewServer(lg)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *duration > 0 {
		go func() {
			time.Sleep(*duration)
			sigChan <- syscall.SIGTERM
		}()
	}
	<-sigChan

	lg.Info("main", "shutting down")
	if err := srv.Shutdown(); err != nil {
		lg.Error("main", "shutdown error: %v", err)
	}
	lg.Info("main", "stopped")
}

// NewServer allocates shard files, the pool, the metrics/preview
// surfaces, and the streamer itself, but starts nothing yet.
func NewServer(lg *logger.Logger) (*Server, error) {
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if *shardCount < 1 {
		return nil, fmt.Errorf("shards must be >= 1")
	}

	m := metrics.New(*shardCount)
	pool := rawbuffer.NewSlabPool(*poolMaxBytes)

	shardFDs := make([]*os.File, *shardCount)
	for i := 0; i < *shardCount; i++ {
		path := filepath.Join(*outDir, fmt.Sprintf("shard-%02d.rawstream", i))
		f, err := os.Create(path)
		if err != nil {
			closeAll(shardFDs)
			return nil, fmt.Errorf("create shard %d: %w", i, err)
		}
		shardFDs[i] = f
	}

	var audioFD *os.File
	if *withAudio {
		path := filepath.Join(*outDir, "audio.wav")
		f, err := os.Create(path)
		if err != nil {
			closeAll(shardFDs)
			return nil, fmt.Errorf("create audio file: %w", err)
		}
		audioFD = f
	}

	var broadcaster *preview.Broadcaster
	var httpSrv *http.Server
	if *withPreview {
		stuns := strings.Split(*stunServers, ",")
		broadcaster = preview.NewBroadcaster(stuns, 16, lg)

		mux := http.NewServeMux()
		mux.HandleFunc("/preview/offer", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			offer, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			answer, err := broadcaster.HandleOffer(offer)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(answer)
		})
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"status":"ok","viewers":%d}`, broadcaster.ViewerCount())
		})
		httpSrv = &http.Server{Addr: *previewAddr, Handler: mux}
	}

	st := streamer.New()

	return &Server{
		log:      lg,
		metrics:  m,
		pool:     pool,
		stream:   st,
		preview:  broadcaster,
		httpSrv:  httpSrv,
		shardFDs: shardFDs,
		audioFD:  audioFD,
		source:   newSyntheticSource(st, pool, *frameWidth, *frameHeight, *fps),
	}, nil
}

// Start validates and launches the streamer, the synthetic frame
// source, and the ancillary HTTP/metrics/pprof servers.
func (s *Server) Start() error {
	cfg := streamer.Config{
		CropWidthPercent:    *cropWidth,
		CropHeightPercent:   *cropHeight,
		Bin:                 *bin,
		EnableCompression:   *compress,
		NumTransformWorkers: *numThreads,
		Pool:                s.pool,
		Logger:              s.log,
		Metrics:             s.metrics,
		Preview:             s.preview,
	}
	for _, f := range s.shardFDs {
		cfg.Descriptors = append(cfg.Descriptors, streamer.Descriptor{Writer: f, Closer: f})
	}
	if s.audioFD != nil {
		cfg.AudioInterface = newSyntheticAudio()
		cfg.AudioDescriptor = &streamer.Descriptor{Writer: s.audioFD, Closer: s.audioFD}
	}

	if err := s.stream.Start(cfg); err != nil {
		return fmt.Errorf("start streamer: %w", err)
	}

	if err := s.stream.RequestHighPriority(); err != nil {
		s.log.Warn("main", "request high priority: %v", err)
	}

	if s.httpSrv != nil {
		go func() {
			s.log.Info("main", "preview signaling listening on %s", s.httpSrv.Addr)
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("main", "preview http server: %v", err)
			}
		}()
	}

	if *pprofAddr != "" {
		go func() {
			s.log.Info("main", "pprof listening on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				s.log.Error("main", "pprof server: %v", err)
			}
		}()
	}

	go func() {
		s.log.Info("main", "metrics listening on %s", *metricsAddr)
		if err := s.metrics.StartServer(*metricsAddr); err != nil {
			s.log.Error("main", "metrics server: %v", err)
		}
	}()

	s.source.Start()
	s.log.Info("main", "capture started: %dx%d, %d shard(s), bin=%v compress=%v",
		*frameWidth, *frameHeight, len(cfg.Descriptors), *bin, *compress)
	return nil
}

// Shutdown stops the synthetic source first (mirroring a real camera
// callback being unregistered before Stop), then the streamer, then
// closes the preview HTTP surface.
func (s *Server) Shutdown() error {
	s.source.Stop()

	if err := s.stream.Stop(); err != nil {
		return err
	}

	if s.preview != nil {
		s.preview.Close()
	}

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.log.Warn("main", "preview http shutdown: %v", err)
		}
	}

	s.log.Info("main", "written_bytes=%d fps=%.1f",
		s.stream.WrittenOutputBytes(), s.stream.EstimateFPS())
	return nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}

// syntheticSource stands in for the out-of-scope camera API: it fills
// RAW10 buffers from the pool with deterministic-ish noise at a fixed
// rate and calls Add, the same call shape a real camera callback would
// use.
type syntheticSource struct {
	stream *streamer.Streamer
	pool   *rawbuffer.SlabPool
	width  int
	height int
	period time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newSyntheticSource(stream *streamer.Streamer, pool *rawbuffer.SlabPool, width, height int, fps float64) *syntheticSource {
	if fps <= 0 {
		fps = 30
	}
	return &syntheticSource{
		stream: stream,
		pool:   pool,
		width:  width,
		height: height,
		period: time.Duration(float64(time.Second) / fps),
	}
}

func (s *syntheticSource) Start() {
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.run()
}

func (s *syntheticSource) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *syntheticSource) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	stride := rawbuffer.NaturalRowStride(rawbuffer.RAW10, s.width)
	size := stride * s.height
	frameNum := uint64(0)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			buf, ok := s.pool.Acquire(rawbuffer.RAW10, s.width, s.height, size)
			if !ok {
				continue // pool saturated: the reference backpressure path
			}
			fillSyntheticRAW10(buf, stride)
			buf.Timestamp = time.Now()
			buf.Metadata = rawbuffer.Metadata{
				TimestampUnixNano: buf.Timestamp.UnixNano(),
				ExposureNs:        8_000_000,
				ISO:               100,
				WhiteBalanceR:     1.8,
				WhiteBalanceG:     1.0,
				WhiteBalanceB:     1.6,
				Vendor:            []byte(strconv.FormatUint(frameNum, 10)),
			}
			frameNum++
			s.stream.Add(buf)
		}
	}
}

// fillSyntheticRAW10 writes pseudo-random but deterministic-looking
// RAW10 pixel data so the pipeline has real bits to crop/bin/compress,
// without pulling in an actual sensor driver.
func fillSyntheticRAW10(buf *rawbuffer.RawImageBuffer, stride int) {
	data := buf.Data.Lock()
	defer buf.Data.Unlock()

	r := rand.New(rand.NewSource(buf.Timestamp.UnixNano()))
	n := stride * buf.Height
	if n > len(data) {
		n = len(data)
	}
	r.Read(data[:n])
	buf.Data.SetValidRange(0, n)
}

// syntheticAudio stands in for the out-of-scope audio capture driver:
// it generates a quiet sine tone for as long as it is running.
type syntheticAudio struct {
	mu      sync.Mutex
	running bool
	samples []int16
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newSyntheticAudio() *syntheticAudio { return &syntheticAudio{} }

func (a *syntheticAudio) Start(sampleRateHz, channels int) error {
	a.mu.Lock()
	a.running = true
	a.samples = nil
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	a.wg.Add(1)
	go a.run(sampleRateHz, channels)
	return nil
}

func (a *syntheticAudio) run(sampleRateHz, channels int) {
	defer a.wg.Done()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	frames := sampleRateHz / 50
	phase := 0.0
	step := 2 * math.Pi * 440.0 / float64(sampleRateHz)

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			chunk := make([]int16, frames*channels)
			for i := 0; i < frames; i++ {
				v := int16(2000 * math.Sin(phase))
				for c := 0; c < channels; c++ {
					chunk[i*channels+c] = v
				}
				phase += step
			}
			a.mu.Lock()
			a.samples = append(a.samples, chunk...)
			a.mu.Unlock()
		}
	}
}

func (a *syntheticAudio) Stop() {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()
	if !running {
		return
	}
	close(a.stopCh)
	a.wg.Wait()
}

func (a *syntheticAudio) AudioData() (samples []int16, channels, sampleRateHz int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]int16(nil), a.samples...), audio.ChannelCount, audio.SampleRateHz
}
