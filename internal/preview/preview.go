// Package preview implements the low-rate, lossy live-preview fan-out:
// every published frame is decoded to a sample grid, contrast-
// stretched to 8-bit grayscale, downscaled, JPEG-encoded, and pushed
// over a WebRTC DataChannel to each connected viewer. It is not part
// of the recorded stream — a dropped or stalled viewer never slows
// down capture.
package preview

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v3"
	"golang.org/x/image/draw"

	"github.com/sensorstream/rawcapture/internal/codec"
	"github.com/sensorstream/rawcapture/internal/logger"
	"github.com/sensorstream/rawcapture/pkg/rawbuffer"
)

const (
	previewWidth  = 320
	previewHeight = 240
	jpegQuality   = 70
)

// viewer is one connected preview client.
type viewer struct {
	id            string
	peerConn      *webrtc.PeerConnection
	dataChan      *webrtc.DataChannel
	ready         atomic.Bool
	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
}

// Broadcaster accepts WebRTC offers from preview viewers and fans out
// decimated JPEG frames over a DataChannel to each of them. Publish is
// called from the transform path and must never block on a slow
// viewer.
type Broadcaster struct {
	viewersMu  sync.RWMutex
	viewers    map[string]*viewer
	config     webrtc.Configuration
	maxViewers int
	api        *webrtc.API
	log        *logger.Logger
}

// NewBroadcaster builds a Broadcaster with the given ICE servers
// (falling back to a public STUN server if none are given) and a cap
// on simultaneous viewers.
func NewBroadcaster(stunServers []string, maxViewers int, log *logger.Logger) *Broadcaster {
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})

	mediaEngine := &webrtc.MediaEngine{}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return &Broadcaster{
		viewers:    make(map[string]*viewer),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxViewers: maxViewers,
		api:        api,
		log:        log,
	}
}

// HandleOffer negotiates a new viewer connection from a browser-sent
// SDP offer and returns the SDP answer (including gathered ICE
// candidates) as JSON.
func (b *Broadcaster) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("preview: parse offer: %w", err)
	}

	b.viewersMu.RLock()
	n := len(b.viewers)
	b.viewersMu.RUnlock()
	if n >= b.maxViewers {
		return nil, fmt.Errorf("preview: maximum viewers reached (%d)", b.maxViewers)
	}

	peerConn, err := b.api.NewPeerConnection(b.config)
	if err != nil {
		return nil, fmt.Errorf("preview: new peer connection: %w", err)
	}

	dataChan, err := peerConn.CreateDataChannel("preview", nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("preview: create data channel: %w", err)
	}

	v := &viewer{id: generateViewerID(), peerConn: peerConn, dataChan: dataChan}

	dataChan.OnOpen(func() { v.ready.Store(true) })
	dataChan.OnClose(func() { v.ready.Store(false) })

	peerConn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateDisconnected ||
			state == webrtc.ICEConnectionStateFailed ||
			state == webrtc.ICEConnectionStateClosed {
			b.removeViewer(v.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("preview: set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("preview: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("preview: set local description: %w", err)
	}
	<-gatherComplete

	b.viewersMu.Lock()
	b.viewers[v.id] = v
	b.viewersMu.Unlock()

	if b.log != nil {
		b.log.Info("preview", "viewer %s connected", v.id)
	}

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		return nil, fmt.Errorf("preview: no local description available")
	}
	return json.Marshal(localDesc)
}

// Publish decodes buf, contrast-stretches and downscales it to a JPEG
// thumbnail, and pushes it to every viewer whose data channel is
// open. buf is expected in its final post-transform shape — cropped,
// possibly binned, possibly BITNZPACK_2-compressed — since that is
// what a viewer is meant to preview.
func (b *Broadcaster) Publish(buf *rawbuffer.RawImageBuffer) error {
	jpegBytes, err := renderPreviewJPEG(buf)
	if err != nil {
		return err
	}

	b.viewersMu.RLock()
	defer b.viewersMu.RUnlock()

	for _, v := range b.viewers {
		if !v.ready.Load() {
			continue
		}
		if err := v.dataChan.Send(jpegBytes); err != nil {
			v.framesDropped.Add(1)
			continue
		}
		v.framesSent.Add(1)
	}
	return nil
}

func (b *Broadcaster) removeViewer(id string) {
	b.viewersMu.Lock()
	v, ok := b.viewers[id]
	if ok {
		delete(b.viewers, id)
	}
	b.viewersMu.Unlock()

	if !ok {
		return
	}
	v.peerConn.Close()
	if b.log != nil {
		b.log.Info("preview", "viewer %s disconnected (sent: %d, dropped: %d)", id, v.framesSent.Load(), v.framesDropped.Load())
	}
}

// ViewerCount returns the number of currently connected viewers.
func (b *Broadcaster) ViewerCount() int {
	b.viewersMu.RLock()
	defer b.viewersMu.RUnlock()
	return len(b.viewers)
}

// Close tears down every viewer connection.
func (b *Broadcaster) Close() error {
	b.viewersMu.RLock()
	ids := make([]string, 0, len(b.viewers))
	for id := range b.viewers {
		ids = append(ids, id)
	}
	b.viewersMu.RUnlock()

	for _, id := range ids {
		b.removeViewer(id)
	}
	return nil
}

func generateViewerID() string {
	return fmt.Sprintf("viewer-%d", time.Now().UnixNano())
}

// decodeSamples reconstructs buf's pixel grid regardless of whether it
// is still in its natural packed layout or has already been
// BITNZPACK_2-compressed by the transformer. Compressed rows are
// decoded sequentially (their length is not RowStride — see
// internal/transform's cropAndCompress) and un-rearranged from the
// [even-columns || odd-columns] layout the compressor wrote.
func decodeSamples(buf *rawbuffer.RawImageBuffer) ([][]uint16, error) {
	data := buf.Data.Lock()
	defer buf.Data.Unlock()

	start, end := buf.Data.ValidRangeLocked()
	window := data[start:end]
	width, height := buf.Width, buf.Height

	rows := make([][]uint16, height)

	if buf.IsCompressed {
		if buf.CompressionType != rawbuffer.BitNZPack2 {
			return nil, fmt.Errorf("preview: unsupported compression %s", buf.CompressionType)
		}
		half := width / 2
		offset := 0
		for y := 0; y < height; y++ {
			packed, n := codec.DecodeRow(window[offset:], width)
			offset += n
			row := make([]uint16, width)
			for x2 := 0; x2 < half; x2++ {
				row[2*x2] = packed[x2]
				row[2*x2+1] = packed[half+x2]
			}
			rows[y] = row
		}
		return rows, nil
	}

	var readFn func(x, y int) uint16
	switch buf.PixelFormat {
	case rawbuffer.RAW10:
		readFn = func(x, y int) uint16 { return codec.Read10(window, x, y, buf.RowStride) }
	case rawbuffer.RAW12:
		readFn = func(x, y int) uint16 { return codec.Read12(window, x, y, buf.RowStride) }
	case rawbuffer.RAW16:
		readFn = func(x, y int) uint16 { return codec.Read16(window, x, y, buf.RowStride) }
	default:
		return nil, fmt.Errorf("preview: unsupported pixel format %s", buf.PixelFormat)
	}

	for y := 0; y < height; y++ {
		row := make([]uint16, width)
		for x := 0; x < width; x++ {
			row[x] = readFn(x, y)
		}
		rows[y] = row
	}
	return rows, nil
}

// renderPreviewJPEG decodes buf to a sample grid, contrast-stretches
// it to 8-bit grayscale (sensor values may be 10, 12, or 16 bits wide,
// and compression discards which of those the original format was),
// downscales to the fixed preview size, and JPEG-encodes the result.
func renderPreviewJPEG(buf *rawbuffer.RawImageBuffer) ([]byte, error) {
	rows, err := decodeSamples(buf)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, fmt.Errorf("preview: empty buffer")
	}

	lo, hi := rows[0][0], rows[0][0]
	for _, row := range rows {
		for _, v := range row {
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	spread := int(hi) - int(lo)
	if spread <= 0 {
		spread = 1
	}

	gray := image.NewGray(image.Rect(0, 0, len(rows[0]), len(rows)))
	for y, row := range rows {
		for x, v := range row {
			scaled := (int(v) - int(lo)) * 255 / spread
			gray.SetGray(x, y, color.Gray{Y: uint8(scaled)})
		}
	}

	resized := image.NewGray(image.Rect(0, 0, previewWidth, previewHeight))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), gray, gray.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("preview: jpeg encode: %w", err)
	}
	return out.Bytes(), nil
}
