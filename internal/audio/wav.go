package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	bitsPerSample  = 16
	pcmAudioFormat = 1 // PCM, uncompressed.
)

// WriteWAV writes samples (interleaved PCM16) to w as a canonical
// RIFF/WAVE file: "RIFF" chunk, "fmt " chunk, "data" chunk. This is
// the Go equivalent of the reference's single tinywav_open_write_f +
// tinywav_write_f + tinywav_close_write call made once at stop().
func WriteWAV(w io.Writer, samples []int16, sampleRateHz, channels int) error {
	if channels <= 0 {
		return fmt.Errorf("audio: channels must be positive, got %d", channels)
	}

	dataSize := len(samples) * 2
	byteRate := sampleRateHz * channels * (bitsPerSample / 8)
	blockAlign := channels * (bitsPerSample / 8)
	riffSize := 4 + (8 + 16) + (8 + dataSize) // "WAVE" + fmt chunk + data chunk

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(riffSize))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], pcmAudioFormat)
	binary.LittleEndian.PutUint16(header[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(sampleRateHz))
	binary.LittleEndian.PutUint32(header[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(header[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(header[34:36], bitsPerSample)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(dataSize))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("audio: write WAV header: %w", err)
	}

	payload := make([]byte, dataSize)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(payload[i*2:i*2+2], uint16(s))
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("audio: write WAV data: %w", err)
	}

	return nil
}
