// Package recording archives the raw audio of a session as a WAV file.
package recording

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const bitDepth = 16

// Recorder appends 16-bit little-endian PCM to <dir>/<session-id>.wav.
type Recorder struct {
	file     *os.File
	enc      *wav.Encoder
	format   *audio.Format
	leftover []byte
	path     string
	closed   bool
}

func Open(dir, sessionID string, sampleRate, channels int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	if channels <= 0 {
		channels = 1
	}
	path := filepath.Join(dir, sessionID+".wav")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		file:   file,
		enc:    wav.NewEncoder(file, sampleRate, bitDepth, channels, 1),
		format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		path:   path,
	}, nil
}

func (r *Recorder) Path() string { return r.path }

// Write appends pcm. A trailing odd byte is held until the next chunk.
func (r *Recorder) Write(pcm []byte) error {
	if r.closed {
		return fmt.Errorf("recording %s already closed", r.path)
	}
	if len(r.leftover) > 0 {
		pcm = append(r.leftover, pcm...)
		r.leftover = nil
	}
	if len(pcm)%2 != 0 {
		r.leftover = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return nil
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &audio.IntBuffer{Format: r.format, Data: samples, SourceBitDepth: bitDepth}
	if err := r.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	encErr := r.enc.Close()
	fileErr := r.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}
