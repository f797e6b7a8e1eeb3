package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-transcribe/internal/config"
)

type mockModel struct {
	name        string
	channels    int
	utteranceMS int
}

// NewMockModel returns a deterministic model whose text only depends on how
// much audio it has seen. An utterance ends every cfg.UtteranceMS of audio.
func NewMockModel(cfg config.STTConfig) Model {
	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}
	name := cfg.ModelName
	if name == "" {
		name = "mock"
	}
	return &mockModel{name: name, channels: channels, utteranceMS: cfg.UtteranceMS}
}

func (m *mockModel) Name() string { return m.name }

func (m *mockModel) NewDecoder(sampleRate int) (Decoder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	bytesPerMS := sampleRate * m.channels * 2 / 1000
	utterance := bytesPerMS * m.utteranceMS
	if utterance <= 0 {
		utterance = sampleRate * m.channels * 2
	}
	return &mockDecoder{utteranceBytes: utterance}, nil
}

func (m *mockModel) Close() error { return nil }

type mockDecoder struct {
	utteranceBytes int
	buffered       int
	committed      string
}

func (d *mockDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	d.buffered += len(pcm)
	if d.buffered < d.utteranceBytes {
		return false, nil
	}
	d.committed = mockText("final", d.buffered)
	d.buffered = 0
	return true, nil
}

func (d *mockDecoder) Result() (string, error) {
	text := d.committed
	d.committed = ""
	return text, nil
}

func (d *mockDecoder) PartialResult() (string, error) {
	if d.buffered == 0 {
		return "", nil
	}
	return mockText("partial", d.buffered), nil
}

func (d *mockDecoder) FinalResult() (string, error) {
	if d.buffered == 0 {
		return "", nil
	}
	text := mockText("final", d.buffered)
	d.buffered = 0
	return text, nil
}

func (d *mockDecoder) Close() error { return nil }

func mockText(mode string, length int) string {
	return fmt.Sprintf("[%s transcript length=%d]", mode, length)
}
