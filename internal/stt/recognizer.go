package stt

import "errors"

var (
	// ErrModelUnavailable is returned by Open when the process-wide model failed to load.
	ErrModelUnavailable = errors.New("recognizer model unavailable")
	// ErrInvalidState marks use of a finalized, closed or busy handle.
	ErrInvalidState = errors.New("recognizer handle in invalid state")
)

// DecodeEvent is the outcome of feeding one chunk.
// Final results commit a segment; partial results replace the previous partial.
type DecodeEvent struct {
	Text  string
	Final bool
}

// Model is the shared, read-only acoustic model. It is loaded once per process.
type Model interface {
	Name() string
	NewDecoder(sampleRate int) (Decoder, error)
	Close() error
}

// Decoder is an incremental recognizer bound to one sample rate. Not safe for concurrent use.
type Decoder interface {
	// AcceptWaveform buffers pcm and reports whether an utterance boundary was reached.
	AcceptWaveform(pcm []byte) (bool, error)
	// Result returns the committed text of the utterance that just ended.
	Result() (string, error)
	// PartialResult returns the current guess for the utterance in progress.
	PartialResult() (string, error)
	// FinalResult flushes buffered audio and returns the last committed text.
	FinalResult() (string, error)
	Close() error
}
