// Package streamclient streams a WAV file to the transcription websocket and
// reports the events it receives.
package streamclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

const closeGrace = 5 * time.Second

// Audio is 16-bit little-endian PCM.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration of the clip.
func (a Audio) Duration() time.Duration {
	bytesPerSecond := a.SampleRate * a.Channels * 2
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(len(a.PCM)) * time.Second / time.Duration(bytesPerSecond)
}

// ReadWAV decodes a 16-bit PCM WAV file.
func ReadWAV(r io.ReadSeeker) (Audio, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Audio{}, errors.New("not a valid WAV file")
	}
	if dec.BitDepth != 16 {
		return Audio{}, fmt.Errorf("unsupported bit depth %d, need 16-bit PCM", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Audio{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return Audio{PCM: pcm, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

type Options struct {
	URL      string
	Language string
	ChunkMS  int
	// Realtime paces chunks at playback speed.
	Realtime bool
}

type Client struct {
	opts   Options
	dialer *websocket.Dialer
	log    *slog.Logger
}

func New(opts Options, log *slog.Logger) *Client {
	if opts.ChunkMS <= 0 {
		opts.ChunkMS = 250
	}
	return &Client{opts: opts, dialer: websocket.DefaultDialer, log: log.With(slog.String("component", "streamclient"))}
}

// Stream sends audio in chunks, calls onEvent for every event the server
// emits, then closes the channel and waits for the server to finish.
func (c *Client) Stream(ctx context.Context, audio Audio, onEvent func(protocol.StreamEvent)) error {
	target, err := c.endpoint(audio.SampleRate)
	if err != nil {
		return err
	}
	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	c.log.Debug("connected", slog.String("url", target), slog.Duration("audio", audio.Duration()))

	readErr := make(chan error, 1)
	go func() {
		readErr <- readEvents(conn, onEvent)
	}()

	chunkBytes := audio.SampleRate * audio.Channels * 2 * c.opts.ChunkMS / 1000
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	chunkBytes -= chunkBytes % 2
	interval := time.Duration(c.opts.ChunkMS) * time.Millisecond

	for off := 0; off < len(audio.PCM); off += chunkBytes {
		end := min(off+chunkBytes, len(audio.PCM))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.PCM[off:end]); err != nil {
			return serverError(readErr, fmt.Errorf("send chunk: %w", err))
		}
		if !c.opts.Realtime {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-time.After(interval):
		}
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		return serverError(readErr, fmt.Errorf("send close: %w", err))
	}

	select {
	case err := <-readErr:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(closeGrace):
		return errors.New("server did not close the stream")
	}
}

func (c *Client) endpoint(sampleRate int) (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if sampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(sampleRate))
	}
	if c.opts.Language != "" {
		q.Set("language", c.opts.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// serverError prefers the reason the server gave for closing over a local
// write failure caused by that close.
func serverError(readErr <-chan error, writeErr error) error {
	select {
	case err := <-readErr:
		return err
	case <-time.After(closeGrace):
		return writeErr
	}
}

// readEvents returns nil when the server closes normally.
func readEvents(conn *websocket.Conn, onEvent func(protocol.StreamEvent)) error {
	for {
		var evt protocol.StreamEvent
		if err := conn.ReadJSON(&evt); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("server closed stream: %d %s", closeErr.Code, closeErr.Text)
			}
			return fmt.Errorf("read event: %w", err)
		}
		if onEvent != nil {
			onEvent(evt)
		}
	}
}
