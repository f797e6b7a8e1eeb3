package streamclient

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-transcribe/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeWAV(t *testing.T, samples []int, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, Data: samples, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadWAV(t *testing.T) {
	path := writeWAV(t, []int{1, -1, 32767, -32768}, 8000)
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	clip, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	if clip.SampleRate != 8000 || clip.Channels != 1 {
		t.Fatalf("unexpected format %+v", clip)
	}
	want := []byte{0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}
	if !bytes.Equal(clip.PCM, want) {
		t.Fatalf("unexpected pcm % x", clip.PCM)
	}
}

func TestReadWAVRejectsGarbage(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("definitely not audio"))); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}

// echoServer answers each binary chunk with a partial event carrying its size.
func echoServer(t *testing.T, query chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query <- r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(protocol.Partial(strconv.Itoa(len(data)))); err != nil {
				return
			}
		}
	}))
}

func TestStreamChunksAndCollectsEvents(t *testing.T) {
	query := make(chan string, 1)
	srv := echoServer(t, query)
	defer srv.Close()

	client := New(Options{
		URL:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Language: "en",
		ChunkMS:  100,
	}, newLogger())

	// 250ms at 8kHz mono: two full 1600-byte chunks and a 800-byte tail.
	clip := Audio{PCM: make([]byte, 4000), SampleRate: 8000, Channels: 1}

	var (
		mu   sync.Mutex
		seen []string
	)
	err := client.Stream(context.Background(), clip, func(evt protocol.StreamEvent) {
		mu.Lock()
		seen = append(seen, evt.Text)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if got := <-query; got != "language=en&sample_rate=8000" {
		t.Fatalf("unexpected query %q", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "1600,1600,800" {
		t.Fatalf("unexpected events %v", seen)
	}
}

func TestStreamReportsAbnormalClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "model unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer srv.Close()

	client := New(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, newLogger())
	err := client.Stream(context.Background(), Audio{SampleRate: 16000, Channels: 1}, nil)
	if err == nil || !strings.Contains(err.Error(), "1011") {
		t.Fatalf("expected abnormal close error, got %v", err)
	}
}

func TestAudioDuration(t *testing.T) {
	clip := Audio{PCM: make([]byte, 32000), SampleRate: 16000, Channels: 1}
	if clip.Duration() != time.Second {
		t.Fatalf("expected 1s, got %s", clip.Duration())
	}
}
