package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-transcribe/internal/protocol"
	"github.com/loqalabs/loqa-transcribe/internal/streamclient"
)

func main() {
	var opts streamclient.Options
	flag.StringVar(&opts.URL, "url", "ws://localhost:8000/ws", "Transcription websocket endpoint")
	flag.StringVar(&opts.Language, "language", "", "Language code sent with the stream")
	flag.IntVar(&opts.ChunkMS, "chunk-ms", 250, "Audio per websocket frame in milliseconds")
	flag.BoolVar(&opts.Realtime, "realtime", true, "Pace frames at playback speed")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: transcribe-stream [flags] <file.wav>")
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Arg(0), opts, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, opts streamclient.Options, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	audio, err := streamclient.ReadWAV(f)
	if err != nil {
		return err
	}

	return streamclient.New(opts, logger).Stream(ctx, audio, func(evt protocol.StreamEvent) {
		switch evt.Type {
		case protocol.EventFinal:
			fmt.Printf("\r\033[K%s\n", evt.Text)
		default:
			fmt.Printf("\r\033[K%s", evt.Text)
		}
	})
}
