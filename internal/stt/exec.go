package stt

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/loqalabs/loqa-transcribe/internal/config"
	"github.com/mattn/go-shellwords"
)

const (
	execShutdownGrace = 2 * time.Second
	execDecodeTimeout = 10 * time.Second
)

// execModel drives an external recognizer helper. Each decoder owns one
// helper process that speaks newline-delimited JSON on stdin/stdout, so the
// helper loads its model once per session.
type execModel struct {
	cmd []string
	cfg config.STTConfig
}

type execRequest struct {
	Audio []byte `json:"audio,omitempty"`
	Flush bool   `json:"flush,omitempty"`
}

type execResponse struct {
	Final   bool   `json:"final"`
	Text    string `json:"text"`
	Partial string `json:"partial"`
	Error   string `json:"error,omitempty"`
}

// LoadExecModel validates the helper command and the model directory.
func LoadExecModel(cfg config.STTConfig) (Model, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	if cfg.ModelPath == "" {
		return nil, errors.New("stt model path is empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("stt model path: %w", err)
	}
	return &execModel{cmd: args, cfg: cfg}, nil
}

func (m *execModel) Name() string {
	if m.cfg.ModelName != "" {
		return m.cfg.ModelName
	}
	return m.cfg.ModelPath
}

func (m *execModel) NewDecoder(sampleRate int) (Decoder, error) {
	args := append([]string{}, m.cmd[1:]...)
	args = append(args, "--model", m.cfg.ModelPath, "--sample-rate", strconv.Itoa(sampleRate))
	if m.cfg.Language != "" {
		args = append(args, "--language", m.cfg.Language)
	}

	command := exec.Command(m.cmd[0], args...)
	command.Stderr = os.Stderr
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stt stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start stt command: %w", err)
	}

	timeout := time.Duration(m.cfg.DecodeTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = execDecodeTimeout
	}
	d := &execDecoder{
		cmd:     command,
		stdin:   stdin,
		enc:     json.NewEncoder(stdin),
		lines:   make(chan execLine, 1),
		done:    make(chan struct{}),
		timeout: timeout,
	}
	go d.readLines(stdout)
	return d, nil
}

func (m *execModel) Close() error { return nil }

type execLine struct {
	data []byte
	err  error
}

type execDecoder struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	enc     *json.Encoder
	lines   chan execLine
	done    chan struct{}
	timeout time.Duration
	broken  error

	text      string
	partial   string
	closeOnce sync.Once
	closeErr  error
}

func (d *execDecoder) readLines(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := execLine{data: append([]byte(nil), scanner.Bytes()...)}
		select {
		case d.lines <- line:
		case <-d.done:
			return
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	select {
	case d.lines <- execLine{err: err}:
	case <-d.done:
	}
}

// roundTrip sends one request and waits for its reply. A helper that stays
// silent past the timeout is killed and the decoder is unusable afterwards.
func (d *execDecoder) roundTrip(req execRequest) (execResponse, error) {
	if d.broken != nil {
		return execResponse{}, d.broken
	}
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	written := make(chan error, 1)
	go func() { written <- d.enc.Encode(req) }()
	select {
	case err := <-written:
		if err != nil {
			return execResponse{}, fmt.Errorf("write stt request: %w", err)
		}
	case <-timer.C:
		return execResponse{}, d.stall()
	}

	var line execLine
	select {
	case line = <-d.lines:
	case <-timer.C:
		return execResponse{}, d.stall()
	}
	if line.err != nil {
		d.broken = fmt.Errorf("read stt response: %w", line.err)
		return execResponse{}, d.broken
	}
	var resp execResponse
	if err := json.Unmarshal(line.data, &resp); err != nil {
		return execResponse{}, fmt.Errorf("decode stt response: %w", err)
	}
	if resp.Error != "" {
		return execResponse{}, fmt.Errorf("stt helper: %s", resp.Error)
	}
	return resp, nil
}

func (d *execDecoder) stall() error {
	d.broken = fmt.Errorf("stt helper did not respond within %s", d.timeout)
	_ = d.cmd.Process.Kill()
	return d.broken
}

func (d *execDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	resp, err := d.roundTrip(execRequest{Audio: pcm})
	if err != nil {
		return false, err
	}
	if resp.Final {
		d.text = resp.Text
		d.partial = ""
		return true, nil
	}
	d.partial = resp.Partial
	return false, nil
}

func (d *execDecoder) Result() (string, error) {
	text := d.text
	d.text = ""
	return text, nil
}

func (d *execDecoder) PartialResult() (string, error) {
	return d.partial, nil
}

func (d *execDecoder) FinalResult() (string, error) {
	resp, err := d.roundTrip(execRequest{Flush: true})
	if err != nil {
		return "", err
	}
	d.partial = ""
	return resp.Text, nil
}

func (d *execDecoder) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.stdin.Close()
		done := make(chan error, 1)
		go func() { done <- d.cmd.Wait() }()
		select {
		case err := <-done:
			var exitErr *exec.ExitError
			if err != nil && !errors.As(err, &exitErr) {
				d.closeErr = err
			}
		case <-time.After(execShutdownGrace):
			_ = d.cmd.Process.Kill()
			<-done
		}
	})
	return d.closeErr
}
