package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execEngine drives a helper process that wraps an incremental recognizer.
//
// The helper is started as
//
//	<command> --model <dir> --sample-rate <n> [--words] --log-level <n>
//
// and speaks newline-delimited JSON. Each request line is either
// {"pcm_base64": "..."} or {"flush": true}; the helper answers every request
// with exactly one line holding the recognizer's JSON plus a boolean "final"
// that marks a segment boundary.
type execEngine struct {
	cmd []string
}

type execRequest struct {
	PCMBase64 string `json:"pcm_base64,omitempty"`
	Flush     bool   `json:"flush,omitempty"`
}

type execReply struct {
	Final bool `json:"final"`
}

func NewExecEngine(command string) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &execEngine{cmd: args}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) Load(ctx context.Context, modelDir string, opts DecoderOptions) (Decoder, error) {
	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", modelDir, "--sample-rate", strconv.Itoa(opts.SampleRate))
	if opts.Words {
		args = append(args, "--words")
	}
	args = append(args, "--log-level", strconv.Itoa(opts.DecodeLogLevel))

	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &execDecoder{cmd: cmd, stdin: stdin, lines: scanner, stderr: stderr}, nil
}

type execDecoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	stderr *lockedBuffer
	last   string
	closed bool
	mu     sync.Mutex
}

func (d *execDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := d.roundTrip(execRequest{PCMBase64: base64.StdEncoding.EncodeToString(pcm)})
	if err != nil {
		return false, err
	}
	d.last = line
	var reply execReply
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		// Leave the raw line for the caller; it will surface as malformed output.
		return false, nil
	}
	return reply.Final, nil
}

func (d *execDecoder) Result() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *execDecoder) PartialResult() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *execDecoder) FinalResult() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	line, err := d.roundTrip(execRequest{Flush: true})
	if err != nil {
		return "", fmt.Errorf("flush engine command: %w", err)
	}
	d.last = line
	return line, nil
}

func (d *execDecoder) roundTrip(req execRequest) (string, error) {
	if d.closed {
		return "", fmt.Errorf("engine command already closed")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	data = append(data, '\n')
	if _, err := d.stdin.Write(data); err != nil {
		return "", fmt.Errorf("write to engine command: %w: %s", err, d.stderrTail())
	}
	if !d.lines.Scan() {
		if err := d.lines.Err(); err != nil {
			return "", fmt.Errorf("read engine reply: %w", err)
		}
		return "", fmt.Errorf("engine command exited: %s", d.stderrTail())
	}
	return d.lines.Text(), nil
}

func (d *execDecoder) stderrTail() string {
	return Excerpt(strings.TrimSpace(d.stderr.String()), 200)
}

func (d *execDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = d.stdin.Close()
	if err := d.cmd.Wait(); err != nil {
		return fmt.Errorf("engine command failed: %w: %s", err, d.stderrTail())
	}
	return nil
}

// lockedBuffer collects helper stderr, which exec copies from its own
// goroutine while replies are still being read.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
