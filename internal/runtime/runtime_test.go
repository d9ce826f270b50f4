package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/controller"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// copyConverter answers the version probe and copies the -i argument to the
// last argument.
const copyConverter = `#!/bin/sh
if [ "$1" = "-version" ]; then echo "fake version"; exit 0; fi
in=""; prev=""; out=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  prev="$a"; out="$a"
done
cp "$in" "$out"
`

type env struct {
	cfg      config.Config
	input    string
	modelDir string
	output   string
}

func newEnv(t *testing.T) env {
	t.Helper()
	if goruntime.GOOS == "windows" {
		t.Skip("fake converter needs a POSIX shell")
	}
	dir := t.TempDir()

	conv := filepath.Join(dir, "fakeffmpeg")
	if err := os.WriteFile(conv, []byte(copyConverter), 0o755); err != nil {
		t.Fatalf("write converter: %v", err)
	}

	modelDir := filepath.Join(dir, "model")
	for _, rel := range []string{"am/final.mdl", "conf/model.conf"} {
		path := filepath.Join(modelDir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write model: %v", err)
		}
	}

	input := filepath.Join(dir, "meeting notes.wav")
	f, err := os.Create(input)
	if err != nil {
		t.Fatalf("create input: %v", err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: 16000}, Data: make([]int, 4000)}); err != nil {
		t.Fatalf("write input: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	f.Close()

	cfg := config.Default()
	cfg.Converter.Command = conv
	cfg.Converter.SearchPaths = []string{filepath.Join(dir, "missing", "ffmpeg")}
	cfg.Engine.Mode = "mock"
	cfg.Transcriber.ChunkSize = 1000
	cfg.Scratch.BaseDir = filepath.Join(dir, "home")
	return env{
		cfg:      cfg,
		input:    input,
		modelDir: modelDir,
		output:   filepath.Join(dir, "out", "meeting notes_transcription.txt"),
	}
}

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("create nats server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestTranscribeEndToEnd(t *testing.T) {
	e := newEnv(t)
	ns := startNATS(t)
	e.cfg.Bus.Enabled = true
	e.cfg.Bus.Servers = []string{ns.ClientURL()}
	e.cfg.Telemetry.PrometheusBind = "127.0.0.1:0"

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("connect subscriber: %v", err)
	}
	defer sub.Close()
	completed, err := sub.SubscribeSync("scribe.completed")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rt := New(e.cfg, newLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	scratchPath := filepath.Join(e.cfg.Scratch.BaseDir, e.cfg.Scratch.Name+"_pid"+strconv.Itoa(os.Getpid()))
	if _, err := os.Stat(scratchPath); err != nil {
		t.Fatalf("expected scratch dir: %v", err)
	}

	var lines []string
	last, err := rt.Transcribe(context.Background(), controller.Request{
		InputPath:  e.input,
		ModelDir:   e.modelDir,
		OutputPath: e.output,
	}, func(ev controller.Event) { lines = append(lines, ev.Line()) })
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if last.Kind != controller.EventCompleted {
		t.Fatalf("expected completion, got %s", last.Kind)
	}
	data, err := os.ReadFile(e.output)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "segment 1 length 8000" {
		t.Fatalf("unexpected transcript %q", data)
	}
	if lines[len(lines)-1] != "Transcription saved to "+e.output {
		t.Fatalf("unexpected final line %q", lines[len(lines)-1])
	}

	msg, err := completed.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("expected completed event on bus: %v", err)
	}
	var wire protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if wire.SessionID != last.SessionID || wire.OutputPath != e.output || wire.Segments != 1 {
		t.Fatalf("unexpected wire event %+v", wire)
	}

	resp, err := http.Get("http://" + rt.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "scribe_sessions") {
		t.Fatal("expected session counter in metrics output")
	}

	resp, err = http.Get("http://" + rt.MetricsAddr() + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(scratchPath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected scratch dir removed, stat err %v", err)
	}
}

func TestTranscribeFailureReturnsTerminalEvent(t *testing.T) {
	e := newEnv(t)
	if err := os.WriteFile(e.input, []byte("not audio"), 0o644); err != nil {
		t.Fatalf("overwrite input: %v", err)
	}
	rt := New(e.cfg, newLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close(context.Background())

	last, err := rt.Transcribe(context.Background(), controller.Request{
		InputPath:  e.input,
		ModelDir:   e.modelDir,
		OutputPath: e.output,
	}, nil)
	if err == nil {
		t.Fatal("expected failure")
	}
	if last.Kind != controller.EventFailed || last.ErrKind != controller.KindDecodeFailure {
		t.Fatalf("unexpected terminal event %s/%s", last.Kind, last.ErrKind)
	}
}

func TestTranscribeCancelReleasesController(t *testing.T) {
	e := newEnv(t)
	e.cfg.Transcriber.EventBuffer = 1
	rt := New(e.cfg, newLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close(context.Background())
	req := controller.Request{InputPath: e.input, ModelDir: e.modelDir, OutputPath: e.output}

	ctx, cancel := context.WithCancel(context.Background())
	_, err := rt.Transcribe(ctx, req, func(controller.Event) { cancel() })
	if err == nil {
		t.Fatal("expected cancelled transcription to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for rt.Controller().Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("controller still %s after cancellation", rt.Controller().State())
		}
		time.Sleep(10 * time.Millisecond)
	}
	last, err := rt.Transcribe(context.Background(), req, nil)
	if err != nil || last.Kind != controller.EventCompleted {
		t.Fatalf("expected second transcription to complete, got %s err %v", last.Kind, err)
	}
}

func TestTranscribeWithoutConverter(t *testing.T) {
	e := newEnv(t)
	e.cfg.Converter.Command = "loqa-scribe-missing-converter"
	rt := New(e.cfg, newLogger())
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close(context.Background())

	last, err := rt.Transcribe(context.Background(), controller.Request{
		InputPath:  e.input,
		ModelDir:   e.modelDir,
		OutputPath: e.output,
	}, nil)
	if err == nil || last.ErrKind != controller.KindConverterUnavailable {
		t.Fatalf("expected converter unavailable, got %q err %v", last.ErrKind, err)
	}
}

func TestCheck(t *testing.T) {
	e := newEnv(t)
	rt := New(e.cfg, newLogger())

	report := rt.Check(context.Background(), e.modelDir)
	if !report.Ready() {
		t.Fatalf("expected ready report, got %+v", report)
	}
	if report.ConverterPath != e.cfg.Converter.Command || report.Engine != "mock" {
		t.Fatalf("unexpected report %+v", report)
	}

	report = rt.Check(context.Background(), t.TempDir())
	if report.Ready() || report.Model.Valid || len(report.Model.Missing) != 2 {
		t.Fatalf("expected invalid model, got %+v", report.Model)
	}
}

func TestTranscribeBeforeStart(t *testing.T) {
	rt := New(config.Default(), newLogger())
	if _, err := rt.Transcribe(context.Background(), controller.Request{}, nil); err == nil {
		t.Fatal("expected error before start")
	}
}
