package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/model"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() SessionConfig {
	return SessionConfig{SampleRate: 16000, ChunkSize: 8000, Words: true, ExcerptRunes: 70}
}

// scriptedEngine hands out decoders whose answers are fixed up front.
type scriptedEngine struct {
	loads     int
	loadErr   error
	boundary  map[int]string
	partial   string
	final     string
	finalErr  error
	decoder   *scriptedDecoder
	acceptErr error
}

func (e *scriptedEngine) Name() string { return "scripted" }

func (e *scriptedEngine) Load(_ context.Context, _ string, _ DecoderOptions) (Decoder, error) {
	e.loads++
	if e.loadErr != nil {
		return nil, e.loadErr
	}
	e.decoder = &scriptedDecoder{engine: e}
	return e.decoder, nil
}

type scriptedDecoder struct {
	engine *scriptedEngine
	chunks int
	bytes  int
	closed bool
}

func (d *scriptedDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	if d.engine.acceptErr != nil {
		return false, d.engine.acceptErr
	}
	d.chunks++
	d.bytes += len(pcm)
	_, ok := d.engine.boundary[d.chunks]
	return ok, nil
}

func (d *scriptedDecoder) Result() string {
	return d.engine.boundary[d.chunks]
}

func (d *scriptedDecoder) PartialResult() string {
	if d.engine.partial == "" {
		return `{"partial": ""}`
	}
	return d.engine.partial
}

func (d *scriptedDecoder) FinalResult() (string, error) {
	if d.engine.finalErr != nil {
		return "", d.engine.finalErr
	}
	if d.engine.final == "" {
		return `{"text": ""}`, nil
	}
	return d.engine.final, nil
}

func (d *scriptedDecoder) Close() error {
	d.closed = true
	return nil
}

func writeModel(t *testing.T, parts ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, rel := range parts {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", rel, err)
		}
	}
	return dir
}

func validModel(t *testing.T) string {
	return writeModel(t, "am/final.mdl", "conf/model.conf")
}

// writeWAV writes n silent mono 16-bit samples.
func writeWAV(t *testing.T, n, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "normalized.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	buf := &audio.IntBuffer{Format: &audio.Format{NumChannels: 1, SampleRate: rate}, Data: make([]int, n)}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func collect(progress *[]Progress) func(Progress) {
	return func(p Progress) { *progress = append(*progress, p) }
}

func TestSessionJoinsSegments(t *testing.T) {
	eng := &scriptedEngine{
		boundary: map[int]string{2: `{"text": "A"}`},
		partial:  `{"partial": "A"}`,
		final:    `{"text": "B"}`,
	}
	audioPath := writeWAV(t, 16000, 16000)
	out := filepath.Join(t.TempDir(), "out.txt")

	var progress []Progress
	tr, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), audioPath, validModel(t), out, collect(&progress))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "A B" {
		t.Fatalf("unexpected transcript %q", data)
	}
	if tr.OutputPath != out || tr.BytesFed != 32000 {
		t.Fatalf("unexpected transcript result %+v", tr)
	}
	if eng.decoder.chunks != 4 || eng.decoder.bytes != 32000 {
		t.Fatalf("expected 4 chunks totalling 32000 bytes, got %d/%d", eng.decoder.chunks, eng.decoder.bytes)
	}
	if !eng.decoder.closed {
		t.Fatal("expected decoder closed")
	}

	var segments, partials int
	for _, p := range progress {
		switch p.Kind {
		case ProgressSegment:
			segments++
		case ProgressPartial:
			partials++
			if p.String() != "Partial: A" {
				t.Fatalf("unexpected partial line %q", p.String())
			}
		}
	}
	if segments != 2 {
		t.Fatalf("expected 2 segment updates, got %d", segments)
	}
	if partials != 3 {
		t.Fatalf("expected 3 partial updates, got %d", partials)
	}
	if last := progress[len(progress)-1]; last.String() != "Segment: B" {
		t.Fatalf("expected final flush last, got %q", last.String())
	}
}

func TestSessionEmptyTranscriptWritesNothing(t *testing.T) {
	eng := &scriptedEngine{boundary: map[int]string{1: `{"text": ""}`}}
	out := filepath.Join(t.TempDir(), "out.txt")

	tr, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 8000, 16000), validModel(t), out, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !tr.Empty() || tr.OutputPath != "" {
		t.Fatalf("expected empty transcript, got %+v", tr)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no output file, stat err %v", err)
	}
}

func TestSessionSwallowsMalformedResults(t *testing.T) {
	eng := &scriptedEngine{
		boundary: map[int]string{1: "not json"},
		partial:  "{broken",
		final:    `{"text": "ok"}`,
	}
	out := filepath.Join(t.TempDir(), "out.txt")

	if _, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 16000, 16000), validModel(t), out, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if string(data) != "ok" {
		t.Fatalf("unexpected transcript %q", data)
	}
}

func TestSessionRejectsInvalidModelBeforeLoading(t *testing.T) {
	eng := &scriptedEngine{}
	modelDir := writeModel(t, "conf/model.conf")

	_, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 100, 16000), modelDir, filepath.Join(t.TempDir(), "out.txt"), nil)
	if !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if eng.loads != 0 {
		t.Fatalf("expected engine untouched, got %d loads", eng.loads)
	}
}

func TestSessionLoadFailureIsInvalidModel(t *testing.T) {
	eng := &scriptedEngine{loadErr: errors.New("bad model")}
	_, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 100, 16000), validModel(t), filepath.Join(t.TempDir(), "out.txt"), nil)
	if !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSessionWriteFailure(t *testing.T) {
	eng := &scriptedEngine{final: `{"text": "words"}`}
	out := filepath.Join(t.TempDir(), "missing", "out.txt")

	_, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 100, 16000), validModel(t), out, nil)
	if !errors.Is(err, ErrIOFailure) {
		t.Fatalf("expected ErrIOFailure, got %v", err)
	}
}

func TestSessionRejectsWrongLayout(t *testing.T) {
	eng := &scriptedEngine{}
	_, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 100, 8000), validModel(t), filepath.Join(t.TempDir(), "out.txt"), nil)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if !eng.decoder.closed {
		t.Fatal("expected decoder closed after failure")
	}
}

func TestSessionDecoderError(t *testing.T) {
	eng := &scriptedEngine{acceptErr: errors.New("engine crashed")}
	_, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 100, 16000), validModel(t), filepath.Join(t.TempDir(), "out.txt"), nil)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
}

func TestSessionFlushFailureWritesNothing(t *testing.T) {
	eng := &scriptedEngine{
		boundary: map[int]string{1: `{"text": "alpha"}`},
		finalErr: errors.New("engine exited"),
	}
	out := filepath.Join(t.TempDir(), "out.txt")

	tr, err := NewSession(eng, testConfig(), newLogger()).Run(context.Background(), writeWAV(t, 16000, 16000), validModel(t), out, nil)
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}
	if tr.OutputPath != "" {
		t.Fatalf("expected no output path, got %q", tr.OutputPath)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected no transcript after flush failure, stat err %v", err)
	}
	if !eng.decoder.closed {
		t.Fatal("expected decoder closed after failure")
	}
}

func TestSessionStopsOnCancel(t *testing.T) {
	eng := &scriptedEngine{final: `{"text": "never"}`}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := filepath.Join(t.TempDir(), "out.txt")

	_, err := NewSession(eng, testConfig(), newLogger()).Run(ctx, writeWAV(t, 16000, 16000), validModel(t), out, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(out); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("expected no transcript after cancellation")
	}
}

func TestSessionWithMockEngine(t *testing.T) {
	cfg := testConfig()
	cfg.ChunkSize = 1000
	out := filepath.Join(t.TempDir(), "out.txt")

	tr, err := NewSession(NewMockEngine(), cfg, newLogger()).Run(context.Background(), writeWAV(t, 8000, 16000), validModel(t), out, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := "segment 1 length 8000 segment 2 length 8000"
	if tr.Text() != want {
		t.Fatalf("unexpected transcript %q", tr.Text())
	}
}
