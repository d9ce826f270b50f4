package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-scribe/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type SessionConfig struct {
	SampleRate     int
	ChunkSize      int
	Words          bool
	ExcerptRunes   int
	LoadLogLevel   int
	DecodeLogLevel int
}

type ProgressKind string

const (
	ProgressStage   ProgressKind = "stage"
	ProgressSegment ProgressKind = "segment"
	ProgressPartial ProgressKind = "partial"
)

// Progress is an advisory status update emitted while a session runs.
type Progress struct {
	Kind ProgressKind
	Text string
}

func (p Progress) String() string {
	switch p.Kind {
	case ProgressSegment:
		return "Segment: " + p.Text
	case ProgressPartial:
		return "Partial: " + p.Text
	default:
		return p.Text
	}
}

// Transcript accumulates final segments in arrival order.
type Transcript struct {
	Segments   []string
	Words      []Word
	OutputPath string
	BytesFed   int64
}

// Text joins the segments with single spaces.
func (t Transcript) Text() string {
	return strings.TrimSpace(strings.Join(t.Segments, " "))
}

func (t Transcript) Empty() bool {
	return t.Text() == ""
}

func (t *Transcript) add(res Result) bool {
	if res.Text == "" {
		return false
	}
	t.Segments = append(t.Segments, res.Text)
	t.Words = append(t.Words, res.Words...)
	return true
}

// Session streams a normalized waveform through one decoder and writes the
// resulting transcript.
type Session struct {
	engine    Engine
	cfg       SessionConfig
	logger    *slog.Logger
	chunks    metric.Int64Counter
	segments  metric.Int64Counter
	malformed metric.Int64Counter
}

func NewSession(engine Engine, cfg SessionConfig, logger *slog.Logger) *Session {
	s := &Session{
		engine:    engine,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "stt-session"), slog.String("engine", engine.Name())),
		chunks:    noop.Int64Counter{},
		segments:  noop.Int64Counter{},
		malformed: noop.Int64Counter{},
	}
	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return s
}

func (s *Session) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/stt")
	chunks, err := meter.Int64Counter("scribe.decode.chunks", metric.WithDescription("Audio chunks fed to the decoder"))
	if err != nil {
		return err
	}
	segments, err := meter.Int64Counter("scribe.decode.segments", metric.WithDescription("Final segments appended to transcripts"))
	if err != nil {
		return err
	}
	malformed, err := meter.Int64Counter("scribe.decode.malformed_results", metric.WithDescription("Decoder results that could not be parsed"))
	if err != nil {
		return err
	}
	s.chunks, s.segments, s.malformed = chunks, segments, malformed
	return nil
}

// Run decodes audioPath with the model in modelDir and writes the transcript
// to outputPath. An empty transcript is a normal outcome: nothing is written
// and the returned Transcript reports Empty.
func (s *Session) Run(ctx context.Context, audioPath, modelDir, outputPath string, onProgress func(Progress)) (Transcript, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/stt").Start(ctx, "stt.decode")
	defer span.End()
	if onProgress == nil {
		onProgress = func(Progress) {}
	}

	tr, err := s.run(ctx, audioPath, modelDir, outputPath, onProgress)
	span.SetAttributes(
		attribute.Int("segments", len(tr.Segments)),
		attribute.Int64("bytes_fed", tr.BytesFed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return tr, err
}

func (s *Session) run(ctx context.Context, audioPath, modelDir, outputPath string, onProgress func(Progress)) (Transcript, error) {
	var tr Transcript
	if err := model.Validate(modelDir).Err(); err != nil {
		return tr, err
	}

	onProgress(Progress{Kind: ProgressStage, Text: "Loading model " + filepath.Base(modelDir)})
	dec, err := s.engine.Load(ctx, modelDir, DecoderOptions{
		SampleRate:     s.cfg.SampleRate,
		Words:          s.cfg.Words,
		LoadLogLevel:   s.cfg.LoadLogLevel,
		DecodeLogLevel: s.cfg.DecodeLogLevel,
	})
	if err != nil {
		return tr, fmt.Errorf("%w: %s: %v", model.ErrInvalid, modelDir, err)
	}
	defer func() {
		if err := dec.Close(); err != nil {
			s.logger.Warn("failed to close decoder", slogError(err))
		}
	}()

	f, err := os.Open(audioPath)
	if err != nil {
		return tr, fmt.Errorf("%w: open normalized audio: %v", ErrDecode, err)
	}
	defer f.Close()
	pcm, err := pcmReader(f, s.cfg.SampleRate)
	if err != nil {
		return tr, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	onProgress(Progress{Kind: ProgressStage, Text: "Model loaded, decoding"})
	fed, err := ReadChunks(pcm, s.cfg.ChunkSize, func(chunk []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.chunks.Add(ctx, 1)
		boundary, err := dec.AcceptWaveform(chunk)
		if err != nil {
			// A cancelled context kills out-of-process engines mid-request.
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		if boundary {
			s.appendSegment(ctx, &tr, s.parse(ctx, dec.Result(), "result"), onProgress)
			return nil
		}
		if partial := s.parse(ctx, dec.PartialResult(), "partial").Partial; partial != "" {
			onProgress(Progress{Kind: ProgressPartial, Text: Excerpt(partial, s.cfg.ExcerptRunes)})
		}
		return nil
	})
	tr.BytesFed = fed
	if err != nil {
		if errors.Is(err, ErrDecode) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return tr, err
		}
		return tr, fmt.Errorf("%w: read normalized audio: %v", ErrDecode, err)
	}
	final, err := dec.FinalResult()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return tr, ctxErr
		}
		return tr, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	s.appendSegment(ctx, &tr, s.parse(ctx, final, "final"), onProgress)
	s.logger.Debug("audio stream exhausted", slog.Int64("bytes", fed), slog.Int("segments", len(tr.Segments)))

	text := tr.Text()
	if text == "" {
		s.logger.Info("no speech recognized", slog.String("audio", filepath.Base(audioPath)))
		return tr, nil
	}
	if err := writeTranscript(outputPath, text); err != nil {
		return tr, fmt.Errorf("%w: %s: %v", ErrIOFailure, outputPath, err)
	}
	tr.OutputPath = outputPath
	s.logger.Info("transcript written", slog.String("output", outputPath), slog.Int("segments", len(tr.Segments)))
	return tr, nil
}

func (s *Session) appendSegment(ctx context.Context, tr *Transcript, res Result, onProgress func(Progress)) {
	if !tr.add(res) {
		return
	}
	s.segments.Add(ctx, 1)
	onProgress(Progress{Kind: ProgressSegment, Text: Excerpt(res.Text, s.cfg.ExcerptRunes)})
}

// parse never fails the session: malformed output counts as empty.
func (s *Session) parse(ctx context.Context, raw, kind string) Result {
	res, err := ParseResult(raw)
	if err != nil {
		s.malformed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
		s.logger.Warn("malformed recognizer output", slog.String("kind", kind), slog.String("raw", Excerpt(raw, 120)), slogError(err))
		return Result{}
	}
	return res
}

// pcmReader positions r at the PCM payload of a mono 16-bit WAV.
func pcmReader(r io.ReadSeeker, sampleRate int) (io.Reader, error) {
	d := wav.NewDecoder(r)
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("locate pcm data: %w", err)
	}
	// FwdToPCM reports header errors through Err, not its return value.
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if d.PCMChunk == nil {
		return nil, errors.New("wav file has no pcm data")
	}
	if d.NumChans != 1 || d.BitDepth != 16 || int(d.SampleRate) != sampleRate {
		return nil, fmt.Errorf("unexpected audio layout: %d channels, %d bits, %d Hz", d.NumChans, d.BitDepth, d.SampleRate)
	}
	return io.LimitReader(d.PCMChunk.R, int64(d.PCMSize)), nil
}

func writeTranscript(path, text string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transcript-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
