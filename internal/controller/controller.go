package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/loqalabs/loqa-scribe/internal/model"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrBusy rejects a request while another session is in flight.
	ErrBusy = errors.New("a transcription is already running")
	// ErrInvalidRequest covers missing or unusable paths found at pre-flight.
	ErrInvalidRequest = errors.New("invalid transcription request")
)

const (
	StateIdle        = "idle"
	StateNormalizing = "normalizing"
	StateDecoding    = "decoding"

	eventBegin  = "begin"
	eventDecode = "decode"
	eventFinish = "finish"
)

// Normalizer converts arbitrary input audio into the decoder's format inside
// scratchDir and returns the new file's path.
type Normalizer interface {
	Normalize(ctx context.Context, inputPath, scratchDir string) (string, error)
}

// Transcriber decodes a normalized file and writes the transcript.
type Transcriber interface {
	Run(ctx context.Context, audioPath, modelDir, outputPath string, onProgress func(stt.Progress)) (stt.Transcript, error)
}

// Scratch is the per-process directory holding intermediate files.
type Scratch interface {
	Path() string
	Remove(file string) error
	Close() error
}

type Options struct {
	Normalizer  Normalizer
	Transcriber Transcriber
	Scratch     Scratch
	EventBuffer int
	Logger      *slog.Logger
}

// Controller runs at most one transcription session at a time and reports
// its progress as a stream of events.
type Controller struct {
	normalizer  Normalizer
	transcriber Transcriber
	scratch     Scratch
	buffer      int
	logger      *slog.Logger
	machine     *fsm.FSM
	closeOnce   sync.Once

	sessions metric.Int64Counter
	duration metric.Float64Histogram
}

func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "controller"))
	buffer := opts.EventBuffer
	if buffer < 1 {
		buffer = 1
	}
	c := &Controller{
		normalizer:  opts.Normalizer,
		transcriber: opts.Transcriber,
		scratch:     opts.Scratch,
		buffer:      buffer,
		logger:      logger,
		sessions:    noop.Int64Counter{},
		duration:    noop.Float64Histogram{},
	}
	c.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventBegin, Src: []string{StateIdle}, Dst: StateNormalizing},
			{Name: eventDecode, Src: []string{StateNormalizing}, Dst: StateDecoding},
			{Name: eventFinish, Src: []string{StateNormalizing, StateDecoding}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				c.logger.Debug("session state changed", slog.String("from", e.Src), slog.String("to", e.Dst))
			},
		},
	)
	if err := c.initMetrics(); err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return c
}

func (c *Controller) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/internal/controller")
	sessions, err := meter.Int64Counter("scribe.sessions", metric.WithDescription("Transcription sessions by outcome"))
	if err != nil {
		return err
	}
	duration, err := meter.Float64Histogram("scribe.session.duration", metric.WithDescription("Transcription session duration"), metric.WithUnit("s"))
	if err != nil {
		return err
	}
	c.sessions, c.duration = sessions, duration
	return nil
}

// State returns the lifecycle state: idle, normalizing or decoding.
func (c *Controller) State() string {
	return c.machine.Current()
}

func (c *Controller) Busy() bool {
	return !c.machine.Is(StateIdle)
}

// Validate runs the pre-flight checks of a request. It creates the output
// directory when missing and never touches the scratch directory.
func (c *Controller) Validate(req Request) error {
	if strings.TrimSpace(req.InputPath) == "" {
		return fmt.Errorf("%w: no input file selected", ErrInvalidRequest)
	}
	info, err := os.Stat(req.InputPath)
	if err != nil {
		return fmt.Errorf("%w: input %s: %v", ErrInvalidRequest, req.InputPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: input %s is not a regular file", ErrInvalidRequest, req.InputPath)
	}
	if err := model.Validate(req.ModelDir).Err(); err != nil {
		return err
	}
	if strings.TrimSpace(req.OutputPath) == "" {
		return fmt.Errorf("%w: no output file selected", ErrInvalidRequest)
	}
	if err := os.MkdirAll(filepath.Dir(req.OutputPath), 0o755); err != nil {
		return fmt.Errorf("%w: output directory: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Submit validates req and starts a session in the background. The returned
// channel carries the session's events and is closed after the terminal one.
// A second Submit while a session is in flight fails with ErrBusy.
func (c *Controller) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	if c.Busy() {
		return nil, ErrBusy
	}
	if err := c.Validate(req); err != nil {
		return nil, err
	}
	if err := c.machine.Event(ctx, eventBegin); err != nil {
		var invalid fsm.InvalidEventError
		if errors.As(err, &invalid) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("start session: %w", err)
	}

	s := &session{
		id:      uuid.NewString(),
		req:     req,
		events:  make(chan Event, c.buffer),
		started: time.Now(),
	}
	c.logger.Info("session started",
		slog.String("session_id", s.id),
		slog.String("input", req.InputPath),
		slog.String("model", req.ModelDir),
		slog.String("output", req.OutputPath),
	)
	go c.run(ctx, s)
	return s.events, nil
}

type session struct {
	id      string
	req     Request
	events  chan Event
	seq     int
	started time.Time
}

// emit delivers e to the consumer. Progress events are dropped once ctx is
// done so an abandoned session can still wind down; the terminal event is
// always delivered.
func (s *session) emit(ctx context.Context, e Event) {
	e.SessionID = s.id
	e.Sequence = s.seq + 1
	e.Time = time.Now()
	if e.Terminal() {
		s.events <- e
		s.seq++
		return
	}
	if ctx.Err() != nil {
		return
	}
	select {
	case s.events <- e:
		s.seq++
	case <-ctx.Done():
	}
}

func (c *Controller) run(ctx context.Context, s *session) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/controller").Start(ctx, "controller.session",
		trace.WithAttributes(
			attribute.String("session_id", s.id),
			attribute.String("input", filepath.Base(s.req.InputPath)),
		),
	)

	var (
		normalized string
		terminal   Event
	)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("unexpected failure: %v", r)
			c.logger.Error("session panicked", slog.String("session_id", s.id), slogError(err))
			terminal = failed(err)
		}
		if normalized != "" {
			if err := c.scratch.Remove(normalized); err != nil {
				c.logger.Warn("failed to remove normalized audio", slog.String("path", normalized), slogError(err))
			}
		}
		c.finish(ctx, s, terminal)
		if terminal.Err != nil {
			span.RecordError(terminal.Err)
			span.SetStatus(codes.Error, terminal.Err.Error())
		}
		span.End()
	}()

	s.emit(ctx, Event{Kind: EventProgress, Stage: StateNormalizing, Text: "Converting " + filepath.Base(s.req.InputPath)})
	path, err := c.normalizer.Normalize(ctx, s.req.InputPath, c.scratch.Path())
	if err != nil {
		terminal = failed(err)
		return
	}
	normalized = path

	if err := c.machine.Event(context.Background(), eventDecode); err != nil {
		terminal = failed(fmt.Errorf("enter decoding: %w", err))
		return
	}
	s.emit(ctx, Event{Kind: EventProgress, Stage: StateDecoding, Text: "Audio converted"})

	tr, err := c.transcriber.Run(ctx, normalized, s.req.ModelDir, s.req.OutputPath, func(p stt.Progress) {
		text, partial := progressText(p)
		s.emit(ctx, Event{Kind: EventProgress, Stage: StateDecoding, Text: text, Partial: partial})
	})
	if err != nil {
		terminal = failed(err)
		return
	}
	text := tr.Text()
	terminal = Event{
		Kind: EventCompleted,
		Text: text,
		Result: &Result{
			Text:       text,
			OutputPath: tr.OutputPath,
			Empty:      text == "",
			Segments:   len(tr.Segments),
		},
	}
}

// finish returns the controller to idle before the terminal event is sent so
// a consumer reacting to it can submit again right away.
func (c *Controller) finish(ctx context.Context, s *session, terminal Event) {
	if err := c.machine.Event(context.Background(), eventFinish); err != nil {
		c.logger.Error("failed to return to idle", slog.String("session_id", s.id), slogError(err))
		c.machine.SetState(StateIdle)
	}

	outcome := string(terminal.Kind)
	if terminal.Kind == EventCompleted && terminal.Result.Empty {
		outcome = "empty"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.sessions.Add(ctx, 1, attrs)
	c.duration.Record(ctx, time.Since(s.started).Seconds(), attrs)

	if terminal.Kind == EventFailed {
		c.logger.Error("session failed",
			slog.String("session_id", s.id),
			slog.String("kind", terminal.ErrKind),
			slogError(terminal.Err),
		)
	} else {
		c.logger.Info("session completed",
			slog.String("session_id", s.id),
			slog.String("output", terminal.Result.OutputPath),
			slog.Int("segments", terminal.Result.Segments),
			slog.Duration("elapsed", time.Since(s.started)),
		)
	}

	s.emit(ctx, terminal)
	close(s.events)
}

func failed(err error) Event {
	return Event{Kind: EventFailed, Text: Describe(err), Err: err, ErrKind: Classify(err)}
}

// Close removes the scratch directory. It is safe to call more than once and
// while a session is still running.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.scratch != nil {
			err = c.scratch.Close()
		}
	})
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
