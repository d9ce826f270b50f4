package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/controller"
	"github.com/loqalabs/loqa-scribe/internal/converter"
	"github.com/loqalabs/loqa-scribe/internal/model"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/scratch"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Runtime wires configuration into a ready-to-use session controller and
// owns everything that must be torn down at exit.
type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsAddr    string
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	converterPath string
	engine        stt.Engine
	controller    *controller.Controller
	bus           *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start prepares telemetry, the optional metrics endpoint, converter discovery,
// the scratch directory, the speech engine and the optional bus publisher.
// A missing converter is not fatal: sessions fail with a converter error.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		if err := r.serveMetrics(bind, metricsHandler); err != nil {
			return err
		}
	}

	locator, err := converter.NewLocator(r.cfg.Converter, r.logger)
	if err != nil {
		return err
	}
	path, found := locator.Locate(ctx)
	if found {
		r.converterPath = path
	} else {
		r.logger.Warn("audio converter not found; transcriptions will fail until it is installed",
			slog.String("command", r.cfg.Converter.Command))
	}

	engine, err := stt.NewEngine(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create speech engine: %w", err)
	}
	r.engine = engine

	dir, err := scratch.New(r.cfg.Scratch.BaseDir, r.cfg.Scratch.Name)
	if err != nil {
		return err
	}

	tc := r.cfg.Transcriber
	normalizer := converter.NewNormalizer(r.converterPath, tc.SampleRate, locator.ExtraArgs(), r.logger)
	session := stt.NewSession(engine, stt.SessionConfig{
		SampleRate:     tc.SampleRate,
		ChunkSize:      tc.ChunkSize,
		Words:          tc.Words,
		ExcerptRunes:   tc.ExcerptRunes,
		LoadLogLevel:   r.cfg.Engine.LoadLogLevel,
		DecodeLogLevel: r.cfg.Engine.DecodeLogLevel,
	}, r.logger)
	r.controller = controller.New(controller.Options{
		Normalizer:  normalizer,
		Transcriber: session,
		Scratch:     dir,
		EventBuffer: tc.EventBuffer,
		Logger:      r.logger,
	})

	if r.cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			return err
		}
		r.bus = client
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("engine", engine.Name()),
		slog.String("converter", r.converterPath),
		slog.String("scratch", dir.Path()),
	)
	return nil
}

func (r *Runtime) serveMetrics(bind string, metricsHandler http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", bind, err)
	}
	r.metricsAddr = ln.Addr().String()
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("metrics endpoint listening", slog.String("addr", r.metricsAddr))
	return nil
}

// MetricsAddr is the bound address of the metrics endpoint, empty when it is
// disabled.
func (r *Runtime) MetricsAddr() string {
	return r.metricsAddr
}

func (r *Runtime) Controller() *controller.Controller {
	return r.controller
}

// Transcribe submits req and delivers every event to present, and to the bus
// when enabled, until the terminal event. A failed session returns the
// terminal event together with its error. Cancelling ctx abandons the session;
// its remaining events are drained in the background.
func (r *Runtime) Transcribe(ctx context.Context, req controller.Request, present func(controller.Event)) (controller.Event, error) {
	if r.controller == nil {
		return controller.Event{}, errors.New("runtime not started")
	}
	events, err := r.controller.Submit(ctx, req)
	if err != nil {
		return controller.Event{}, err
	}
	for {
		select {
		case <-ctx.Done():
			go func() {
				for range events {
				}
			}()
			return controller.Event{}, ctx.Err()
		case e, ok := <-events:
			if !ok {
				return controller.Event{}, errors.New("session ended without a result")
			}
			if present != nil {
				present(e)
			}
			r.publish(e)
			if !e.Terminal() {
				continue
			}
			if e.Kind == controller.EventFailed {
				return e, e.Err
			}
			return e, nil
		}
	}
}

func (r *Runtime) publish(e controller.Event) {
	if r.bus == nil {
		return
	}
	msg := protocol.SessionEvent{
		SessionID: e.SessionID,
		Sequence:  e.Sequence,
		Kind:      string(e.Kind),
		Stage:     e.Stage,
		Text:      e.Text,
		Partial:   e.Partial,
		ErrorKind: e.ErrKind,
		Timestamp: e.Time,
	}
	if e.Result != nil {
		msg.OutputPath = e.Result.OutputPath
		msg.Empty = e.Result.Empty
		msg.Segments = e.Result.Segments
	}
	if e.Err != nil {
		msg.Error = e.Err.Error()
	}
	subject := protocol.Subject(r.cfg.Bus.SubjectPrefix, string(e.Kind))
	if err := r.bus.PublishJSON(subject, msg); err != nil {
		r.logger.Warn("failed to publish session event", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// CheckReport summarizes whether a transcription could run.
type CheckReport struct {
	ConverterPath  string
	ConverterFound bool
	Model          model.Validity
	Engine         string
	EngineErr      string
}

func (c CheckReport) Ready() bool {
	return c.ConverterFound && c.Model.Valid && c.EngineErr == ""
}

// Check inspects the environment without starting the runtime.
func (r *Runtime) Check(ctx context.Context, modelDir string) CheckReport {
	report := CheckReport{Model: model.Validate(modelDir), Engine: r.cfg.Engine.Mode}
	if locator, err := converter.NewLocator(r.cfg.Converter, r.logger); err == nil {
		report.ConverterPath, report.ConverterFound = locator.Locate(ctx)
	}
	if engine, err := stt.NewEngine(r.cfg.Engine); err != nil {
		report.EngineErr = err.Error()
	} else {
		report.Engine = engine.Name()
	}
	return report
}

// Close removes the scratch directory and shuts down the metrics endpoint, the
// bus connection and telemetry. It does not wait for a running session.
func (r *Runtime) Close(ctx context.Context) error {
	r.ready.Store(false)
	var errs []error
	if r.controller != nil {
		if err := r.controller.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
		r.wg.Wait()
	}
	r.bus.Close()
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.controller == nil || !r.controller.Busy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
