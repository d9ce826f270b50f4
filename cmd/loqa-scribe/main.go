package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/controller"
	"github.com/loqalabs/loqa-scribe/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'check' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "transcribe":
		os.Exit(runTranscribe(os.Args[2:]))
	case "check":
		os.Exit(runCheck(os.Args[2:]))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runTranscribe(args []string) int {
	var configPath, input, modelDir, output string
	cmd := flag.NewFlagSet("transcribe", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.StringVar(&input, "input", "", "Audio or video file to transcribe")
	cmd.StringVar(&modelDir, "model", "", "Speech model directory (defaults to transcriber.default_model_dir)")
	cmd.StringVar(&output, "output", "", "Transcript path (defaults to <input>_transcription.txt next to the input)")
	_ = cmd.Parse(args)

	if input == "" {
		fmt.Fprintln(os.Stderr, "transcribe: -input is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	logger := newLogger(cfg.Telemetry, os.Stderr)

	if modelDir == "" {
		modelDir = cfg.Transcriber.DefaultModelDir
	}
	if output == "" {
		output = defaultOutputPath(input)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime failed to start", slog.String("error", err.Error()))
		return 1
	}

	req := controller.Request{InputPath: input, ModelDir: modelDir, OutputPath: output}
	last, err := rt.Transcribe(ctx, req, func(e controller.Event) {
		fmt.Fprintln(os.Stdout, e.Line())
	})
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "interrupted")
		return 1
	case last.Kind == "":
		// Rejected before a session started, so no terminal event was printed.
		fmt.Fprintln(os.Stdout, "Error: "+controller.Describe(err))
		return 1
	default:
		return 1
	}
}

func runCheck(args []string) int {
	var configPath, modelDir string
	cmd := flag.NewFlagSet("check", flag.ExitOnError)
	cmd.StringVar(&configPath, "config", "", "Path to configuration file")
	cmd.StringVar(&modelDir, "model", "", "Speech model directory (defaults to transcriber.default_model_dir)")
	_ = cmd.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}
	if modelDir == "" {
		modelDir = cfg.Transcriber.DefaultModelDir
	}
	logger := newLogger(cfg.Telemetry, os.Stderr)

	report := runtime.New(cfg, logger).Check(context.Background(), modelDir)
	printReport(os.Stdout, report)
	if !report.Ready() {
		return 1
	}
	return 0
}

func printReport(w io.Writer, r runtime.CheckReport) {
	if r.ConverterFound {
		fmt.Fprintf(w, "converter: %s\n", r.ConverterPath)
	} else {
		fmt.Fprintln(w, "converter: not found (install ffmpeg or set converter.command)")
	}
	if r.EngineErr != "" {
		fmt.Fprintf(w, "engine:    %s (%s)\n", r.Engine, r.EngineErr)
	} else {
		fmt.Fprintf(w, "engine:    %s\n", r.Engine)
	}
	if r.Model.Valid {
		fmt.Fprintf(w, "model:     %s\n", r.Model.Dir)
	} else {
		fmt.Fprintf(w, "model:     %q is missing %s\n", r.Model.Dir, strings.Join(r.Model.Missing, ", "))
	}
	if len(r.Model.Advisory) > 0 {
		fmt.Fprintf(w, "note:      model has no %s\n", strings.Join(r.Model.Advisory, ", "))
	}
	if r.Ready() {
		fmt.Fprintln(w, "ready")
	}
}

// defaultOutputPath places <base>_transcription.txt next to the input.
func defaultOutputPath(input string) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(filepath.Dir(input), base+"_transcription.txt")
}

func newLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
