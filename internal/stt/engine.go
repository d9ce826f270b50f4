package stt

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

var (
	// ErrDecode covers unexpected failures of the speech decoder or of the
	// normalized audio it reads.
	ErrDecode = errors.New("speech decoding failed")
	// ErrIOFailure means the transcript could not be written.
	ErrIOFailure = errors.New("transcript write failed")
)

// DecoderOptions configures one decoder instance. Engine verbosity is passed
// per load instead of being a process-wide setting.
type DecoderOptions struct {
	SampleRate     int
	Words          bool
	LoadLogLevel   int
	DecodeLogLevel int
}

// Decoder is an incremental recognizer fed with sequential PCM chunks.
// Result, PartialResult and FinalResult return the engine's raw JSON.
type Decoder interface {
	// AcceptWaveform reports true when a segment boundary was reached and a
	// final hypothesis is available from Result.
	AcceptWaveform(pcm []byte) (bool, error)
	Result() string
	PartialResult() string
	// FinalResult flushes whatever audio is still pending. An error means the
	// decoder itself failed and the transcript is incomplete.
	FinalResult() (string, error)
	Close() error
}

// Engine loads models and hands out decoders. Backends that run outside the
// process stop when ctx is cancelled.
type Engine interface {
	Name() string
	Load(ctx context.Context, modelDir string, opts DecoderOptions) (Decoder, error)
}

// NewEngine selects an engine backend from configuration.
func NewEngine(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "vosk":
		return NewVoskEngine()
	case "exec":
		return NewExecEngine(cfg.Command)
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine mode %q", cfg.Mode)
	}
}
