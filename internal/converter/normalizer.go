package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/go-audio/wav"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrConverterUnavailable = errors.New("audio converter unavailable")
	ErrDecodeFailure        = errors.New("audio could not be decoded")
	ErrNotFound             = errors.New("input audio not found")
)

// Normalizer re-encodes input audio into a mono 16-bit PCM WAV file.
type Normalizer struct {
	converter  string
	sampleRate int
	extraArgs  []string
	logger     *slog.Logger
}

// NewNormalizer takes the resolved converter path; an empty path makes every
// Normalize call fail with ErrConverterUnavailable.
func NewNormalizer(converterPath string, sampleRate int, extraArgs []string, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		converter:  converterPath,
		sampleRate: sampleRate,
		extraArgs:  extraArgs,
		logger:     logger.With(slog.String("component", "normalizer")),
	}
}

func (n *Normalizer) Converter() string {
	return n.converter
}

// Normalize writes a fresh WAV for inputPath into scratchDir and returns its
// path. The input is never modified, and a file that already has the target
// layout is still re-encoded.
func (n *Normalizer) Normalize(ctx context.Context, inputPath, scratchDir string) (string, error) {
	ctx, span := otel.Tracer("github.com/loqalabs/loqa-scribe/internal/converter").Start(ctx, "converter.normalize")
	defer span.End()

	out, err := n.normalize(ctx, inputPath, scratchDir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.String("output", filepath.Base(out)))
	return out, nil
}

func (n *Normalizer) normalize(ctx context.Context, inputPath, scratchDir string) (string, error) {
	if n.converter == "" {
		return "", ErrConverterUnavailable
	}
	if _, err := os.Stat(inputPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, inputPath)
		}
		return "", fmt.Errorf("stat input: %w", err)
	}

	out := filepath.Join(scratchDir, OutputName(inputPath))
	args := []string{
		"-hide_banner", "-nostdin", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", fmt.Sprint(n.sampleRate),
		"-c:a", "pcm_s16le",
	}
	args = append(args, n.extraArgs...)
	args = append(args, "-f", "wav", out)

	n.logger.Debug("converting audio", slog.String("input", inputPath), slog.String("output", out))
	cmd := exec.CommandContext(ctx, n.converter, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	hideWindow(cmd)
	if err := cmd.Run(); err != nil {
		n.discard(out)
		if _, statErr := os.Stat(inputPath); errors.Is(statErr, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, inputPath)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s: %s", ErrDecodeFailure, filepath.Base(inputPath), msg)
	}

	if err := n.verify(out); err != nil {
		n.discard(out)
		return "", fmt.Errorf("%w: %s: %v", ErrDecodeFailure, filepath.Base(inputPath), err)
	}
	n.logger.Info("audio normalized", slog.String("input", filepath.Base(inputPath)), slog.String("output", filepath.Base(out)))
	return out, nil
}

func (n *Normalizer) verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return fmt.Errorf("read converted header: %w", err)
	}
	if d.NumChans == 0 {
		return errors.New("converter output is not a wav file")
	}
	if d.WavAudioFormat != 1 || d.BitDepth != 16 {
		return fmt.Errorf("converter output is not 16-bit pcm (format %d, %d bits)", d.WavAudioFormat, d.BitDepth)
	}
	if d.NumChans != 1 || int(d.SampleRate) != n.sampleRate {
		return fmt.Errorf("converter output has %d channels at %d Hz", d.NumChans, d.SampleRate)
	}
	return nil
}

func (n *Normalizer) discard(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		n.logger.Warn("failed to remove partial output", slog.String("path", path), slogError(err))
	}
}

// OutputName derives a filesystem-safe, collision-free scratch file name
// from the input's base name.
func OutputName(inputPath string) string {
	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	safe := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '_' || r == '-' {
			return r
		}
		return -1
	}, base)
	safe = strings.TrimRight(safe, " ")
	if safe == "" {
		safe = "audio"
	}
	runID := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s_converted_pid%d_%s.wav", safe, os.Getpid(), runID)
}
