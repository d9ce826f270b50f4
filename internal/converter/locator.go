// Package converter finds an audio transcoder on the host and uses it to turn
// arbitrary input audio into the waveform layout the speech engine expects.
package converter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

const defaultProbeTimeout = 5 * time.Second

// Locator probes candidate transcoder executables by running them.
type Locator struct {
	command     string
	extraArgs   []string
	searchPaths []string
	versionFlag string
	timeout     time.Duration
	logger      *slog.Logger
}

func NewLocator(cfg config.ConverterConfig, logger *slog.Logger) (*Locator, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse converter command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("converter command is empty")
	}
	paths := cfg.SearchPaths
	if len(paths) == 0 {
		paths = DefaultSearchPaths(goruntime.GOOS)
	}
	flag := cfg.VersionFlag
	if flag == "" {
		flag = "-version"
	}
	timeout := time.Duration(cfg.ProbeTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &Locator{
		command:     args[0],
		extraArgs:   args[1:],
		searchPaths: paths,
		versionFlag: flag,
		timeout:     timeout,
		logger:      logger.With(slog.String("component", "converter-locator")),
	}, nil
}

// ExtraArgs are the options that followed the command name in configuration.
func (l *Locator) ExtraArgs() []string {
	return append([]string(nil), l.extraArgs...)
}

// Locate returns the first candidate that answers the version query. A false
// result is a normal outcome: callers decide how to surface it.
func (l *Locator) Locate(ctx context.Context) (string, bool) {
	if resolved, err := exec.LookPath(l.command); err == nil {
		err := l.probe(ctx, resolved)
		if err == nil {
			l.logger.Info("converter found on PATH", slog.String("path", resolved))
			return resolved, true
		}
		l.logger.Debug("converter on PATH failed version probe", slog.String("path", resolved), slogError(err))
	}

	for _, candidate := range l.searchPaths {
		info, err := os.Stat(candidate)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if err := l.probe(ctx, candidate); err != nil {
			l.logger.Warn("converter candidate not executable", slog.String("path", candidate), slogError(err))
			continue
		}
		l.logger.Info("converter found", slog.String("path", candidate))
		return candidate, true
	}

	l.logger.Warn("no converter found", slog.String("command", l.command), slog.Int("candidates", len(l.searchPaths)))
	return "", false
}

func (l *Locator) probe(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, l.versionFlag)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	hideWindow(cmd)
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// DefaultSearchPaths lists conventional install locations, most specific first.
func DefaultSearchPaths(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files (x86)\ffmpeg\bin\ffmpeg.exe`,
		}
	case "darwin":
		return []string{
			"/opt/homebrew/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}
	default:
		return []string{
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
			"/snap/bin/ffmpeg",
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
