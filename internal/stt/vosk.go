//go:build vosk

package stt

import (
	"context"
	"fmt"
	"sync"

	vosk "github.com/alphacep/vosk-api/go"
)

// voskLogMu serializes SetLogLevel calls around model loading; the library
// keeps its verbosity in a process global.
var voskLogMu sync.Mutex

type voskEngine struct{}

// NewVoskEngine returns the libvosk-backed engine. Requires cgo and libvosk.
func NewVoskEngine() (Engine, error) {
	return voskEngine{}, nil
}

func (voskEngine) Name() string { return "vosk" }

func (voskEngine) Load(_ context.Context, modelDir string, opts DecoderOptions) (Decoder, error) {
	voskLogMu.Lock()
	defer voskLogMu.Unlock()

	vosk.SetLogLevel(opts.LoadLogLevel)
	model, err := vosk.NewModel(modelDir)
	if err != nil {
		return nil, fmt.Errorf("load vosk model: %w", err)
	}
	rec, err := vosk.NewRecognizer(model, float64(opts.SampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("create vosk recognizer: %w", err)
	}
	if opts.Words {
		rec.SetWords(1)
	}
	vosk.SetLogLevel(opts.DecodeLogLevel)
	return &voskDecoder{model: model, rec: rec}, nil
}

type voskDecoder struct {
	model *vosk.VoskModel
	rec   *vosk.VoskRecognizer
}

func (d *voskDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	switch state := d.rec.AcceptWaveform(pcm); state {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, fmt.Errorf("vosk rejected waveform (state %d)", state)
	}
}

func (d *voskDecoder) Result() string        { return d.rec.Result() }
func (d *voskDecoder) PartialResult() string { return d.rec.PartialResult() }

func (d *voskDecoder) FinalResult() (string, error) { return d.rec.FinalResult(), nil }

func (d *voskDecoder) Close() error {
	d.rec.Free()
	d.model.Free()
	return nil
}
