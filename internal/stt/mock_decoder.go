package stt

import (
	"context"
	"fmt"
)

type mockEngine struct {
	every int
}

// NewMockEngine returns an engine that needs no model files on disk beyond
// the layout check. It finalizes a segment every eight chunks.
func NewMockEngine() Engine {
	return &mockEngine{every: 8}
}

func (m *mockEngine) Name() string { return "mock" }

func (m *mockEngine) Load(_ context.Context, _ string, _ DecoderOptions) (Decoder, error) {
	return &mockDecoder{every: m.every}, nil
}

type mockDecoder struct {
	every    int
	chunks   int
	pending  int
	segments int
}

func (m *mockDecoder) AcceptWaveform(pcm []byte) (bool, error) {
	m.chunks++
	m.pending += len(pcm)
	return m.chunks%m.every == 0, nil
}

func (m *mockDecoder) Result() string {
	m.segments++
	text := fmt.Sprintf("segment %d length %d", m.segments, m.pending)
	m.pending = 0
	return fmt.Sprintf(`{"text": %q}`, text)
}

func (m *mockDecoder) PartialResult() string {
	return fmt.Sprintf(`{"partial": "pending %d"}`, m.pending)
}

func (m *mockDecoder) FinalResult() (string, error) {
	if m.pending == 0 {
		return `{"text": ""}`, nil
	}
	return m.Result(), nil
}

func (m *mockDecoder) Close() error { return nil }
