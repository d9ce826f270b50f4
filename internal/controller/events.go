package controller

import (
	"time"

	"github.com/loqalabs/loqa-scribe/internal/stt"
)

type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is one immutable update of a session. Sequence starts at 1 and the
// terminal event (completed or failed) is always the last one sent.
type Event struct {
	SessionID string
	Sequence  int
	Kind      EventKind
	Stage     string
	Text      string
	Partial   bool
	Result    *Result
	Err       error
	ErrKind   string
	Time      time.Time
}

// Terminal reports whether e ends the session.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Line renders e as a single status line.
func (e Event) Line() string {
	switch e.Kind {
	case EventCompleted:
		if e.Result == nil || e.Result.Empty {
			return "Done: no speech recognized"
		}
		return "Transcription saved to " + e.Result.OutputPath
	case EventFailed:
		return "Error: " + e.Text
	default:
		return e.Text
	}
}

// Result describes a completed session.
type Result struct {
	Text       string
	OutputPath string
	Empty      bool
	Segments   int
}

// Request names the files of one session.
type Request struct {
	InputPath  string
	ModelDir   string
	OutputPath string
}

func progressText(p stt.Progress) (string, bool) {
	return p.String(), p.Kind == stt.ProgressPartial
}
