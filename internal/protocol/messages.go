package protocol

import "time"

// SessionEvent is a controller event as published on the bus.
type SessionEvent struct {
	SessionID  string    `json:"session_id"`
	Sequence   int       `json:"sequence"`
	Kind       string    `json:"kind"`
	Stage      string    `json:"stage,omitempty"`
	Text       string    `json:"text,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Empty      bool      `json:"empty,omitempty"`
	Segments   int       `json:"segments,omitempty"`
	Error      string    `json:"error,omitempty"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectProgress  = "progress"
	SubjectCompleted = "completed"
	SubjectFailed    = "failed"
)

// Subject returns the subject an event of the given kind is published on.
func Subject(prefix, kind string) string {
	if prefix == "" {
		return kind
	}
	return prefix + "." + kind
}
