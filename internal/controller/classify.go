package controller

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-scribe/internal/converter"
	"github.com/loqalabs/loqa-scribe/internal/model"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

const (
	KindConverterUnavailable = "converter_unavailable"
	KindDecodeFailure        = "decode_failure"
	KindNotFound             = "not_found"
	KindModelInvalid         = "model_invalid"
	KindIOFailure            = "io_failure"
	KindDecodeError          = "decode_error"
	KindBusy                 = "busy"
	KindInvalidRequest       = "invalid_request"
	KindCanceled             = "canceled"
	KindUnexpected           = "unexpected"
)

// Classify maps err to a stable kind string for presenters and the bus.
func Classify(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, converter.ErrConverterUnavailable):
		return KindConverterUnavailable
	case errors.Is(err, converter.ErrNotFound):
		return KindNotFound
	case errors.Is(err, converter.ErrDecodeFailure):
		return KindDecodeFailure
	case errors.Is(err, model.ErrInvalid):
		return KindModelInvalid
	case errors.Is(err, stt.ErrIOFailure):
		return KindIOFailure
	case errors.Is(err, stt.ErrDecode):
		return KindDecodeError
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindUnexpected
	}
}

// Describe returns a message suitable for a status line.
func Describe(err error) string {
	switch Classify(err) {
	case "":
		return ""
	case KindConverterUnavailable:
		return "ffmpeg was not found; install it or set converter.command"
	case KindModelInvalid:
		return "speech model is missing or incomplete: " + err.Error()
	case KindBusy:
		return "a transcription is already in progress"
	default:
		return err.Error()
	}
}
