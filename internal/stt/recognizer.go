package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// TranscriptResult captures recognizer output. An empty Text on a final pass means no
// speech was detected.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends.
type Recognizer interface {
	Transcribe(ctx context.Context, req Request) (TranscriptResult, error)
}

// Request is one transcription pass over the audio buffered for a capture source.
type Request struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
	Final      bool
}

// NewRecognizer builds the backend selected by cfg.Mode.
func NewRecognizer(cfg config.STTConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
