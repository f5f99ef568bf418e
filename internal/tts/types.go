package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// SynthRequest contains parameters to synthesize one utterance.
type SynthRequest struct {
	SessionID string
	Text      string
	Voice     string
	Rate      float64
	Pitch     float64
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// VoiceLister reports the voices a synthesizer backend can speak with. Listing may be slow;
// the engine calls it in the background.
type VoiceLister interface {
	ListVoices(ctx context.Context) ([]speech.Voice, error)
}

// NewBackend builds the synthesizer and voice lister selected by cfg.Mode. The lister is nil
// when the backend cannot enumerate voices.
func NewBackend(cfg config.TTSConfig) (Synthesizer, VoiceLister, error) {
	switch cfg.Mode {
	case "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), NewMockVoices(0), nil
	case "exec":
		synth, err := NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
		if err != nil {
			return nil, nil, err
		}
		if cfg.VoicesCommand == "" {
			return synth, nil, nil
		}
		lister, err := NewExecVoices(cfg.VoicesCommand)
		if err != nil {
			return nil, nil, err
		}
		return synth, lister, nil
	default:
		return nil, nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}
