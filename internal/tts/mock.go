package tts

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-speech/internal/speech"
)

const (
	mockChunkDelay = 50 * time.Millisecond
	mockCharsPer   = 40
)

type mockSynth struct {
	sampleRate int
	channels   int
}

// NewMockSynth emits silence, one 50ms chunk per 40 characters of text.
func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	count := 1 + len(req.Text)/mockCharsPer
	samples := m.sampleRate * int(mockChunkDelay/time.Millisecond) / 1000 * m.channels
	go func() {
		defer close(chunks)
		defer close(errs)
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(mockChunkDelay):
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, samples*2),
				Final:      i == count-1,
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type mockVoices struct {
	delay time.Duration
}

// NewMockVoices returns a fixed catalog after delay, mimicking engines that load voices
// asynchronously.
func NewMockVoices(delay time.Duration) VoiceLister {
	return &mockVoices{delay: delay}
}

func (m *mockVoices) ListVoices(ctx context.Context) ([]speech.Voice, error) {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return []speech.Voice{
		{ID: "mock-en-us", Name: "Mock US English", Description: "en-US"},
		{ID: "mock-en-gb", Name: "Mock British English", Description: "en-GB"},
	}, nil
}
