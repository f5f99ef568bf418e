// Package speech implements the speech session controller: recognition and synthesis
// sessions over host audio engines, the remote synthesis session, and the coordinator that
// keeps listening and speaking mutually exclusive for one consumer.
package speech

import "context"

// Voice identifies a synthesis voice. Description holds a locale tag for local engines
// and a human description for the remote catalog.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TranscriptEvent is one recognition update. Interim events replace the previous interim;
// final events are committed.
type TranscriptEvent struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// SynthesisRequest asks a synthesizer to speak Text with VoiceID.
type SynthesisRequest struct {
	Text       string
	VoiceID    string
	Credential string
}

// Lifecycle receives playback events for one utterance. Any field may be nil.
type Lifecycle struct {
	OnStart func()
	OnEnd   func()
	OnError func(err error)
}

func (l Lifecycle) start() {
	if l.OnStart != nil {
		l.OnStart()
	}
}

func (l Lifecycle) end() {
	if l.OnEnd != nil {
		l.OnEnd()
	}
}

func (l Lifecycle) fail(err error) {
	if l.OnError != nil {
		l.OnError(err)
	}
}

// PlaybackHandle references produced audio. It is owned by the caller once returned.
type PlaybackHandle interface {
	Backend() string
}

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

// Synthesizer is the single text-to-speech capability; local and remote variants are
// chosen at construction time.
type Synthesizer interface {
	Backend() string
	Voices() []Voice
	OnVoicesChanged(fn func([]Voice)) (remove func())
	Synthesize(ctx context.Context, req SynthesisRequest, lc Lifecycle) (PlaybackHandle, error)
	Stop()
	Close()
}

// RecognitionOptions mirror the knobs a host recogniser exposes.
type RecognitionOptions struct {
	Continuous     bool
	InterimResults bool
	Language       string
}

// Segment is one entry of a host recognition result list.
type Segment struct {
	Transcript string
	Final      bool
}

// EngineResult is delivered by the host for every recognition update; the last segment is
// the most recent one.
type EngineResult struct {
	Segments []Segment
}

// RecognitionHandler receives host recognition callbacks.
type RecognitionHandler struct {
	OnResult func(EngineResult)
	OnError  func(code string)
}

// RecognitionEngine is the host speech-to-text capability. Start acquires the microphone;
// a host error stops the engine on its own.
type RecognitionEngine interface {
	Start(opts RecognitionOptions, handler RecognitionHandler) error
	Stop() error
}

// Utterance is the engine-native unit of local synthesis.
type Utterance struct {
	ID    string
	Text  string
	Voice *Voice
	Rate  float64
	Pitch float64

	OnStart func()
	OnEnd   func()
	OnError func(code string)
}

// Backend implements PlaybackHandle.
func (u *Utterance) Backend() string { return BackendLocal }

// SynthesisEngine is the host on-device text-to-speech capability. Voices may be empty
// until the engine finishes loading; the OnVoicesChanged callback fires whenever the catalog
// changes and stays registered until the returned func is called.
type SynthesisEngine interface {
	Voices() []Voice
	OnVoicesChanged(fn func()) (remove func())
	Speak(u *Utterance) error
	Cancel()
}

// CredentialSource resolves an opaque credential by key.
type CredentialSource interface {
	Get(ctx context.Context, key string) (string, bool, error)
}
