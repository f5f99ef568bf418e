package protocol

import "time"

// AudioFrame represents PCM audio captured by a client and streamed for recognition.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// RecognitionError reports a recogniser failure for one capture source.
type RecognitionError struct {
	SessionID string    `json:"session_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CaptureControl asks the edge device owning a source to open or close its microphone.
type CaptureControl struct {
	SessionID      string    `json:"session_id"`
	Owner          string    `json:"owner"`
	Continuous     bool      `json:"continuous"`
	InterimResults bool      `json:"interim_results"`
	Language       string    `json:"language,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// AudioChunk carries synthesized PCM to a playback target.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Sequence   int    `json:"sequence"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus marks the end of an utterance on a playback target.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	Completed bool      `json:"completed"`
	Cancelled bool      `json:"cancelled,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStatus is published whenever a consumer's coordinator changes mode.
type SessionStatus struct {
	ConsumerID string    `json:"consumer_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Timestamp  time.Time `json:"timestamp"`
}

// CapabilityAnnouncement lists what one speech runtime can serve.
type CapabilityAnnouncement struct {
	NodeID       string            `json:"node_id"`
	Capabilities []CapabilityState `json:"capabilities"`
	Timestamp    time.Time         `json:"timestamp"`
}

type CapabilityState struct {
	Name       string            `json:"name"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectCaptureStart      = "audio.capture.start"
	SubjectCaptureStop       = "audio.capture.stop"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectRecognitionError  = "stt.error"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSDone           = "tts.done"
	SubjectSessionStatus     = "speech.session.status"
	SubjectCapabilities      = "speech.capabilities"
)
