package speech

import (
	"fmt"
	"log/slog"
	"sync"
)

type RecognitionState int

const (
	RecognitionUnsupported RecognitionState = iota
	RecognitionIdle
	RecognitionListening
)

func (s RecognitionState) String() string {
	switch s {
	case RecognitionUnsupported:
		return "unsupported"
	case RecognitionIdle:
		return "idle"
	case RecognitionListening:
		return "listening"
	default:
		return fmt.Sprintf("recognition_state(%d)", int(s))
	}
}

// RecognitionSession turns a continuous host recogniser into a start/stop session with a
// callback result stream. Each listening episode gets a new generation; callbacks from an
// older generation are dropped.
type RecognitionSession struct {
	engine RecognitionEngine
	opts   RecognitionOptions
	logger *slog.Logger

	mu         sync.Mutex
	state      RecognitionState
	generation uint64
}

// NewRecognitionSession owns engine exclusively. A nil engine yields an Unsupported session.
func NewRecognitionSession(engine RecognitionEngine, language string, logger *slog.Logger) *RecognitionSession {
	s := &RecognitionSession{
		engine: engine,
		opts:   RecognitionOptions{Continuous: true, InterimResults: true, Language: language},
		logger: logger.With(slog.String("component", "recognition-session")),
		state:  RecognitionIdle,
	}
	if engine == nil {
		s.state = RecognitionUnsupported
	}
	return s
}

func (s *RecognitionSession) State() RecognitionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *RecognitionSession) Active() bool {
	return s.State() == RecognitionListening
}

func (s *RecognitionSession) Supported() bool {
	return s.State() != RecognitionUnsupported
}

// Start begins a listening episode. It reports false (and, when unsupported or when the
// engine refuses, an error through onError) if no episode was started.
func (s *RecognitionSession) Start(onResult func(TranscriptEvent), onError func(error)) bool {
	if onError == nil {
		onError = func(error) {}
	}

	s.mu.Lock()
	switch s.state {
	case RecognitionUnsupported:
		s.mu.Unlock()
		onError(&CapabilityError{Capability: "speech recognition"})
		return false
	case RecognitionListening:
		s.mu.Unlock()
		return false
	}
	s.generation++
	gen := s.generation
	s.state = RecognitionListening
	s.mu.Unlock()

	handler := RecognitionHandler{
		OnResult: func(r EngineResult) { s.deliverResult(gen, r, onResult) },
		OnError:  func(code string) { s.deliverError(gen, code, onError) },
	}
	if err := s.startEngine(handler); err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.state = RecognitionIdle
			s.generation++
		}
		s.mu.Unlock()
		s.logger.Warn("recognition start failed", slogError(err))
		onError(&StartError{Err: err})
		return false
	}
	s.logger.Debug("recognition started", slog.Uint64("generation", gen))
	return true
}

func (s *RecognitionSession) startEngine(handler RecognitionHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recognition engine panic: %v", r)
		}
	}()
	return s.engine.Start(s.opts, handler)
}

// Stop halts capture. It returns false when no episode was active.
func (s *RecognitionSession) Stop() bool {
	s.mu.Lock()
	if s.state != RecognitionListening {
		s.mu.Unlock()
		return false
	}
	s.state = RecognitionIdle
	s.generation++
	s.mu.Unlock()

	if err := s.engine.Stop(); err != nil {
		s.logger.Warn("recognition engine stop failed", slogError(err))
	}
	return true
}

// Close releases the microphone if a session is still active.
func (s *RecognitionSession) Close() {
	s.Stop()
}

func (s *RecognitionSession) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation == gen && s.state == RecognitionListening
}

func (s *RecognitionSession) deliverResult(gen uint64, r EngineResult, onResult func(TranscriptEvent)) {
	if len(r.Segments) == 0 || onResult == nil || !s.current(gen) {
		return
	}
	last := r.Segments[len(r.Segments)-1]
	onResult(TranscriptEvent{Text: last.Transcript, Final: last.Final})
}

func (s *RecognitionSession) deliverError(gen uint64, code string, onError func(error)) {
	s.mu.Lock()
	if s.generation != gen || s.state != RecognitionListening {
		s.mu.Unlock()
		return
	}
	// the host stops itself on error; do not re-arm
	s.state = RecognitionIdle
	s.generation++
	s.mu.Unlock()

	onError(&PlatformError{Source: "speech recognition", Code: code})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
