package speech

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type SynthesisState int

const (
	SynthesisIdle SynthesisState = iota
	SynthesisSpeaking
)

func (s SynthesisState) String() string {
	if s == SynthesisSpeaking {
		return "speaking"
	}
	return "idle"
}

// LocalSession plays one utterance at a time on an on-device engine and tracks the
// engine's voice catalog as it is discovered.
type LocalSession struct {
	engine       SynthesisEngine
	logger       *slog.Logger
	removeEngine func()

	// speakMu keeps engine Cancel/Speak pairs from interleaving.
	speakMu sync.Mutex

	mu         sync.Mutex
	voices     []Voice
	selected   string
	state      SynthesisState
	generation uint64
	current    *Utterance
	listeners  map[int]func([]Voice)
	nextID     int
}

func NewLocalSession(engine SynthesisEngine, logger *slog.Logger) *LocalSession {
	s := &LocalSession{
		engine:    engine,
		logger:    logger.With(slog.String("component", "local-synthesis")),
		listeners: make(map[int]func([]Voice)),
	}
	if engine != nil {
		s.removeEngine = engine.OnVoicesChanged(s.refreshVoices)
		s.refreshVoices()
	}
	return s
}

// refreshVoices re-snapshots the catalog. The first voice is auto-selected only when the
// catalog goes from empty to non-empty and nothing is selected yet.
func (s *LocalSession) refreshVoices() {
	voices := s.engine.Voices()

	s.mu.Lock()
	wasEmpty := len(s.voices) == 0
	s.voices = append([]Voice(nil), voices...)
	if s.selected == "" && wasEmpty && len(voices) > 0 {
		s.selected = voices[0].ID
		s.logger.Debug("default voice selected", slog.String("voice", s.selected))
	}
	listeners := make([]func([]Voice), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	snapshot := append([]Voice(nil), s.voices...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (s *LocalSession) Voices() []Voice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Voice(nil), s.voices...)
}

func (s *LocalSession) SelectedVoice() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *LocalSession) SelectVoice(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := findVoice(s.voices, id); !ok {
		return &ValidationError{Field: "voice", Message: "Unknown voice " + id}
	}
	s.selected = id
	return nil
}

// OnVoicesChanged registers fn for catalog updates.
func (s *LocalSession) OnVoicesChanged(fn func([]Voice)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *LocalSession) State() SynthesisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Speak cancels whatever is playing and starts a new utterance. Lifecycle callbacks of the
// cancelled utterance are never delivered.
func (s *LocalSession) Speak(req SynthesisRequest, lc Lifecycle) (*Utterance, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, &ValidationError{Field: "text", Message: "Text is required"}
	}
	if s.engine == nil {
		return nil, &CapabilityError{Capability: "speech synthesis"}
	}

	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	s.mu.Lock()
	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = s.selected
	}
	var voice *Voice
	if v, ok := findVoice(s.voices, voiceID); ok {
		voice = &v
	}
	s.generation++
	gen := s.generation
	u := &Utterance{
		ID:    uuid.NewString(),
		Text:  req.Text,
		Voice: voice,
		Rate:  1,
		Pitch: 1,
	}
	u.OnStart = func() {
		if s.markSpeaking(gen) {
			lc.start()
		}
	}
	u.OnEnd = func() {
		if s.finish(gen) {
			lc.end()
		}
	}
	u.OnError = func(code string) {
		if s.finish(gen) {
			lc.fail(&PlatformError{Source: "speech synthesis", Code: code})
		}
	}
	s.current = u
	s.state = SynthesisIdle
	s.mu.Unlock()

	s.engine.Cancel()
	if err := s.engine.Speak(u); err != nil {
		s.finish(gen)
		s.logger.Warn("local synthesis failed to start", slogError(err))
		return nil, &StartError{Err: err}
	}
	return u, nil
}

// Stop cancels the in-progress utterance. It is safe to call when idle.
func (s *LocalSession) Stop() {
	s.speakMu.Lock()
	defer s.speakMu.Unlock()

	s.mu.Lock()
	s.generation++
	s.current = nil
	s.state = SynthesisIdle
	s.mu.Unlock()

	if s.engine != nil {
		s.engine.Cancel()
	}
}

// Close stops playback and detaches from the engine's catalog notifications.
func (s *LocalSession) Close() {
	s.Stop()
	if s.removeEngine != nil {
		s.removeEngine()
	}
}

func (s *LocalSession) markSpeaking(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.state = SynthesisSpeaking
	return true
}

func (s *LocalSession) finish(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.current == nil {
		return false
	}
	s.current = nil
	s.state = SynthesisIdle
	return true
}

func findVoice(voices []Voice, id string) (Voice, bool) {
	if id == "" {
		return Voice{}, false
	}
	for _, v := range voices {
		if v.ID == id {
			return v, true
		}
	}
	return Voice{}, false
}
