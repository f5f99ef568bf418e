package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	CodeNoSpeech = "no-speech"
	CodeNetwork  = "network"

	subjectAudioAll = "audio.>"
)

// Service turns audio frames from capture sources into partial and final transcripts on
// the bus. Frames are buffered per source until a final frame or a capture stop triggers a
// final pass. A capture start only records the requested language.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	log        *slog.Logger
	sessions   map[string]*sessionState
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
}

type sessionState struct {
	Buffer       []byte
	Language     string
	LastPartial  time.Time
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		log:        busClient.Logger().With(slog.String("component", "stt")),
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	// one subscription keeps capture control and frames for a source in publish order
	sub, err := s.bus.Conn().Subscribe(subjectAudioAll, s.handleAudio)
	if err != nil {
		return fmt.Errorf("subscribe audio: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleAudio(msg *nats.Msg) {
	switch {
	case msg.Subject == protocol.SubjectCaptureStart:
		s.handleCaptureStart(msg)
	case msg.Subject == protocol.SubjectCaptureStop:
		s.handleCaptureStop(msg)
	case strings.HasPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+"."):
		s.handleFrame(msg)
	}
}

func (s *Service) handleCaptureStart(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode capture start", slogError(err))
		return
	}
	language := ctrl.Language
	if language == "" {
		language = s.cfg.Language
	}
	s.mu.Lock()
	state := s.sessions[ctrl.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[ctrl.SessionID] = state
	}
	state.Language = language
	s.mu.Unlock()
	s.log.Debug("capture started", slog.String("source", ctrl.SessionID), slog.String("owner", ctrl.Owner))
}

func (s *Service) handleCaptureStop(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		s.log.Warn("failed to decode capture stop", slogError(err))
		return
	}
	s.mu.Lock()
	state := s.sessions[ctrl.SessionID]
	flush := state != nil && len(state.Buffer) > 0
	if state != nil && !flush && !state.Inflight {
		delete(s.sessions, ctrl.SessionID)
	}
	s.mu.Unlock()
	if flush {
		s.scheduleTranscription(ctrl.SessionID, true)
	}
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{Language: s.cfg.Language}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if s.cfg.PublishInterim && !frame.Final && s.shouldSchedulePartial(frame.SessionID) {
		s.scheduleTranscription(frame.SessionID, false)
	}
	if frame.Final {
		s.scheduleTranscription(frame.SessionID, true)
	}
}

func (s *Service) shouldSchedulePartial(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[sessionID]
	if state == nil || state.Inflight {
		return false
	}
	if state.LastPartial.IsZero() {
		state.LastPartial = time.Now()
		return true
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(state.LastPartial) >= interval {
		state.LastPartial = time.Now()
		return true
	}
	return false
}

func (s *Service) scheduleTranscription(sessionID string, final bool) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		if final {
			state.PendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	req := Request{
		PCM:        append([]byte(nil), state.Buffer...),
		SampleRate: s.cfg.SampleRate,
		Channels:   s.cfg.Channels,
		Language:   state.Language,
		Final:      final,
	}
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		result, err := s.recognizer.Transcribe(ctx, req)
		switch {
		case err != nil:
			s.log.Warn("stt transcription failed", slog.String("source", sessionID), slogError(err))
			if final {
				s.publishError(sessionID, CodeNetwork, err.Error())
			}
		case final && result.Text == "":
			s.publishError(sessionID, CodeNoSpeech, "no speech detected")
		default:
			s.publishTranscript(sessionID, result.Text, result.Confidence, final)
		}

		s.mu.Lock()
		state := s.sessions[sessionID]
		var pendingFinal bool
		if state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			if final {
				// keep only audio that arrived during the pass
				if len(state.Buffer) > len(req.PCM) {
					state.Buffer = append([]byte(nil), state.Buffer[len(req.PCM):]...)
				} else {
					state.Buffer = nil
				}
				state.PendingFinal = false
				state.LastPartial = time.Time{}
			} else {
				state.LastPartial = time.Now()
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.scheduleTranscription(sessionID, true)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID, code, message string) {
	msg := protocol.RecognitionError{
		SessionID: sessionID,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.SubjectRecognitionError, msg); err != nil {
		s.log.Warn("failed to publish recognition error", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
