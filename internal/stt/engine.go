package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
)

// BusEngine is a recognition engine backed by the STT service on the bus. Starting it claims
// the capture source, asks the edge device to open its microphone and relays transcripts for
// that source. Like a host recognizer it stops itself on error, and after the first final
// result when not continuous.
type BusEngine struct {
	bus    *bus.Client
	mic    *Microphone
	source string
	owner  string
	log    *slog.Logger

	mu       sync.Mutex
	active   bool
	opts     speech.RecognitionOptions
	handler  speech.RecognitionHandler
	subs     []*nats.Subscription
	segments []speech.Segment
}

func NewBusEngine(client *bus.Client, mic *Microphone, source, owner string) *BusEngine {
	return &BusEngine{
		bus:    client,
		mic:    mic,
		source: source,
		owner:  owner,
		log: client.Logger().With(
			slog.String("component", "stt-engine"),
			slog.String("source", source),
			slog.String("owner", owner),
		),
	}
}

func (e *BusEngine) Start(opts speech.RecognitionOptions, handler speech.RecognitionHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active {
		return errors.New("recognition already started")
	}
	if err := e.mic.Claim(e.source, e.owner); err != nil {
		return err
	}

	handlers := map[string]nats.MsgHandler{
		protocol.SubjectTranscriptPartial: e.handleTranscript,
		protocol.SubjectTranscriptFinal:   e.handleTranscript,
		protocol.SubjectRecognitionError:  e.handleError,
	}
	for subject, h := range handlers {
		sub, err := e.bus.Conn().Subscribe(subject, h)
		if err != nil {
			e.teardownLocked(false)
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		e.subs = append(e.subs, sub)
	}

	ctrl := protocol.CaptureControl{
		SessionID:      e.source,
		Owner:          e.owner,
		Continuous:     opts.Continuous,
		InterimResults: opts.InterimResults,
		Language:       opts.Language,
		Timestamp:      time.Now().UTC(),
	}
	if err := e.bus.PublishJSON(protocol.SubjectCaptureStart, ctrl); err != nil {
		e.teardownLocked(false)
		return fmt.Errorf("request capture: %w", err)
	}
	// make sure the STT service has seen the start before any frame or transcript
	if err := e.bus.Conn().Flush(); err != nil {
		e.log.Warn("bus flush failed", slogError(err))
	}

	e.active = true
	e.opts = opts
	e.handler = handler
	e.segments = nil
	e.log.Debug("capture requested")
	return nil
}

func (e *BusEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.active {
		return nil
	}
	return e.teardownLocked(true)
}

func (e *BusEngine) teardownLocked(notify bool) error {
	for _, sub := range e.subs {
		_ = sub.Unsubscribe()
	}
	e.subs = nil
	e.active = false
	e.mic.Release(e.source, e.owner)
	if !notify {
		return nil
	}
	ctrl := protocol.CaptureControl{SessionID: e.source, Owner: e.owner, Timestamp: time.Now().UTC()}
	if err := e.bus.PublishJSON(protocol.SubjectCaptureStop, ctrl); err != nil {
		return fmt.Errorf("release capture: %w", err)
	}
	return nil
}

func (e *BusEngine) handleTranscript(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		e.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if t.SessionID != e.source {
		return
	}

	e.mu.Lock()
	if !e.active || (t.Partial && !e.opts.InterimResults) {
		e.mu.Unlock()
		return
	}
	// finals accumulate; the trailing interim is replaced by each update
	if n := len(e.segments); n > 0 && !e.segments[n-1].Final {
		e.segments = e.segments[:n-1]
	}
	e.segments = append(e.segments, speech.Segment{Transcript: t.Text, Final: !t.Partial})
	result := speech.EngineResult{Segments: append([]speech.Segment(nil), e.segments...)}
	handler := e.handler
	if !t.Partial && !e.opts.Continuous {
		if err := e.teardownLocked(true); err != nil {
			e.log.Warn("auto-stop failed", slogError(err))
		}
	}
	e.mu.Unlock()

	if handler.OnResult != nil {
		handler.OnResult(result)
	}
}

func (e *BusEngine) handleError(msg *nats.Msg) {
	var rerr protocol.RecognitionError
	if err := json.Unmarshal(msg.Data, &rerr); err != nil {
		e.log.Warn("failed to decode recognition error", slogError(err))
		return
	}
	if rerr.SessionID != e.source {
		return
	}

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		return
	}
	handler := e.handler
	if err := e.teardownLocked(true); err != nil {
		e.log.Warn("auto-stop failed", slogError(err))
	}
	e.mu.Unlock()

	if handler.OnError != nil {
		handler.OnError(rerr.Code)
	}
}
