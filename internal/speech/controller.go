package speech

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

type EventType string

const (
	EventStatus      EventType = "status"
	EventAdvice      EventType = "advice"
	EventTranscript  EventType = "transcript"
	EventVoices      EventType = "voices"
	EventSpeechStart EventType = "speech.start"
	EventSpeechEnd   EventType = "speech.end"
	EventSpeechReady EventType = "speech.ready"
	EventError       EventType = "error"
)

// Event is what a Controller reports to its consumer.
type Event struct {
	Type       EventType   `json:"type"`
	Mode       Mode        `json:"mode,omitempty"`
	From       Mode        `json:"from,omitempty"`
	Text       string      `json:"text,omitempty"`
	Final      bool        `json:"final,omitempty"`
	Transcript string      `json:"transcript,omitempty"`
	Voices     []Voice     `json:"voices,omitempty"`
	Selected   string      `json:"selected,omitempty"`
	Source     string      `json:"source,omitempty"`
	Code       string      `json:"code,omitempty"`
	Message    string      `json:"message,omitempty"`
	Handle     *HandleInfo `json:"handle,omitempty"`
}

// HandleInfo describes a remote PlaybackHandle to a consumer that fetches it over HTTP.
type HandleInfo struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Sequence    uint64 `json:"sequence"`
}

const (
	SourceRecognition = "recognition"
	SourceSynthesis   = "synthesis"
)

// Controller drives one consumer's recognition and synthesis sessions through a
// Coordinator and reports everything as Events. After Close no further events are emitted.
type Controller struct {
	coord       *Coordinator
	recognition *RecognitionSession
	synth       Synthesizer
	transcript  TranscriptBuffer
	logger      *slog.Logger

	emitMu       sync.Mutex
	emit         func(Event)
	closed       atomic.Bool
	removeVoices func()
}

func NewController(recognition *RecognitionSession, synth Synthesizer, emit func(Event), logger *slog.Logger) *Controller {
	c := &Controller{
		recognition: recognition,
		synth:       synth,
		emit:        emit,
		logger:      logger.With(slog.String("component", "speech-controller")),
	}
	c.coord = NewCoordinator(c.reportError, logger)
	c.coord.OnTransition(func(t Transition) {
		c.send(Event{Type: EventStatus, Mode: t.To, From: t.From})
	})
	c.removeVoices = synth.OnVoicesChanged(func(voices []Voice) {
		c.send(c.voicesEvent(voices))
	})
	return c
}

func (c *Controller) Coordinator() *Coordinator { return c.coord }

func (c *Controller) Transcript() string { return c.transcript.Text() }

func (c *Controller) Backend() string { return c.synth.Backend() }

// StartListening stops speech first when the coordinator advises it. The coordinator is
// marked listening before the engine starts so an engine error can never leave it behind.
func (c *Controller) StartListening() bool {
	if c.recognition.Active() {
		return false
	}
	if advice := c.coord.RequestListen(); advice.StopOther {
		c.send(Event{Type: EventAdvice, Mode: ModeListening, From: advice.Other})
		c.StopSpeaking()
	}
	supported := c.recognition.Supported()
	if supported {
		c.coord.SetListening(true)
	}
	ok := c.recognition.Start(c.handleTranscript, func(err error) {
		c.coord.SetListening(false)
		c.coord.ReportError(SourceRecognition, err)
	})
	if !ok && supported {
		c.coord.SetListening(false)
	}
	return ok
}

func (c *Controller) StopListening() bool {
	stopped := c.recognition.Stop()
	c.coord.SetListening(false)
	return stopped
}

// Speak stops listening first when advised, then synthesizes req. Remote handles are
// announced with an EventSpeechReady; local playback reports start and end events.
func (c *Controller) Speak(ctx context.Context, req SynthesisRequest) (PlaybackHandle, error) {
	return c.PrepareSpeak(req)(ctx)
}

// preparer is implemented by synthesizers whose calls block and must be ordered up front.
type preparer interface {
	Prepare(SynthesisRequest) func(context.Context) (PlaybackHandle, error)
}

// PrepareSpeak fixes req's order against every other request without blocking and returns
// the blocking remainder of Speak. Local playback never blocks and has already started when
// PrepareSpeak returns.
func (c *Controller) PrepareSpeak(req SynthesisRequest) func(context.Context) (PlaybackHandle, error) {
	if advice := c.coord.RequestSpeak(); advice.StopOther {
		c.send(Event{Type: EventAdvice, Mode: ModeSpeaking, From: advice.Other})
		c.StopListening()
	}
	if p, ok := c.synth.(preparer); ok {
		run := p.Prepare(req)
		return func(ctx context.Context) (PlaybackHandle, error) {
			return c.settle(run(ctx))
		}
	}
	lc := Lifecycle{
		OnStart: func() {
			c.coord.SetSpeaking(true)
			c.send(Event{Type: EventSpeechStart})
		},
		OnEnd: func() {
			c.coord.SetSpeaking(false)
			c.send(Event{Type: EventSpeechEnd})
		},
		OnError: func(err error) {
			c.coord.SetSpeaking(false)
			c.coord.ReportError(SourceSynthesis, err)
		},
	}
	handle, err := c.settle(c.synth.Synthesize(context.Background(), req, lc))
	return func(context.Context) (PlaybackHandle, error) { return handle, err }
}

func (c *Controller) settle(handle PlaybackHandle, err error) (PlaybackHandle, error) {
	if err != nil {
		if !errors.Is(err, ErrSuperseded) {
			c.coord.ReportError(SourceSynthesis, err)
		}
		return nil, err
	}
	if rh, ok := handle.(*RemoteHandle); ok {
		c.send(Event{Type: EventSpeechReady, Handle: &HandleInfo{
			ID:          rh.Asset.ID,
			URL:         rh.Asset.URL(),
			ContentType: rh.Asset.ContentType,
			Sequence:    rh.Sequence,
		}})
	}
	return handle, nil
}

func (c *Controller) StopSpeaking() {
	c.synth.Stop()
	c.coord.SetSpeaking(false)
}

// MarkPlayback records consumer-side playback of a remote handle.
func (c *Controller) MarkPlayback(playing bool) {
	if playing {
		if advice := c.coord.RequestSpeak(); advice.StopOther {
			c.send(Event{Type: EventAdvice, Mode: ModeSpeaking, From: advice.Other})
			c.StopListening()
		}
	}
	c.coord.SetSpeaking(playing)
}

func (c *Controller) Voices() Event {
	return c.voicesEvent(c.synth.Voices())
}

// SelectVoice is only meaningful for synthesizers that keep a selection.
func (c *Controller) SelectVoice(id string) error {
	selector, ok := c.synth.(interface{ SelectVoice(string) error })
	if !ok {
		return &ValidationError{Field: "voice", Message: "voice selection is not supported by the " + c.synth.Backend() + " backend"}
	}
	if err := selector.SelectVoice(id); err != nil {
		return err
	}
	c.send(c.Voices())
	return nil
}

func (c *Controller) ResetTranscript() {
	c.transcript.Reset()
}

// Close releases the microphone, cancels playback and detaches the consumer.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.removeVoices()
	c.recognition.Close()
	c.synth.Close()
}

func (c *Controller) handleTranscript(ev TranscriptEvent) {
	text := c.transcript.Apply(ev)
	c.send(Event{Type: EventTranscript, Text: ev.Text, Final: ev.Final, Transcript: text})
}

func (c *Controller) reportError(source string, err error) {
	c.send(Event{Type: EventError, Source: source, Code: ErrorCode(err), Message: err.Error()})
}

func (c *Controller) voicesEvent(voices []Voice) Event {
	ev := Event{Type: EventVoices, Voices: voices}
	if selector, ok := c.synth.(interface{ SelectedVoice() string }); ok {
		ev.Selected = selector.SelectedVoice()
	}
	return ev
}

func (c *Controller) send(ev Event) {
	if c.closed.Load() || c.emit == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.emit(ev)
}
