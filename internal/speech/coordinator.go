package speech

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Mode string

const (
	ModeNeither   Mode = "neither"
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// Advice tells the caller what to stop before entering a mode. Entering is always allowed.
type Advice struct {
	StopOther bool `json:"stop_other"`
	Other     Mode `json:"other,omitempty"`
}

type Transition struct {
	From Mode      `json:"from"`
	To   Mode      `json:"to"`
	At   time.Time `json:"at"`
}

// Coordinator is the policy layer keeping listening and speaking mutually exclusive for a
// single consumer. It tracks what the caller reports and advises; it never stops sessions
// itself.
type Coordinator struct {
	logger  *slog.Logger
	onError func(source string, err error)
	now     func() time.Time

	mu        sync.Mutex
	listening bool
	speaking  bool
	mode      Mode
	observers []func(Transition)

	transitions metric.Int64Counter
}

// NewCoordinator routes every reported failure to onError, which may be nil.
func NewCoordinator(onError func(source string, err error), logger *slog.Logger) *Coordinator {
	logger = logger.With(slog.String("component", "session-coordinator"))
	counter, err := otel.Meter(instrumentationName).Int64Counter("loqa_speech_session_transitions_total",
		metric.WithDescription("Coordinator mode transitions"))
	if err != nil {
		logger.Warn("transition counter unavailable", slogError(err))
		counter = noop.Int64Counter{}
	}
	return &Coordinator{
		logger:      logger,
		onError:     onError,
		now:         time.Now,
		mode:        ModeNeither,
		transitions: counter,
	}
}

func (c *Coordinator) Status() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Coordinator) Listening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

func (c *Coordinator) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

func (c *Coordinator) RequestListen() Advice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.speaking {
		return Advice{StopOther: true, Other: ModeSpeaking}
	}
	return Advice{}
}

func (c *Coordinator) RequestSpeak() Advice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listening {
		return Advice{StopOther: true, Other: ModeListening}
	}
	return Advice{}
}

// OnTransition registers fn for every mode change.
func (c *Coordinator) OnTransition(fn func(Transition)) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

func (c *Coordinator) SetListening(on bool) {
	c.update(func() {
		c.listening = on
		if on {
			c.mode = ModeListening
		}
	})
}

func (c *Coordinator) SetSpeaking(on bool) {
	c.update(func() {
		c.speaking = on
		if on {
			c.mode = ModeSpeaking
		}
	})
}

// ReportError forwards a session failure to the single error handler.
func (c *Coordinator) ReportError(source string, err error) {
	if err == nil {
		return
	}
	c.logger.Debug("session error", slog.String("source", source), slogError(err))
	if c.onError != nil {
		c.onError(source, err)
	}
}

func (c *Coordinator) update(apply func()) {
	c.mu.Lock()
	from := c.mode
	apply()
	// the mode follows the most recently entered session; when it ends, fall back to
	// whichever one is still active
	switch {
	case c.mode == ModeListening && !c.listening, c.mode == ModeSpeaking && !c.speaking, c.mode == ModeNeither:
		switch {
		case c.speaking:
			c.mode = ModeSpeaking
		case c.listening:
			c.mode = ModeListening
		default:
			c.mode = ModeNeither
		}
	}
	to := c.mode
	observers := slices.Clone(c.observers)
	c.mu.Unlock()

	if from == to {
		return
	}
	t := Transition{From: from, To: to, At: c.now().UTC()}
	c.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
	for _, fn := range observers {
		fn(t)
	}
}
