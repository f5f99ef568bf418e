package speech

import (
	"io"
	"log/slog"
	"sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecognitionEngine struct {
	mu       sync.Mutex
	handler  RecognitionHandler
	opts     RecognitionOptions
	startErr error
	panicMsg string
	starts   int
	stops    int
}

func (f *fakeRecognitionEngine) Start(opts RecognitionOptions, handler RecognitionHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.opts = opts
	f.handler = handler
	return nil
}

func (f *fakeRecognitionEngine) Stop() error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	return nil
}

func (f *fakeRecognitionEngine) result(segments ...Segment) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnResult(EngineResult{Segments: segments})
}

func (f *fakeRecognitionEngine) fail(code string) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h.OnError(code)
}

type fakeSynthesisEngine struct {
	mu        sync.Mutex
	voices    []Voice
	listeners map[int]func()
	next      int
	spoken    []*Utterance
	cancels   int
	speakErr  error
}

func newFakeSynthesisEngine(voices ...Voice) *fakeSynthesisEngine {
	return &fakeSynthesisEngine{voices: voices, listeners: make(map[int]func())}
}

func (f *fakeSynthesisEngine) Voices() []Voice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Voice(nil), f.voices...)
}

func (f *fakeSynthesisEngine) OnVoicesChanged(fn func()) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *fakeSynthesisEngine) setVoices(voices ...Voice) {
	f.mu.Lock()
	f.voices = voices
	listeners := make([]func(), 0, len(f.listeners))
	for _, fn := range f.listeners {
		listeners = append(listeners, fn)
	}
	f.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

func (f *fakeSynthesisEngine) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeSynthesisEngine) Speak(u *Utterance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.speakErr != nil {
		return f.speakErr
	}
	f.spoken = append(f.spoken, u)
	return nil
}

func (f *fakeSynthesisEngine) Cancel() {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
}

func (f *fakeSynthesisEngine) last() *Utterance {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spoken) == 0 {
		return nil
	}
	return f.spoken[len(f.spoken)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
