package tts

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const (
	CodeInterrupted     = "interrupted"
	CodeSynthesisFailed = "synthesis-failed"
)

// Engine is the on-device synthesis engine: it speaks one utterance at a time on the
// configured playback target and discovers its voice catalog in the background. Audio is
// published on the bus for the edge device that owns the speaker.
type Engine struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	lister VoiceLister
	bus    *bus.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	voices    []speech.Voice
	loaded    bool
	listeners map[int]func()
	nextID    int
	current   *playback
}

type playback struct {
	utt    *speech.Utterance
	cancel context.CancelFunc
}

// NewEngine wires synth and lister. busClient may be nil, in which case audio is produced but
// not published.
func NewEngine(parent context.Context, cfg config.TTSConfig, synth Synthesizer, lister VoiceLister, busClient *bus.Client, log *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(parent)
	return &Engine{
		cfg:       cfg,
		synth:     synth,
		lister:    lister,
		bus:       busClient,
		logger:    log.With(slog.String("component", "tts-engine")),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func()),
	}
}

// Start begins voice discovery. The catalog is empty until the first listing completes.
func (e *Engine) Start() error {
	if e.lister == nil {
		return nil
	}
	e.wg.Add(1)
	go e.discover()
	return nil
}

func (e *Engine) Close() {
	e.Cancel()
	e.cancel()
	e.wg.Wait()
}

// Healthy reports whether the voice catalog has been loaded at least once.
func (e *Engine) Healthy() bool {
	if e.lister == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

func (e *Engine) discover() {
	defer e.wg.Done()
	e.refreshVoices()
	if e.cfg.VoiceRefreshMS <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(e.cfg.VoiceRefreshMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.refreshVoices()
		}
	}
}

func (e *Engine) refreshVoices() {
	ctx, cancel := context.WithTimeout(e.ctx, 15*time.Second)
	defer cancel()
	voices, err := e.lister.ListVoices(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("voice discovery failed", slogError(err))
		}
		return
	}

	e.mu.Lock()
	changed := !e.loaded || !slices.Equal(e.voices, voices)
	e.loaded = true
	e.voices = voices
	listeners := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.Unlock()

	if !changed {
		return
	}
	e.logger.Info("voice catalog updated", slog.Int("voices", len(voices)))
	for _, fn := range listeners {
		fn()
	}
}

func (e *Engine) Voices() []speech.Voice {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]speech.Voice(nil), e.voices...)
}

func (e *Engine) OnVoicesChanged(fn func()) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Speak interrupts whatever is playing and synthesizes u asynchronously. OnStart fires with
// the first audio chunk.
func (e *Engine) Speak(u *speech.Utterance) error {
	if strings.TrimSpace(u.Text) == "" {
		return errors.New("utterance text is empty")
	}
	if err := e.ctx.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(e.ctx)
	p := &playback{utt: u, cancel: cancel}
	e.mu.Lock()
	prev := e.current
	e.current = p
	e.mu.Unlock()
	if prev != nil {
		e.interrupt(prev)
	}

	e.wg.Add(1)
	go e.run(ctx, p)
	return nil
}

// Cancel stops the current utterance, which reports an "interrupted" error.
func (e *Engine) Cancel() {
	e.mu.Lock()
	p := e.current
	e.current = nil
	e.mu.Unlock()
	if p != nil {
		e.interrupt(p)
	}
}

func (e *Engine) interrupt(p *playback) {
	p.cancel()
	e.publishDone(p.utt.ID, false, true)
	if p.utt.OnError != nil {
		p.utt.OnError(CodeInterrupted)
	}
}

// release clears p as the current playback. It reports false when p was already cancelled.
func (e *Engine) release(p *playback) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != p {
		return false
	}
	e.current = nil
	return true
}

func (e *Engine) run(ctx context.Context, p *playback) {
	defer e.wg.Done()
	defer p.cancel()

	u := p.utt
	voice := e.cfg.Voice
	if u.Voice != nil {
		voice = u.Voice.ID
	}
	synthCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	chunks, errs := e.synth.Synthesize(synthCtx, SynthRequest{
		SessionID: u.ID,
		Text:      u.Text,
		Voice:     voice,
		Rate:      u.Rate,
		Pitch:     u.Pitch,
	})
	started := false
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			if !started {
				started = true
				if u.OnStart != nil {
					u.OnStart()
				}
			}
			e.publishChunk(u.ID, chunk)
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		}
	}

	// an interrupted utterance has already been reported
	if ctx.Err() != nil {
		return
	}
	if !e.release(p) {
		return
	}
	if synthErr != nil {
		e.logger.Warn("tts synthesis error", slog.String("utterance", u.ID), slogError(synthErr))
		e.publishDone(u.ID, false, false)
		if u.OnError != nil {
			u.OnError(CodeSynthesisFailed)
		}
		return
	}
	if !started && u.OnStart != nil {
		u.OnStart()
	}
	e.publishDone(u.ID, true, false)
	if u.OnEnd != nil {
		u.OnEnd()
	}
}

func (e *Engine) publishChunk(utteranceID string, chunk SynthChunk) {
	if e.bus == nil {
		return
	}
	packet := protocol.AudioChunk{
		SessionID:  utteranceID,
		Target:     e.cfg.Target,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Sequence:   chunk.Sequence,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := e.bus.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		e.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (e *Engine) publishDone(utteranceID string, completed, cancelled bool) {
	if e.bus == nil {
		return
	}
	status := protocol.TTSStatus{
		SessionID: utteranceID,
		Target:    e.cfg.Target,
		Completed: completed,
		Cancelled: cancelled,
		Timestamp: time.Now().UTC(),
	}
	if err := e.bus.PublishJSON(protocol.SubjectTTSDone, status); err != nil {
		e.logger.Warn("failed to publish tts status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
