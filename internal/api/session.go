package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxCommandSize = 64 << 10
	outboundBuffer = 64

	sourceSession = "session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// origins are enforced by the CORS middleware configuration
	CheckOrigin: func(*http.Request) bool { return true },
}

// command is one client request on the session channel.
type command struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	VoiceID string `json:"voice_id,omitempty"`
}

// wsSession binds one WebSocket connection to one speech controller.
type wsSession struct {
	id      string
	backend string
	server  *Server
	conn    *websocket.Conn
	ctrl    *speech.Controller
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan speech.Event
	wg     sync.WaitGroup
}

func (s *Server) handleSession(c echo.Context) error {
	backend := c.QueryParam("backend")
	if backend == "" {
		backend = s.opts.DefaultBackend
	}
	if backend != speech.BackendLocal && backend != speech.BackendRemote {
		return &speech.ValidationError{Field: "backend", Message: "backend must be local or remote"}
	}
	if s.deps.Synthesizers == nil {
		return &speech.CapabilityError{Capability: "speech synthesis"}
	}
	synth, err := s.deps.Synthesizers(backend)
	if err != nil {
		return err
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		synth.Close()
		s.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return nil
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ws := &wsSession{
		id:      id,
		backend: backend,
		server:  s,
		conn:    conn,
		log:     s.log.With(slog.String("consumer", id), slog.String("backend", backend)),
		ctx:     ctx,
		cancel:  cancel,
		out:     make(chan speech.Event, outboundBuffer),
	}

	var engine speech.RecognitionEngine
	if s.deps.Recognizers != nil {
		engine = s.deps.Recognizers(id)
	}
	recognition := speech.NewRecognitionSession(engine, s.opts.Language, ws.log)
	ws.ctrl = speech.NewController(recognition, synth, ws.emit, ws.log)

	s.mu.Lock()
	s.sessions[id] = ws
	s.mu.Unlock()
	s.wg.Add(1)
	defer func() {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.wg.Done()
	}()

	ws.run()
	return nil
}

func (ws *wsSession) run() {
	jctx, jcancel := journalContext()
	if err := ws.server.deps.Journal.OpenSession(jctx, ws.id, ws.backend); err != nil {
		ws.log.Warn("journal open failed", slog.String("error", err.Error()))
	}
	jcancel()
	ws.log.Info("session channel opened")

	ws.wg.Add(1)
	go ws.writeLoop()

	ws.emit(speech.Event{Type: speech.EventStatus, Mode: ws.ctrl.Coordinator().Status()})
	ws.emit(ws.ctrl.Voices())

	ws.readLoop()

	ws.cancel()
	ws.ctrl.Close()
	ws.wg.Wait()
	_ = ws.conn.Close()

	jctx, jcancel = journalContext()
	defer jcancel()
	if err := ws.server.deps.Journal.CloseSession(jctx, ws.id); err != nil {
		ws.log.Warn("journal close failed", slog.String("error", err.Error()))
	}
	ws.log.Info("session channel closed")
}

func (ws *wsSession) readLoop() {
	ws.conn.SetReadLimit(maxCommandSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// a server shutdown cancels ctx; closing the socket unblocks the read below
	stop := context.AfterFunc(ws.ctx, func() {
		_ = ws.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ws.ctx.Err() == nil {
				ws.log.Debug("session read ended", slog.String("error", err.Error()))
			}
			return
		}
		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			ws.commandError("invalid-command", "command must be a JSON object")
			continue
		}
		ws.dispatch(cmd)
	}
}

func (ws *wsSession) dispatch(cmd command) {
	switch cmd.Type {
	case "listen.start":
		ws.ctrl.StartListening()
	case "listen.stop":
		ws.ctrl.StopListening()
	case "speak":
		// order is fixed here, in command order; only the remote call runs in the background
		run := ws.ctrl.PrepareSpeak(speech.SynthesisRequest{Text: cmd.Text, VoiceID: cmd.VoiceID})
		ws.wg.Add(1)
		go func() {
			defer ws.wg.Done()
			// failures are reported through the controller's error events
			_, _ = run(ws.ctx)
		}()
	case "speak.stop":
		ws.ctrl.StopSpeaking()
	case "playback.start":
		ws.ctrl.MarkPlayback(true)
	case "playback.end":
		ws.ctrl.MarkPlayback(false)
	case "voices":
		ws.emit(ws.ctrl.Voices())
	case "voice.select":
		if err := ws.ctrl.SelectVoice(cmd.VoiceID); err != nil {
			ws.commandError(speech.ErrorCode(err), err.Error())
		}
	case "transcript.reset":
		ws.ctrl.ResetTranscript()
		ws.emit(speech.Event{Type: speech.EventTranscript, Final: true})
	default:
		ws.commandError("unknown-command", "unknown command "+cmd.Type)
	}
}

func (ws *wsSession) commandError(code, message string) {
	ws.emit(speech.Event{Type: speech.EventError, Source: sourceSession, Code: code, Message: message})
}

// emit records the event and queues it for the writer. It gives up once the session ends.
func (ws *wsSession) emit(ev speech.Event) {
	ws.observe(ev)
	select {
	case ws.out <- ev:
	case <-ws.ctx.Done():
	}
}

// observe journals mode changes and errors and mirrors mode changes onto the bus.
func (ws *wsSession) observe(ev speech.Event) {
	var entry eventstore.Entry
	switch ev.Type {
	case speech.EventStatus:
		if ev.From == "" {
			return
		}
		entry = eventstore.Entry{Kind: eventstore.KindTransition, From: string(ev.From), To: string(ev.Mode)}
		ws.publishStatus(ev)
	case speech.EventError:
		entry = eventstore.Entry{Kind: eventstore.KindError, Source: ev.Source, Code: ev.Code}
	case speech.EventSpeechReady:
		entry = eventstore.Entry{Kind: eventstore.KindSynthesis, Source: ws.backend}
	default:
		return
	}
	entry.SessionID = ws.id
	ctx, cancel := journalContext()
	defer cancel()
	if err := ws.server.deps.Journal.Append(ctx, entry); err != nil {
		ws.log.Warn("journal append failed", slog.String("error", err.Error()))
	}
}

func (ws *wsSession) publishStatus(ev speech.Event) {
	if ws.server.deps.Bus == nil {
		return
	}
	status := protocol.SessionStatus{
		ConsumerID: ws.id,
		From:       string(ev.From),
		To:         string(ev.Mode),
		Timestamp:  time.Now().UTC(),
	}
	if err := ws.server.deps.Bus.PublishJSON(protocol.SubjectSessionStatus, status); err != nil {
		ws.log.Warn("failed to publish session status", slog.String("error", err.Error()))
	}
}

func (ws *wsSession) writeLoop() {
	defer ws.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-ws.out:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteJSON(ev); err != nil {
				ws.fail(err)
				return
			}
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.fail(err)
				return
			}
		case <-ws.ctx.Done():
			_ = ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (ws *wsSession) fail(err error) {
	if !errors.Is(err, websocket.ErrCloseSent) {
		ws.log.Debug("session write failed", slog.String("error", err.Error()))
	}
	ws.cancel()
}
