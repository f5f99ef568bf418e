// Package api exposes the speech runtime over HTTP: REST endpoints for credentials, voices,
// remote synthesis, audio assets and documents, plus a WebSocket channel that drives one
// speech controller per connection.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/loqalabs/loqa-speech/internal/assets"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/credentials"
	"github.com/loqalabs/loqa-speech/internal/documents"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// SynthesizerFactory builds a fresh synthesizer for one consumer.
type SynthesizerFactory func(backend string) (speech.Synthesizer, error)

// RecognizerFactory builds the recognition engine owned by one consumer.
type RecognizerFactory func(consumerID string) speech.RecognitionEngine

type Options struct {
	DefaultBackend string
	Language       string
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Deps are the collaborators the API routes to. Nil optional fields disable their endpoints.
type Deps struct {
	Credentials  credentials.Store
	Capabilities *capability.Registry
	Assets       *assets.Registry
	Remote       *speech.RemoteSynthesizer
	LocalVoices  func() []speech.Voice
	Synthesizers SynthesizerFactory
	Recognizers  RecognizerFactory
	Extractor    *documents.Extractor
	Assistant    *documents.Assistant
	Journal      *eventstore.Store
	Bus          *bus.Client
	Metrics      http.Handler
	Ready        func() bool
}

type Server struct {
	opts Options
	deps Deps
	log  *slog.Logger
	echo *echo.Echo

	mu       sync.Mutex
	sessions map[string]*wsSession
	wg       sync.WaitGroup
}

func New(opts Options, deps Deps, log *slog.Logger) *Server {
	if opts.DefaultBackend == "" {
		opts.DefaultBackend = speech.BackendLocal
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 25 << 20
	}
	s := &Server{
		opts:     opts,
		deps:     deps,
		log:      log.With(slog.String("component", "api")),
		sessions: make(map[string]*wsSession),
	}
	s.echo = s.routes()
	return s
}

// Handler is the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("http request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))
	if len(s.opts.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: s.opts.AllowedOrigins}))
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics))
	}

	v1 := e.Group("/v1")
	v1.GET("/capabilities", s.handleCapabilities)
	v1.PUT("/credentials/:key", s.handlePutCredential)
	v1.GET("/credentials/:key", s.handleGetCredential)
	v1.GET("/voices", s.handleVoices)
	v1.POST("/speech/remote", s.handleRemoteSpeech)
	v1.GET("/audio/:id", s.handleGetAudio)
	v1.DELETE("/audio/:id", s.handleReleaseAudio)
	v1.GET("/session", s.handleSession)

	docs := v1.Group("/documents", middleware.BodyLimit(fmt.Sprintf("%dK", max(s.opts.MaxUploadBytes>>10, 1))))
	docs.POST("/extract", s.handleExtract)
	docs.POST("/summarize", s.handleSummarize)
	docs.POST("/answer", s.handleAnswer)
	return e
}

// Shutdown closes every live session channel.
func (s *Server) Shutdown() {
	s.mu.Lock()
	live := make([]*wsSession, 0, len(s.sessions))
	for _, ws := range s.sessions {
		live = append(live, ws)
	}
	s.mu.Unlock()
	for _, ws := range live {
		ws.cancel()
	}
	s.wg.Wait()
}

// Sessions reports the number of connected session channels.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleReady(c echo.Context) error {
	if s.deps.Ready == nil || s.deps.Ready() {
		return c.String(http.StatusOK, "ready")
	}
	return c.String(http.StatusServiceUnavailable, "not ready")
}

func (s *Server) handleCapabilities(c echo.Context) error {
	if s.deps.Capabilities == nil {
		return c.JSON(http.StatusOK, map[string]any{"capabilities": []capability.Capability{}})
	}
	return c.JSON(http.StatusOK, map[string]any{"capabilities": s.deps.Capabilities.List()})
}

type credentialBody struct {
	Value string `json:"value"`
}

func (s *Server) handlePutCredential(c echo.Context) error {
	var body credentialBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := s.deps.Credentials.Save(c.Request().Context(), c.Param("key"), body.Value); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// handleGetCredential only reports presence; stored values never leave the process.
func (s *Server) handleGetCredential(c echo.Context) error {
	_, ok, err := s.deps.Credentials.Get(c.Request().Context(), c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"present": ok})
}

func (s *Server) handleVoices(c echo.Context) error {
	backend := c.QueryParam("backend")
	if backend == "" {
		backend = s.opts.DefaultBackend
	}
	switch backend {
	case speech.BackendRemote:
		return c.JSON(http.StatusOK, map[string]any{"backend": backend, "voices": speech.DefaultRemoteVoices()})
	case speech.BackendLocal:
		if s.deps.LocalVoices == nil {
			return &speech.CapabilityError{Capability: "local speech synthesis"}
		}
		voices := s.deps.LocalVoices()
		if voices == nil {
			voices = []speech.Voice{}
		}
		return c.JSON(http.StatusOK, map[string]any{"backend": backend, "voices": voices})
	default:
		return &speech.ValidationError{Field: "backend", Message: "backend must be local or remote"}
	}
}

type remoteSpeechBody struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

func (s *Server) handleRemoteSpeech(c echo.Context) error {
	if s.deps.Remote == nil {
		return &speech.CapabilityError{Capability: "remote speech synthesis"}
	}
	var body remoteSpeechBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	handle, err := s.deps.Remote.Synthesize(c.Request().Context(), speech.SynthesisRequest{
		Text:    body.Text,
		VoiceID: body.VoiceID,
	}, speech.Lifecycle{})
	if err != nil {
		return err
	}
	rh := handle.(*speech.RemoteHandle)
	return c.JSON(http.StatusOK, speech.HandleInfo{
		ID:          rh.Asset.ID,
		URL:         rh.Asset.URL(),
		ContentType: rh.Asset.ContentType,
		Sequence:    rh.Sequence,
	})
}

func (s *Server) handleGetAudio(c echo.Context) error {
	asset, err := s.deps.Assets.Get(c.Param("id"))
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, asset.ContentType, asset.Data)
}

func (s *Server) handleReleaseAudio(c echo.Context) error {
	s.deps.Assets.Release(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

// handleExtract accepts the PDF either as the raw request body or as a multipart "file" field.
func (s *Server) handleExtract(c echo.Context) error {
	if s.deps.Extractor == nil {
		return &speech.CapabilityError{Capability: "pdf extraction"}
	}
	data, err := s.readUpload(c)
	if err != nil {
		return err
	}
	text, err := s.deps.Extractor.Extract(c.Request().Context(), bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"text": text})
}

func (s *Server) readUpload(c echo.Context) ([]byte, error) {
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, &speech.ValidationError{Field: "file", Message: "a PDF file is required"}
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload: %w", err)
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, s.opts.MaxUploadBytes))
	}
	return io.ReadAll(io.LimitReader(c.Request().Body, s.opts.MaxUploadBytes))
}

type documentBody struct {
	Text     string `json:"text"`
	Question string `json:"question"`
}

func (s *Server) handleSummarize(c echo.Context) error {
	if s.deps.Assistant == nil {
		return &speech.CapabilityError{Capability: "document summarization"}
	}
	var body documentBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	summary, err := s.deps.Assistant.Summarize(c.Request().Context(), body.Text)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"summary": summary})
}

func (s *Server) handleAnswer(c echo.Context) error {
	if s.deps.Assistant == nil {
		return &speech.CapabilityError{Capability: "document question answering"}
	}
	var body documentBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	answer, err := s.deps.Assistant.Answer(c.Request().Context(), body.Text, body.Question)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"answer": answer})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

// statusFor maps domain errors to an HTTP status and a short code.
func statusFor(err error) (int, string) {
	var (
		httpErr    *echo.HTTPError
		capErr     *speech.CapabilityError
		validErr   *speech.ValidationError
		remoteErr  *speech.RemoteError
		apiErr     *llm.APIError
		extractErr *documents.ExtractionError
	)
	switch {
	case errors.As(err, &httpErr):
		return httpErr.Code, "http"
	case errors.As(err, &validErr):
		return http.StatusBadRequest, speech.ErrorCode(err)
	case errors.Is(err, documents.ErrEmptyDocument), errors.Is(err, documents.ErrEmptyQuestion):
		return http.StatusBadRequest, "invalid-input"
	case errors.Is(err, documents.ErrMissingCredential):
		return http.StatusBadRequest, "missing-credential"
	case errors.As(err, &capErr):
		return http.StatusNotImplemented, speech.ErrorCode(err)
	case errors.As(err, &extractErr):
		return http.StatusUnprocessableEntity, "extraction-failed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return http.StatusGatewayTimeout, "timeout"
	case errors.As(err, &remoteErr):
		if remoteErr.Status == http.StatusUnauthorized {
			return http.StatusUnauthorized, "remote"
		}
		return http.StatusBadGateway, "remote"
	case errors.As(err, &apiErr):
		if apiErr.Status == http.StatusUnauthorized {
			return http.StatusUnauthorized, "api"
		}
		return http.StatusBadGateway, "api"
	case errors.Is(err, speech.ErrSuperseded):
		return http.StatusConflict, "superseded"
	case errors.Is(err, assets.ErrNotFound):
		return http.StatusNotFound, "not-found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// isTimeout reports client-side deadlines such as http.Client.Timeout.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, code := statusFor(err)
	message := err.Error()
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		message = fmt.Sprint(httpErr.Message)
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn("request failed",
			slog.String("path", c.Path()),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		if status == http.StatusInternalServerError {
			message = "internal error"
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if werr := c.JSON(status, errorBody{Code: code, Message: message}); werr != nil {
		s.log.Warn("failed to write error response", slog.String("error", werr.Error()))
	}
}

func journalContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
