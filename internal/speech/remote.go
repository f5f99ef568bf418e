package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/assets"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName  = "github.com/loqalabs/loqa-speech/internal/speech"
	remoteFailureMessage = "Failed to generate speech"
	maxRemoteErrorBody   = 1 << 20
)

// AssetStore keeps generated audio addressable until released.
type AssetStore interface {
	Put(data []byte, contentType string) (*assets.Asset, error)
	Release(id string)
}

type RemoteOptions struct {
	Endpoint        string
	ModelID         string
	Stability       float64
	SimilarityBoost float64
	OutputFormat    string
	Timeout         time.Duration
}

// RemoteHandle is the playable result of one remote synthesis call.
type RemoteHandle struct {
	Asset    *assets.Asset
	Sequence uint64
	VoiceID  string
}

func (h *RemoteHandle) Backend() string { return BackendRemote }

// DefaultRemoteVoices is the fixed catalog offered for the remote backend.
func DefaultRemoteVoices() []Voice {
	return []Voice{
		{ID: "9BWtsMINqrJLrRacOk9x", Name: "Aria", Description: "Warm and natural feminine voice"},
		{ID: "CwhRBWXzGAHq8TQ4Fs17", Name: "Roger", Description: "Deep and confident masculine voice"},
		{ID: "EXAVITQu4vr4xnSDxMaL", Name: "Sarah", Description: "Professional and clear feminine voice"},
		{ID: "IKne3meq5aSn9XLyUdCD", Name: "Charlie", Description: "Friendly and conversational male voice"},
		{ID: "XB0fDUnXU5powFXDhCwa", Name: "Charlotte", Description: "Warm British female voice"},
	}
}

// RemoteSession calls the remote text-to-speech service. Every call is tagged with a
// sequence number; a call that finishes after a newer call started returns ErrSuperseded.
type RemoteSession struct {
	opts   RemoteOptions
	store  AssetStore
	logger *slog.Logger

	HTTPClient *http.Client

	seq      atomic.Uint64
	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewRemoteSession(opts RemoteOptions, store AssetStore, logger *slog.Logger) *RemoteSession {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "remote-synthesis"))
	meter := otel.Meter(instrumentationName)

	s := &RemoteSession{
		opts:       opts,
		store:      store,
		logger:     logger,
		HTTPClient: &http.Client{Timeout: opts.Timeout},
		tracer:     otel.Tracer(instrumentationName),
	}
	var err error
	if s.requests, err = meter.Int64Counter("loqa_speech_remote_requests_total",
		metric.WithDescription("Remote synthesis calls started")); err != nil {
		logger.Warn("remote requests counter unavailable", slogError(err))
		s.requests = noop.Int64Counter{}
	}
	if s.failures, err = meter.Int64Counter("loqa_speech_remote_failures_total",
		metric.WithDescription("Remote synthesis calls that failed")); err != nil {
		logger.Warn("remote failures counter unavailable", slogError(err))
		s.failures = noop.Int64Counter{}
	}
	if s.latency, err = meter.Float64Histogram("loqa_speech_remote_latency_seconds",
		metric.WithDescription("Remote synthesis round-trip time"), metric.WithUnit("s")); err != nil {
		logger.Warn("remote latency histogram unavailable", slogError(err))
		s.latency = noop.Float64Histogram{}
	}
	return s
}

func (s *RemoteSession) Voices() []Voice {
	return DefaultRemoteVoices()
}

// Supersede invalidates every call currently in flight.
func (s *RemoteSession) Supersede() {
	s.seq.Add(1)
}

// begin reserves the next sequence number. Every call begun earlier becomes stale.
func (s *RemoteSession) begin() uint64 {
	return s.seq.Add(1)
}

func (s *RemoteSession) current(seq uint64) bool {
	return s.seq.Load() == seq
}

type remoteVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type remoteRequest struct {
	Text          string              `json:"text"`
	ModelID       string              `json:"model_id"`
	VoiceSettings remoteVoiceSettings `json:"voice_settings"`
}

func validateRemote(text, voiceID, credential string) error {
	if strings.TrimSpace(credential) == "" {
		return &ValidationError{Field: "credential", Message: "API key is required"}
	}
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Message: "Text is required"}
	}
	if strings.TrimSpace(voiceID) == "" {
		return &ValidationError{Field: "voice", Message: "Voice is required"}
	}
	return nil
}

// GenerateSpeech synthesizes text with voiceID. Validation failures are reported before any
// network I/O.
func (s *RemoteSession) GenerateSpeech(ctx context.Context, text, voiceID, credential string) (*RemoteHandle, error) {
	if err := validateRemote(text, voiceID, credential); err != nil {
		return nil, err
	}
	return s.generate(ctx, s.begin(), text, voiceID, credential)
}

// generate runs the call reserved as seq. It gives up with ErrSuperseded as soon as a newer
// call has begun.
func (s *RemoteSession) generate(ctx context.Context, seq uint64, text, voiceID, credential string) (*RemoteHandle, error) {
	if !s.current(seq) {
		return nil, ErrSuperseded
	}
	ctx, span := s.tracer.Start(ctx, "speech.remote.generate", trace.WithAttributes(
		attribute.String("speech.voice_id", voiceID),
		attribute.Int("speech.text_length", len(text)),
		attribute.Int64("speech.sequence", int64(seq)),
	))
	defer span.End()
	s.requests.Add(ctx, 1)

	started := time.Now()
	audio, contentType, err := s.post(ctx, text, voiceID, credential)
	s.latency.Record(ctx, time.Since(started).Seconds())
	if err != nil {
		s.failures.Add(ctx, 1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("remote synthesis failed", slog.String("voice", voiceID), slogError(err))
		return nil, err
	}

	if rate, ok := assets.PCMRate(s.opts.OutputFormat); ok {
		wrapped, err := assets.WrapPCM(audio, rate, 1)
		if err != nil {
			return nil, fmt.Errorf("wrap remote pcm: %w", err)
		}
		audio, contentType = wrapped, "audio/wav"
	}

	if !s.current(seq) {
		span.SetAttributes(attribute.Bool("speech.superseded", true))
		return nil, ErrSuperseded
	}
	asset, err := s.store.Put(audio, contentType)
	if err != nil {
		return nil, fmt.Errorf("store remote audio: %w", err)
	}
	// a newer call may have begun while the asset was stored
	if !s.current(seq) {
		s.store.Release(asset.ID)
		return nil, ErrSuperseded
	}

	s.logger.Debug("remote synthesis complete",
		slog.String("voice", voiceID),
		slog.String("asset", asset.ID),
		slog.Int("bytes", len(audio)),
	)
	return &RemoteHandle{Asset: asset, Sequence: seq, VoiceID: voiceID}, nil
}

func (s *RemoteSession) post(ctx context.Context, text, voiceID, credential string) ([]byte, string, error) {
	endpoint := strings.TrimRight(s.opts.Endpoint, "/") + "/v1/text-to-speech/" + url.PathEscape(voiceID)
	if s.opts.OutputFormat != "" {
		endpoint += "?output_format=" + url.QueryEscape(s.opts.OutputFormat)
	}

	payload, err := json.Marshal(remoteRequest{
		Text:    text,
		ModelID: s.opts.ModelID,
		VoiceSettings: remoteVoiceSettings{
			Stability:       s.opts.Stability,
			SimilarityBoost: s.opts.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode remote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, "", fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", credential)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", fmt.Errorf("remote synthesis: %w", ctxErr)
		}
		return nil, "", &RemoteError{Message: remoteFailureMessage + ": " + err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRemoteErrorBody))
		return nil, "", &RemoteError{Status: resp.StatusCode, Message: remoteErrorMessage(body)}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &RemoteError{Status: resp.StatusCode, Message: remoteFailureMessage + ": " + err.Error(), Err: err}
	}
	if len(audio) == 0 {
		return nil, "", &RemoteError{Status: resp.StatusCode, Message: remoteFailureMessage + ": empty audio"}
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	return audio, contentType, nil
}

// remoteErrorMessage extracts detail.message, or a plain string detail, from an error body.
func remoteErrorMessage(body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Detail) == 0 {
		return remoteFailureMessage
	}
	var detail struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Detail, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}
	var text string
	if err := json.Unmarshal(envelope.Detail, &text); err == nil && text != "" {
		return text
	}
	return remoteFailureMessage
}
