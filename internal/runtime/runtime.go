package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/api"
	"github.com/loqalabs/loqa-speech/internal/assets"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/capability"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/credentials"
	"github.com/loqalabs/loqa-speech/internal/documents"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/stt"
	"github.com/loqalabs/loqa-speech/internal/tts"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	closers []func()
	sttSvc  *stt.Service
	ttsEng  *tts.Engine
	busCli  *bus.Client
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up every configured service, serves until ctx is cancelled and then shuts down
// in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.closeAll()

	tel, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	})

	if err := r.startBus(ctx); err != nil {
		return err
	}

	creds, err := credentials.Open(ctx, r.cfg.Credentials, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	r.onClose(func() { _ = creds.Close() })

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.onClose(func() { _ = journal.Close() })

	registry, err := assets.NewRegistry(r.cfg.Assets.MaxEntries)
	if err != nil {
		return err
	}

	mic := stt.NewMicrophone()
	if err := r.startSTT(ctx); err != nil {
		return err
	}
	if err := r.startTTS(ctx); err != nil {
		return err
	}

	assistant, err := r.buildAssistant(creds)
	if err != nil {
		return err
	}

	remoteOpts := speech.RemoteOptions{
		Endpoint:        r.cfg.RemoteTTS.Endpoint,
		ModelID:         r.cfg.RemoteTTS.ModelID,
		Stability:       r.cfg.RemoteTTS.Stability,
		SimilarityBoost: r.cfg.RemoteTTS.SimilarityBoost,
		OutputFormat:    r.cfg.RemoteTTS.OutputFormat,
		Timeout:         time.Duration(r.cfg.RemoteTTS.TimeoutMS) * time.Millisecond,
	}
	newRemote := func() *speech.RemoteSynthesizer {
		session := speech.NewRemoteSession(remoteOpts, registry, r.logger)
		return speech.NewRemoteSynthesizer(session, creds, r.cfg.RemoteTTS.CredentialKey)
	}

	caps := r.capabilities(assistant != nil)
	if err := caps.Announce(); err != nil {
		r.logger.Warn("failed to announce capabilities", slog.String("error", err.Error()))
	}

	deps := api.Deps{
		Capabilities: caps,
		Credentials:  creds,
		Assets:       registry,
		Remote:       newRemote(),
		Synthesizers: func(backend string) (speech.Synthesizer, error) {
			if backend == speech.BackendRemote {
				return newRemote(), nil
			}
			var engine speech.SynthesisEngine
			if r.ttsEng != nil {
				engine = r.ttsEng
			}
			return speech.NewLocalSynthesizer(speech.NewLocalSession(engine, r.logger)), nil
		},
		Extractor: documents.NewExtractor(r.logger),
		Assistant: assistant,
		Journal:   journal,
		Bus:       r.busCli,
		Metrics:   tel.metrics,
		Ready:     r.healthy,
	}
	if r.ttsEng != nil {
		deps.LocalVoices = r.ttsEng.Voices
	}
	if r.sttSvc != nil {
		source := r.cfg.STT.DefaultSource
		deps.Recognizers = func(consumerID string) speech.RecognitionEngine {
			return stt.NewBusEngine(r.busCli, mic, source, consumerID)
		}
	}

	apiServer := api.New(api.Options{
		DefaultBackend: r.cfg.TTS.Backend,
		Language:       r.cfg.STT.Language,
		MaxUploadBytes: int64(r.cfg.HTTP.MaxUploadMB) << 20,
		AllowedOrigins: r.cfg.HTTP.AllowedOrigins,
	}, deps, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           tel.metrics,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{httpServer, metricsServer} {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		apiServer.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(httpServer.Shutdown(shutdownCtx), metricsServer.Shutdown(shutdownCtx))
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics", r.cfg.Telemetry.PrometheusBind),
		slog.String("tts_backend", r.cfg.TTS.Backend),
		slog.Bool("stt", r.sttSvc != nil),
		slog.Bool("llm", assistant != nil),
	)
	return g.Wait()
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if embedded != nil {
		r.onClose(embedded.Shutdown)
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.busCli = client
	r.onClose(client.Close)
	return nil
}

func (r *Runtime) startSTT(ctx context.Context) error {
	if !r.cfg.STT.Enabled {
		return nil
	}
	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("failed to build recognizer: %w", err)
	}
	svc := stt.NewService(ctx, r.cfg.STT, r.busCli, recognizer)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start stt: %w", err)
	}
	r.sttSvc = svc
	r.onClose(svc.Close)
	return nil
}

func (r *Runtime) startTTS(ctx context.Context) error {
	if !r.cfg.TTS.Enabled || r.cfg.TTS.Backend != speech.BackendLocal {
		return nil
	}
	synth, lister, err := tts.NewBackend(r.cfg.TTS)
	if err != nil {
		return fmt.Errorf("failed to build tts backend: %w", err)
	}
	engine := tts.NewEngine(ctx, r.cfg.TTS, synth, lister, r.busCli, r.logger)
	if err := engine.Start(); err != nil {
		return fmt.Errorf("failed to start tts: %w", err)
	}
	r.ttsEng = engine
	r.onClose(engine.Close)
	return nil
}

func (r *Runtime) buildAssistant(creds credentials.Store) (*documents.Assistant, error) {
	if !r.cfg.LLM.Enabled {
		return nil, nil
	}
	gen, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to build llm generator: %w", err)
	}
	return documents.NewAssistant(gen, creds, documents.AssistantOptions{
		CredentialKey:     r.cfg.LLM.CredentialKey,
		RequireCredential: r.cfg.LLM.Mode == "openai",
	}, r.logger), nil
}

func (r *Runtime) capabilities(assistant bool) *capability.Registry {
	caps := capability.NewRegistry(r.cfg.RuntimeName, r.busCli, r.logger)
	caps.Set(capability.Recognition, r.sttSvc != nil, map[string]string{
		"mode":     r.cfg.STT.Mode,
		"source":   r.cfg.STT.DefaultSource,
		"language": r.cfg.STT.Language,
	})
	caps.Set(capability.LocalSynthesis, r.ttsEng != nil, map[string]string{"mode": r.cfg.TTS.Mode})
	caps.Set(capability.RemoteSynthesis, true, map[string]string{"model": r.cfg.RemoteTTS.ModelID})
	caps.Set(capability.PDFExtraction, true, nil)
	caps.Set(capability.DocumentAssistant, assistant, map[string]string{"mode": r.cfg.LLM.Mode})
	return caps
}

func (r *Runtime) healthy() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.busCli.Healthy() {
		return false
	}
	if r.sttSvc != nil && !r.sttSvc.Healthy() {
		return false
	}
	return r.ttsEng == nil || r.ttsEng.Healthy()
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) closeAll() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}
