package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/assets"
)

func newTestRemote(t *testing.T, endpoint, format string) (*RemoteSession, *assets.Registry) {
	t.Helper()
	reg, err := assets.NewRegistry(8)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	session := NewRemoteSession(RemoteOptions{
		Endpoint:        endpoint,
		ModelID:         "eleven_multilingual_v2",
		Stability:       0.5,
		SimilarityBoost: 0.75,
		OutputFormat:    format,
	}, reg, testLogger())
	return session, reg
}

func TestGenerateSpeechSuccess(t *testing.T) {
	var (
		mu   sync.Mutex
		body remoteRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.Method != http.MethodPost || r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("xi-api-key") != "secret" {
			t.Errorf("missing credential header")
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	session, reg := newTestRemote(t, srv.URL, "")
	handle, err := session.GenerateSpeech(context.Background(), "Hello there", "voice-1", "secret")
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if body.Text != "Hello there" || body.ModelID != "eleven_multilingual_v2" {
		t.Fatalf("unexpected request body %+v", body)
	}
	if body.VoiceSettings.Stability != 0.5 || body.VoiceSettings.SimilarityBoost != 0.75 {
		t.Fatalf("unexpected voice settings %+v", body.VoiceSettings)
	}
	if handle.Backend() != BackendRemote || handle.VoiceID != "voice-1" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	stored, err := reg.Get(handle.Asset.ID)
	if err != nil {
		t.Fatalf("asset not stored: %v", err)
	}
	if !bytes.Equal(stored.Data, []byte("mp3-bytes")) || stored.ContentType != "audio/mpeg" {
		t.Fatalf("unexpected stored asset %+v", stored)
	}
}

func TestGenerateSpeechValidation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()
	session, _ := newTestRemote(t, srv.URL, "")

	cases := []struct {
		name, text, voice, credential, field string
	}{
		{"empty text", "", "v", "k", "text"},
		{"whitespace text", " \t\n", "v", "k", "text"},
		{"missing credential", "hello", "v", "", "credential"},
		{"missing voice", "hello", "", "k", "voice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := session.GenerateSpeech(context.Background(), tc.text, tc.voice, tc.credential)
			var validationErr *ValidationError
			if !errors.As(err, &validationErr) || validationErr.Field != tc.field {
				t.Fatalf("expected validation error on %s, got %v", tc.field, err)
			}
		})
	}
	if hits.Load() != 0 {
		t.Fatalf("validation failures must not reach the network, got %d calls", hits.Load())
	}
}

func TestGenerateSpeechRemoteErrors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"structured", http.StatusUnauthorized, `{"detail":{"message":"Invalid API key"}}`, "Invalid API key"},
		{"string detail", http.StatusBadRequest, `{"detail":"voice not found"}`, "voice not found"},
		{"unparsable", http.StatusInternalServerError, `<html>oops</html>`, "Failed to generate speech"},
		{"list detail", http.StatusUnprocessableEntity, `{"detail":[{"msg":"bad"}]}`, "Failed to generate speech"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			session, reg := newTestRemote(t, srv.URL, "")
			_, err := session.GenerateSpeech(context.Background(), "hello", "v", "k")
			var remoteErr *RemoteError
			if !errors.As(err, &remoteErr) {
				t.Fatalf("expected RemoteError, got %v", err)
			}
			if remoteErr.Status != tc.status || remoteErr.Message != tc.message {
				t.Fatalf("unexpected remote error %+v", remoteErr)
			}
			if reg.Len() != 0 {
				t.Fatalf("failed call must not store audio")
			}
		})
	}
}

func TestGenerateSpeechSuperseded(t *testing.T) {
	release := make(chan struct{})
	arrived := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		arrived <- struct{}{}
		<-release
		w.Write([]byte("audio"))
	}))
	defer srv.Close()
	session, reg := newTestRemote(t, srv.URL, "")

	done := make(chan error, 1)
	go func() {
		_, err := session.GenerateSpeech(context.Background(), "first", "v", "k")
		done <- err
	}()
	<-arrived
	session.Supersede()
	close(release)

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("superseded audio must be released, got %d assets", reg.Len())
	}
}

func TestGenerateSpeechWrapsPCM(t *testing.T) {
	formats := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		formats <- r.URL.Query().Get("output_format")
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(make([]byte, 64))
	}))
	defer srv.Close()
	session, _ := newTestRemote(t, srv.URL, "pcm_16000")

	handle, err := session.GenerateSpeech(context.Background(), "hello", "v", "k")
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if format := <-formats; format != "pcm_16000" {
		t.Fatalf("expected output_format query, got %q", format)
	}
	if handle.Asset.ContentType != "audio/wav" || !bytes.HasPrefix(handle.Asset.Data, []byte("RIFF")) {
		t.Fatalf("expected wav-wrapped asset, got %s", handle.Asset.ContentType)
	}
}

type staticCredentials map[string]string

func (s staticCredentials) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s[key]
	return v, ok, nil
}

func TestRemoteSynthesizerCredentials(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		keys = append(keys, r.Header.Get("xi-api-key"))
		mu.Unlock()
		w.Write([]byte("audio"))
	}))
	defer srv.Close()
	session, _ := newTestRemote(t, srv.URL, "")
	synth := NewRemoteSynthesizer(session, staticCredentials{"elevenLabsApiKey": "stored"}, "elevenLabsApiKey")

	if _, err := synth.Synthesize(context.Background(), SynthesisRequest{Text: "hi"}, Lifecycle{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), SynthesisRequest{Text: "hi", Credential: "explicit"}, Lifecycle{}); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(keys) != 2 || keys[0] != "stored" || keys[1] != "explicit" {
		t.Fatalf("unexpected credentials used: %v", keys)
	}

	empty := NewRemoteSynthesizer(session, staticCredentials{}, "elevenLabsApiKey")
	_, err := empty.Synthesize(context.Background(), SynthesisRequest{Text: "hi"}, Lifecycle{})
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) || validationErr.Field != "credential" {
		t.Fatalf("expected missing credential validation error, got %v", err)
	}
}

// gatedCredentials holds the first lookup until release is closed.
type gatedCredentials struct {
	value   string
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedCredentials) Get(ctx context.Context, _ string) (string, bool, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		select {
		case <-g.release:
		case <-ctx.Done():
			return "", false, ctx.Err()
		}
	}
	return g.value, true, nil
}

func TestRemoteSynthesizerKeepsIssueOrder(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("audio"))
	}))
	defer srv.Close()
	session, reg := newTestRemote(t, srv.URL, "")
	creds := &gatedCredentials{value: "k", entered: make(chan struct{}), release: make(chan struct{})}
	synth := NewRemoteSynthesizer(session, creds, "elevenLabsApiKey")

	older := make(chan error, 1)
	go func() {
		_, err := synth.Synthesize(context.Background(), SynthesisRequest{Text: "older"}, Lifecycle{})
		older <- err
	}()
	<-creds.entered

	newer, err := synth.Synthesize(context.Background(), SynthesisRequest{Text: "newer"}, Lifecycle{})
	if err != nil {
		t.Fatalf("newer request: %v", err)
	}
	close(creds.release)

	if err := <-older; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("request issued first must be superseded, got %v", err)
	}
	if seq := newer.(*RemoteHandle).Sequence; seq != 2 {
		t.Fatalf("expected newer request to hold sequence 2, got %d", seq)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected only the newer audio to be stored, got %d assets", reg.Len())
	}
	if hits.Load() != 1 {
		t.Fatalf("stale request must not reach the network, got %d calls", hits.Load())
	}
}

func TestGenerateSpeechCallerCancelled(t *testing.T) {
	arrived := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))
	defer srv.Close()
	session, _ := newTestRemote(t, srv.URL, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := session.GenerateSpeech(ctx, "hello", "v", "k")
		done <- err
	}()
	<-arrived
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		t.Fatalf("caller cancellation must not be reported as a remote failure: %v", err)
	}
}
