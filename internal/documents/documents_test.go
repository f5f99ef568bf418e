package documents

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/credentials"
	"github.com/loqalabs/loqa-speech/internal/llm"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePages struct {
	pages []string
	err   error
	panic bool
}

func (f fakePages) NumPage() int { return len(f.pages) }

func (f fakePages) PageText(n int) (string, error) {
	if f.panic {
		panic("malformed xref")
	}
	if f.err != nil {
		return "", f.err
	}
	return f.pages[n-1], nil
}

func extractorWith(pages fakePages) *Extractor {
	x := NewExtractor(newLogger())
	x.open = func(io.ReaderAt, int64) (pageReader, error) { return pages, nil }
	return x
}

func TestExtractJoinsPagesInOrder(t *testing.T) {
	x := extractorWith(fakePages{pages: []string{"  First page", "Second page", ""}})
	text, err := x.Extract(context.Background(), bytes.NewReader([]byte("pdf")), 3)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if text != "First page\nSecond page" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExtractFailures(t *testing.T) {
	cases := map[string]*Extractor{
		"page error": extractorWith(fakePages{pages: []string{"a"}, err: errors.New("bad font")}),
		"panic":      extractorWith(fakePages{pages: []string{"a"}, panic: true}),
		"not a pdf":  NewExtractor(newLogger()),
	}
	for name, x := range cases {
		t.Run(name, func(t *testing.T) {
			data := []byte("definitely not a pdf document")
			_, err := x.Extract(context.Background(), bytes.NewReader(data), int64(len(data)))
			var extractErr *ExtractionError
			if !errors.As(err, &extractErr) {
				t.Fatalf("expected ExtractionError, got %v", err)
			}
			if err.Error() != "Failed to extract text from PDF" {
				t.Fatalf("unexpected message %q", err.Error())
			}
		})
	}
}

func TestExtractEmptyInput(t *testing.T) {
	_, err := NewExtractor(newLogger()).Extract(context.Background(), bytes.NewReader(nil), 0)
	var extractErr *ExtractionError
	if !errors.As(err, &extractErr) {
		t.Fatalf("expected ExtractionError, got %v", err)
	}
}

type recordingGenerator struct {
	reply string
	err   error
	got   []llm.Request
}

func (g *recordingGenerator) Generate(_ context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	g.got = append(g.got, req)
	if g.err != nil {
		return g.err
	}
	return consumer(llm.Chunk{Content: g.reply})
}

func newAssistant(t *testing.T, gen llm.Generator, apiKey string) *Assistant {
	t.Helper()
	store := credentials.NewMemoryStore()
	if err := store.Save(context.Background(), credentials.KeyAssistant, apiKey); err != nil {
		t.Fatalf("save credential: %v", err)
	}
	return NewAssistant(gen, store, AssistantOptions{CredentialKey: credentials.KeyAssistant, RequireCredential: true}, newLogger())
}

func TestSummarizeBuildsRequest(t *testing.T) {
	gen := &recordingGenerator{reply: "A summary."}
	out, err := newAssistant(t, gen, "sk-1").Summarize(context.Background(), "document body")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if out != "A summary." {
		t.Fatalf("unexpected summary %q", out)
	}
	req := gen.got[0]
	if req.Credential != "sk-1" || req.MaxTokens != 1000 || req.Temperature != 0.3 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.System != summarizeSystemPrompt || !strings.HasSuffix(req.Prompt, "\n\ndocument body") {
		t.Fatalf("unexpected prompts %+v", req)
	}
}

func TestAnswerBuildsRequest(t *testing.T) {
	gen := &recordingGenerator{reply: "Forty two."}
	out, err := newAssistant(t, gen, "sk-1").Answer(context.Background(), "the doc", "what is it?")
	if err != nil || out != "Forty two." {
		t.Fatalf("answer: %q %v", out, err)
	}
	req := gen.got[0]
	if req.MaxTokens != 800 || req.Temperature != 0.2 || req.System != answerSystemPrompt {
		t.Fatalf("unexpected request %+v", req)
	}
	if !strings.Contains(req.Prompt, "Document:\nthe doc\n\nQuestion: what is it?") {
		t.Fatalf("unexpected prompt %q", req.Prompt)
	}
}

func TestAssistantFallbacksAndValidation(t *testing.T) {
	gen := &recordingGenerator{}
	a := newAssistant(t, gen, "sk-1")

	if out, err := a.Summarize(context.Background(), "doc"); err != nil || out != "No summary generated" {
		t.Fatalf("expected summary fallback, got %q %v", out, err)
	}
	if out, err := a.Answer(context.Background(), "doc", "q"); err != nil || out != "No answer generated" {
		t.Fatalf("expected answer fallback, got %q %v", out, err)
	}
	if _, err := a.Summarize(context.Background(), "  "); !errors.Is(err, ErrEmptyDocument) {
		t.Fatalf("expected ErrEmptyDocument, got %v", err)
	}
	if _, err := a.Answer(context.Background(), "doc", ""); !errors.Is(err, ErrEmptyQuestion) {
		t.Fatalf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestAssistantRequiresCredential(t *testing.T) {
	gen := &recordingGenerator{reply: "x"}
	_, err := newAssistant(t, gen, "").Summarize(context.Background(), "doc")
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
	if len(gen.got) != 0 {
		t.Fatalf("generator must not be called without a credential")
	}
}

func TestAssistantPropagatesAPIError(t *testing.T) {
	gen := &recordingGenerator{err: &llm.APIError{Status: 429, Message: "Rate limit reached"}}
	_, err := newAssistant(t, gen, "sk-1").Summarize(context.Background(), "doc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != 429 || apiErr.Message != "Rate limit reached" {
		t.Fatalf("expected APIError, got %v", err)
	}
}
