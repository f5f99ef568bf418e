package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	summarizeSystemPrompt = "You are a helpful assistant that creates concise and informative summaries of documents. Provide a clear, well-structured summary that captures the main points and key information."
	answerSystemPrompt    = "You are a helpful assistant that answers questions based on the provided document. Only answer questions that can be answered from the document content. If the information is not in the document, say so clearly."

	noSummary = "No summary generated"
	noAnswer  = "No answer generated"
)

var (
	ErrEmptyDocument     = errors.New("document text is empty")
	ErrEmptyQuestion     = errors.New("question is empty")
	ErrMissingCredential = llm.ErrMissingCredential
)

// APIError is a non-success response from the model endpoint.
type APIError = llm.APIError

type AssistantOptions struct {
	CredentialKey string
	// RequireCredential fails calls before any I/O when no credential is stored.
	RequireCredential bool
}

// Assistant summarizes documents and answers questions about them with a language model.
type Assistant struct {
	gen    llm.Generator
	creds  speech.CredentialSource
	opts   AssistantOptions
	log    *slog.Logger
	tracer trace.Tracer
}

func NewAssistant(gen llm.Generator, creds speech.CredentialSource, opts AssistantOptions, log *slog.Logger) *Assistant {
	return &Assistant{
		gen:    gen,
		creds:  creds,
		opts:   opts,
		log:    log.With(slog.String("component", "document-assistant")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-speech/internal/documents"),
	}
}

func (a *Assistant) Summarize(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return a.complete(ctx, "summarize", llm.Request{
		System:      summarizeSystemPrompt,
		Prompt:      "Please provide a comprehensive summary of the following document:\n\n" + text,
		MaxTokens:   1000,
		Temperature: 0.3,
	}, noSummary)
}

func (a *Assistant) Answer(ctx context.Context, text, question string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	if strings.TrimSpace(question) == "" {
		return "", ErrEmptyQuestion
	}
	return a.complete(ctx, "answer", llm.Request{
		System:      answerSystemPrompt,
		Prompt:      fmt.Sprintf("Based on the following document, please answer the question.\n\nDocument:\n%s\n\nQuestion: %s", text, question),
		MaxTokens:   800,
		Temperature: 0.2,
	}, noAnswer)
}

func (a *Assistant) complete(ctx context.Context, op string, req llm.Request, fallback string) (string, error) {
	credential, err := a.credential(ctx)
	if err != nil {
		return "", err
	}
	req.Credential = credential

	ctx, span := a.tracer.Start(ctx, "documents."+op, trace.WithAttributes(
		attribute.Int("documents.prompt_length", len(req.Prompt)),
	))
	defer span.End()

	reply, err := llm.Complete(ctx, a.gen, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.log.Warn("document assistant call failed", slog.String("op", op), slog.String("error", err.Error()))
		return "", err
	}
	if reply == "" {
		return fallback, nil
	}
	return reply, nil
}

func (a *Assistant) credential(ctx context.Context) (string, error) {
	if a.creds == nil || a.opts.CredentialKey == "" {
		if a.opts.RequireCredential {
			return "", ErrMissingCredential
		}
		return "", nil
	}
	value, ok, err := a.creds.Get(ctx, a.opts.CredentialKey)
	if err != nil {
		return "", fmt.Errorf("load credential: %w", err)
	}
	if (!ok || strings.TrimSpace(value) == "") && a.opts.RequireCredential {
		return "", ErrMissingCredential
	}
	return value, nil
}
